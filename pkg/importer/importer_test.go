package importer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"bulkindex/pkg/common"
	"bulkindex/pkg/config"
	"bulkindex/pkg/core"
	"bulkindex/pkg/index"
	"bulkindex/pkg/monitor"
	"bulkindex/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(memoryLimit int64, workers int) *config.Config {
	cfg := config.Default()
	cfg.Buffer.MemoryLimit = memoryLimit
	cfg.Buffer.Headroom = 512
	cfg.Buffer.WorkerThreads = workers
	cfg.Storage.Engine = "memory"
	cfg.Indexes = []config.IndexConfig{
		{Attribute: "cn", Kinds: []string{"equality", "presence"}, EntryLimit: 0},
		{Attribute: "objectclass", Kinds: []string{"equality"}, EntryLimit: 50},
		{Attribute: "sn", Kinds: []string{"substring"}, EntryLimit: 0, SubstringLength: 4},
	}
	return cfg
}

func person(dn, cn, sn string) *common.Entry {
	e := common.NewEntry(dn)
	e.Add("objectClass", "person")
	e.Add("cn", cn)
	e.Add("sn", sn)
	return e
}

func TestBuildIndexes(t *testing.T) {
	reg, err := BuildIndexes(testConfig(1<<20, 1).Indexes)
	require.NoError(t, err)

	var names []string
	for _, ix := range reg.All() {
		names = append(names, ix.Name())
	}
	assert.Equal(t, []string{"cn.equality", "cn.presence", "objectclass.equality", "sn.substring"}, names)

	_, err = BuildIndexes([]config.IndexConfig{{Attribute: "cn", Kinds: []string{"approx"}}})
	assert.ErrorIs(t, err, index.ErrUnknownKind)
}

func TestRunSmallImport(t *testing.T) {
	cfg := testConfig(1<<20, 3)
	store := storage.NewMemoryStore()
	im, err := New(cfg, store)
	require.NoError(t, err)

	entries := []*common.Entry{
		person("cn=a", "Alice Smith", "Smith"),
		person("cn=b", "Bob Smith", "Smith"),
		person("cn=c", "Alice  smith", "Smithers"),
	}
	ctx := context.Background()
	res, err := im.Run(ctx, FromSlice(ctx, entries))
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Entries)
	assert.NotEmpty(t, res.RunID)
	assert.Zero(t, res.Buffer.Elements)
	assert.Zero(t, res.Buffer.MemoryUsage)

	reg := im.Registry()
	cnEq, _ := reg.ByName("cn.equality")
	ids, ok, err := store.Read(cnEq, []byte("alice smith"))
	require.NoError(t, err)
	require.True(t, ok)
	// entry ids depend on arrival order; two entries share this key
	assert.Equal(t, 2, ids.Len())

	present, _ := reg.ByName("cn.presence")
	ids, ok, err = store.Read(present, []byte("+"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []common.EntryID{1, 2, 3}, ids.IDs())

	sub, _ := reg.ByName("sn.substring")
	ids, ok, err = store.Read(sub, []byte("mith"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, ids.Len())
}

// A tiny memory limit forces evictions while workers are still inserting.
// Whatever path a key takes to the store, the stored sets must match what a
// plain map would have gathered.
func TestRunMatchesModelUnderPressure(t *testing.T) {
	for _, workers := range []int{1, 4} {
		cfg := testConfig(8<<10, workers)
		store := storage.NewMemoryStore()
		im, err := New(cfg, store)
		require.NoError(t, err)

		rng := rand.New(rand.NewSource(7))
		entries := make([]*common.Entry, 400)
		for i := range entries {
			entries[i] = SyntheticEntry(rng, i)
		}

		ctx := context.Background()
		res, err := im.Run(ctx, FromSlice(ctx, entries))
		require.NoError(t, err)
		require.EqualValues(t, len(entries), res.Entries)
		assert.Positive(t, res.Buffer.Evicted, "workers=%d", workers)

		// ids are assigned in arrival order, so rebuild the model from the
		// stored presence set instead of slice positions
		present, _ := im.Registry().ByName("cn.presence")
		all, ok, err := store.Read(present, []byte("+"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, len(entries), all.Len())

		objectClass, _ := im.Registry().ByName("objectclass.equality")
		ids, ok, err := store.Read(objectClass, []byte("person"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, ids.IsDefined(), "400 ids exceed the entry limit of 50")

		cnEq, _ := im.Registry().ByName("cn.equality")
		seen := 0
		for _, k := range store.Keys(cnEq) {
			ids, ok, err := store.Read(cnEq, []byte(k))
			require.NoError(t, err)
			require.True(t, ok)
			seen += ids.Len()
		}
		assert.Equal(t, len(entries), seen, "each entry has exactly one cn")
	}
}

func TestRunStopsOnStoreFailure(t *testing.T) {
	cfg := testConfig(1<<20, 2)
	store := storage.NewMemoryStore()
	boom := errors.New("disk full")
	store.FailWrite = func(ix *index.Index, key []byte) error {
		return boom
	}
	im, err := New(cfg, store)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = im.Run(ctx, FromSlice(ctx, []*common.Entry{person("cn=a", "a", "b")}))
	require.ErrorIs(t, err, boom)
	var swe *core.StoreWriteError
	require.ErrorAs(t, err, &swe)
}

func TestRunHonoursCancellation(t *testing.T) {
	cfg := testConfig(1<<20, 2)
	im, err := New(cfg, storage.NewMemoryStore())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	never := make(chan *common.Entry)
	_, err = im.Run(ctx, never)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig(1<<20, 2)
	im, err := New(cfg, storage.NewMemoryStore(), WithMetrics(monitor.NewMetrics(reg)))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = im.Run(ctx, Synthetic(ctx, 20, 1))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestSyntheticIsDeterministic(t *testing.T) {
	ctx := context.Background()
	var a, b []string
	for e := range Synthetic(ctx, 10, 42) {
		a = append(a, e.DN+"|"+e.Values("cn")[0])
	}
	for e := range Synthetic(ctx, 10, 42) {
		b = append(b, e.DN+"|"+e.Values("cn")[0])
	}
	assert.Len(t, a, 10)
	assert.Equal(t, a, b)
}

func TestZeroWorkersIsRejected(t *testing.T) {
	for _, workers := range []int{0, -1} {
		_, err := New(testConfig(1<<20, workers), storage.NewMemoryStore())
		assert.ErrorIs(t, err, config.ErrInvalidConfig, "workers=%d", workers)
	}

	// a config changed after New is still checked before any entry is read
	store := storage.NewMemoryStore()
	im, err := New(testConfig(1<<20, 2), store)
	require.NoError(t, err)
	im.cfg.Buffer.WorkerThreads = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = im.Run(ctx, FromSlice(ctx, []*common.Entry{person("cn=a", "a", "b")}))
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Zero(t, store.TotalWrites())
}

func TestRunReleasesProducerAfterFailure(t *testing.T) {
	cfg := testConfig(1024, 2)
	cfg.Buffer.Headroom = 0
	store := storage.NewMemoryStore()
	boom := errors.New("disk full")
	store.FailWrite = func(ix *index.Index, key []byte) error {
		return boom
	}
	im, err := New(cfg, store)
	require.NoError(t, err)

	// the producer ignores cancellation; it only finishes once every entry
	// has been taken off the channel
	entries := make(chan *common.Entry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(entries)
		for i := 0; i < 200; i++ {
			entries <- person(fmt.Sprintf("cn=%d", i), fmt.Sprintf("name %d", i), "smith")
		}
	}()

	_, err = im.Run(context.Background(), entries)
	require.ErrorIs(t, err, boom)
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
