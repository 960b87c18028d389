package storage

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"bulkindex/pkg/common"
	"bulkindex/pkg/config"
	"bulkindex/pkg/idset"
	"bulkindex/pkg/index"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engines() []string {
	return []string{"memory", "sqlite", "pebble", "log", "sstable"}
}

func openTestStore(t *testing.T, engine string) Store {
	t.Helper()
	s, err := Open(config.StorageConfig{Engine: engine, Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreMergesWrites(t *testing.T) {
	reg := index.NewRegistry()
	cn, err := reg.Register("cn", index.Equality, 3)
	require.NoError(t, err)
	sn, err := reg.Register("sn", index.Equality, 3)
	require.NoError(t, err)

	for _, engine := range engines() {
		engine := engine // per-iteration copy (go directive < 1.22)
		t.Run(engine, func(t *testing.T) {
			s := openTestStore(t, engine)
			require.NoError(t, s.Bind(cn))
			require.NoError(t, s.Bind(cn))
			require.NoError(t, s.Bind(sn))

			key := []byte("smith")
			require.NoError(t, s.Write(cn, key, idset.Of(0, 1, 2)))
			require.NoError(t, s.Write(sn, key, idset.Of(0, 9)))
			require.NoError(t, s.Write(cn, key, idset.Of(0, 2, 3)))

			got, ok, err := s.Read(cn, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []common.EntryID{1, 2, 3}, got.IDs())

			// same key bytes under another index stay separate
			got, ok, err = s.Read(sn, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []common.EntryID{9}, got.IDs())

			// the union passes the entry limit
			require.NoError(t, s.Write(cn, key, idset.Of(0, 4)))
			got, ok, err = s.Read(cn, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.False(t, got.IsDefined())

			_, ok, err = s.Read(cn, []byte("jones"))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreRejectsUnboundIndex(t *testing.T) {
	reg := index.NewRegistry()
	cn, err := reg.Register("cn", index.Equality, 0)
	require.NoError(t, err)

	for _, engine := range engines() {
		engine := engine // per-iteration copy (go directive < 1.22)
		t.Run(engine, func(t *testing.T) {
			s := openTestStore(t, engine)
			err := s.Write(cn, []byte("k"), idset.New(1))
			assert.ErrorIs(t, err, ErrUnknownIndex)
			var iie *InvalidIndexError
			require.ErrorAs(t, err, &iie)
			assert.Equal(t, cn.ID(), iie.ID)

			_, _, err = s.Read(cn, []byte("k"))
			assert.ErrorIs(t, err, ErrUnknownIndex)
		})
	}
}

func TestOpenUnknownEngine(t *testing.T) {
	_, err := Open(config.StorageConfig{Engine: "bdb"})
	assert.Error(t, err)
}

func TestPebbleScanStaysInsideIndex(t *testing.T) {
	reg := index.NewRegistry()
	cn, _ := reg.Register("cn", index.Equality, 0)
	sn, _ := reg.Register("sn", index.Equality, 0)

	s, err := OpenPebbleStore(t.TempDir(), false)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Bind(cn))
	require.NoError(t, s.Bind(sn))

	for _, k := range []string{"b", "a", "c"} {
		require.NoError(t, s.Write(cn, []byte(k), idset.New(1)))
	}
	require.NoError(t, s.Write(sn, []byte("a"), idset.New(2)))

	var keys []string
	require.NoError(t, s.Scan(cn, func(key []byte, ids *idset.IDSet) bool {
		keys = append(keys, string(key))
		return true
	}))
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestMemoryStoreCountsWrites(t *testing.T) {
	reg := index.NewRegistry()
	cn, _ := reg.Register("cn", index.Equality, 0)
	s := NewMemoryStore()
	require.NoError(t, s.Bind(cn))

	require.NoError(t, s.Write(cn, []byte("a"), idset.New(1)))
	require.NoError(t, s.Write(cn, []byte("a"), idset.New(2)))
	require.NoError(t, s.Write(cn, []byte("b"), idset.New(2)))

	assert.Equal(t, 2, s.WriteCount(cn, []byte("a")))
	assert.Equal(t, 3, s.TotalWrites())
	assert.Equal(t, []string{"a", "b"}, s.Keys(cn))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(cn, []byte("c"), idset.New(3)), ErrClosed)
}

func TestIndexBoundsAtLastID(t *testing.T) {
	lower, upper := indexBounds(7)
	assert.Equal(t, []byte{0, 0, 0, 7}, lower)
	assert.Equal(t, []byte{0, 0, 0, 8}, upper)

	lower, upper = indexBounds(math.MaxUint32)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, lower)
	assert.Nil(t, upper, "the last index has no upper bound")
}

func TestMemoryStoreBindRacesWrite(t *testing.T) {
	reg := index.NewRegistry()
	cn, _ := reg.Register("cn", index.Equality, 0)
	for i := 0; i < 200; i++ {
		s := NewMemoryStore()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Bind(cn)
		}()
		var werr error
		go func() {
			defer wg.Done()
			werr = s.Write(cn, []byte("k"), idset.New(1))
		}()
		wg.Wait()
		if werr != nil {
			require.True(t, errors.Is(werr, ErrUnknownIndex), "unexpected error %v", werr)
		}
	}
}

func TestSSTableStoreSealsOnDescendingKey(t *testing.T) {
	reg := index.NewRegistry()
	cn, _ := reg.Register("cn", index.Equality, 3)
	sn, _ := reg.Register("sn", index.Equality, 3)
	dir := t.TempDir()

	s, err := OpenSSTableStore(dir, false)
	require.NoError(t, err)
	require.NoError(t, s.Bind(cn))
	require.NoError(t, s.Bind(sn))

	// ascending across indexes stays in one run
	require.NoError(t, s.Write(cn, []byte("a"), idset.New(1)))
	require.NoError(t, s.Write(cn, []byte("b"), idset.New(1)))
	require.NoError(t, s.Write(sn, []byte("a"), idset.New(9)))
	assert.Equal(t, 1, s.Runs())

	// a wrapped eviction pass starts over from the low keys
	require.NoError(t, s.Write(cn, []byte("a"), idset.New(2)))
	assert.Equal(t, 2, s.Runs())

	ids, ok, err := s.Read(cn, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []common.EntryID{1, 2}, ids.IDs())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(cn, []byte("z"), idset.New(1)), ErrClosed)

	// runs survive a reopen and keep merging under the entry limit
	s2, err := OpenSSTableStore(dir, false)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Bind(cn))
	require.NoError(t, s2.Bind(sn))
	require.NoError(t, s2.Write(cn, []byte("a"), idset.Of(0, 3, 4)))

	ids, ok, err = s2.Read(cn, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, ids.IsDefined(), "four ids exceed the entry limit of 3")

	ids, ok, err = s2.Read(sn, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []common.EntryID{9}, ids.IDs())

	for i := 0; i < 100; i++ {
		require.NoError(t, s2.Write(cn, []byte(fmt.Sprintf("k%03d", i)), idset.New(common.EntryID(i))))
	}
	_, ok, err = s2.Read(cn, []byte("k050"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = s2.Read(cn, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}
