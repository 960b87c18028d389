package core

import (
	"context"
	"log/slog"
	"sync"

	"bulkindex/pkg/common"
	"bulkindex/pkg/config"
	"bulkindex/pkg/core/memory"
	"bulkindex/pkg/idset"
	"bulkindex/pkg/index"
	"bulkindex/pkg/logging"
	"bulkindex/pkg/monitor"
	"bulkindex/pkg/storage"
)

const (
	// DefaultHeadroom is how far below the limit an eviction pass drives
	// memory before it stops.
	DefaultHeadroom = 1 << 20
	// DefaultMaxFlushParallelism caps the final drain participants.
	DefaultMaxFlushParallelism = 2
	defaultDegree              = 32
)

type Option func(*BufferManager)

func WithHeadroom(bytes int64) Option {
	return func(bm *BufferManager) {
		if bytes >= 0 {
			bm.headroom = bytes
		}
	}
}

func WithMaxFlushParallelism(n int) Option {
	return func(bm *BufferManager) {
		if n > 0 {
			bm.maxFlushParallelism = n
		}
	}
}

func WithDegree(degree int) Option {
	return func(bm *BufferManager) {
		if degree >= 2 {
			bm.degree = degree
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(bm *BufferManager) {
		bm.log = logging.OrNop(l)
	}
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(bm *BufferManager) {
		bm.metrics = m
	}
}

// BufferManager is the import buffer shared by all workers. It gathers
// entry ids per (index, key) and writes them to the store once, either when
// eviction needs the memory back or during the final drain.
type BufferManager struct {
	store storage.Store

	// mu guards everything below it up to the drain fields.
	mu              sync.Mutex
	elements        *memory.ElementMap
	memoryUsage     int64
	cursor          *memory.Element
	total           uint64
	hit             uint64
	evicted         uint64
	evictionPasses  uint64
	evictionStalls  uint64
	evictionEnabled bool
	prepared        bool

	memoryLimit         int64
	headroom            int64
	degree              int
	maxFlushParallelism int
	flushParticipants   int

	barrier   *Barrier
	drainOnce sync.Once
	drainSet  []*memory.Element

	log     *slog.Logger
	metrics *monitor.Metrics
}

// New returns a buffer that starts evicting once its accounted memory passes
// memoryLimit. workerThreads is the number of import workers; at most
// max-flush-parallelism of them take part in the final drain.
func New(store storage.Store, memoryLimit int64, workerThreads int, opts ...Option) *BufferManager {
	bm := &BufferManager{
		store:               store,
		memoryLimit:         memoryLimit,
		headroom:            DefaultHeadroom,
		degree:              defaultDegree,
		maxFlushParallelism: DefaultMaxFlushParallelism,
		evictionEnabled:     true,
		log:                 logging.Nop(),
	}
	for _, opt := range opts {
		opt(bm)
	}

	bm.elements = memory.NewElementMap(bm.degree)
	bm.flushParticipants = min(max(workerThreads, 1), bm.maxFlushParallelism)
	bm.barrier = NewBarrier(bm.flushParticipants)

	bm.log.Debug("[BufferManager] created",
		"memory_limit", memoryLimit,
		"headroom", bm.headroom,
		"flush_participants", bm.flushParticipants)
	return bm
}

// NewFromConfig builds a buffer from the buffer section of the config file.
func NewFromConfig(store storage.Store, cfg config.BufferConfig, opts ...Option) *BufferManager {
	base := []Option{
		WithHeadroom(cfg.Headroom),
		WithMaxFlushParallelism(cfg.MaxFlushParallelism),
		WithDegree(cfg.BTreeDegree),
	}
	return New(store, cfg.MemoryLimit, cfg.WorkerThreads, append(base, opts...)...)
}

// account is the only place memoryUsage changes.
func (bm *BufferManager) account(delta int64) {
	bm.memoryUsage += delta
}

// Insert adds id under every key of keys for ix. When the buffer ends up
// over its limit the call evicts before returning, so it may block on store
// writes. A store failure is returned as *StoreWriteError and nothing is
// rolled back. Once PrepareFlush has run Insert returns ErrFlushPrepared.
func (bm *BufferManager) Insert(ix *index.Index, keys [][]byte, id common.EntryID) error {
	if ix == nil {
		return ErrInvalidIndex
	}
	limit := ix.EntryLimit()

	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.prepared {
		return ErrFlushPrepared
	}

	for _, key := range keys {
		bm.total++
		cur := bm.elements.Get(key, ix)
		if cur == nil {
			e := memory.NewElement(append([]byte(nil), key...), ix, idset.New(id))
			bm.elements.Insert(e)
			bm.account(e.Cost())
			bm.metrics.RecordInsert(false)
			continue
		}
		if !cur.IsDefined() {
			bm.metrics.RecordInsert(false)
			continue
		}
		before := cur.Cost()
		cur.IDs.Add(id, limit)
		bm.account(cur.Cost() - before)
		bm.hit++
		bm.metrics.RecordInsert(true)
	}

	var err error
	if bm.memoryUsage > bm.memoryLimit && bm.evictionEnabled {
		err = bm.evictUntilUnderLimit()
	}
	bm.metrics.SetUsage(bm.memoryUsage, bm.elements.Len())
	return err
}

// InsertEntry extracts the keys e contributes to ix and inserts them.
func (bm *BufferManager) InsertEntry(ix *index.Index, e *common.Entry, id common.EntryID) error {
	if ix == nil {
		return ErrInvalidIndex
	}
	return bm.Insert(ix, ix.Keys(e), id)
}

// PrepareFlush ends the insert phase: eviction stops for good and later
// inserts are rejected. The driver calls it once after the last Insert and
// before any FlushAll.
func (bm *BufferManager) PrepareFlush() {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.prepared {
		return
	}
	bm.prepared = true
	bm.evictionEnabled = false
	bm.log.Info("[BufferManager] flushing buffer",
		"elements", bm.elements.Len(),
		"total", bm.total,
		"hit", bm.hit,
		"memory", bm.memoryUsage,
		"evicted", bm.evicted)
}

// FlushAll writes this worker's share of what is left in the buffer.
// Workers outside [0, FlushParticipants()) return at once. Participants
// first wait for one another, then each writes every K-th element of a
// shared ordered snapshot, K being the participant count, and drops what it
// wrote from the buffer. Elements already gone from the buffer are skipped,
// so calling again after a failed write retries only what is left.
func (bm *BufferManager) FlushAll(ctx context.Context, workerID int) error {
	if workerID < 0 || workerID >= bm.flushParticipants {
		return nil
	}

	bm.mu.Lock()
	prepared := bm.prepared
	bm.mu.Unlock()
	if !prepared {
		return ErrFlushNotPrepared
	}

	if bm.flushParticipants > 1 {
		if err := bm.barrier.Wait(ctx); err != nil {
			return err
		}
	}

	snapshot := bm.drainSnapshot()
	written := 0
	for i := workerID; i < len(snapshot); i += bm.flushParticipants {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := snapshot[i]
		if !bm.buffered(e) {
			continue
		}
		if err := bm.write(e, monitor.PhaseDrain); err != nil {
			return err
		}
		bm.mu.Lock()
		if bm.elements.Delete(e) {
			bm.account(-e.Cost())
		}
		bm.metrics.SetUsage(bm.memoryUsage, bm.elements.Len())
		bm.mu.Unlock()
		written++
	}

	bm.log.Debug("[BufferManager] flush worker done", "worker", workerID, "written", written)
	return nil
}

// drainSnapshot captures the buffer order once for all participants. By
// the time any participant gets here every insert has finished.
func (bm *BufferManager) drainSnapshot() []*memory.Element {
	bm.drainOnce.Do(func() {
		bm.mu.Lock()
		bm.drainSet = bm.elements.Snapshot()
		bm.mu.Unlock()
	})
	return bm.drainSet
}

// buffered reports whether e itself is still held by the map.
func (bm *BufferManager) buffered(e *memory.Element) bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.elements.Get(e.Key, e.Index) == e
}

func (bm *BufferManager) write(e *memory.Element, phase string) error {
	err := bm.store.Write(e.Index, e.Key, e.IDs)
	bm.metrics.RecordStoreWrite(phase, err)
	if err != nil {
		bm.log.Error("[BufferManager] store write failed",
			"phase", phase, "index", e.Index.Name(), "key", string(e.Key), "err", err)
		return &StoreWriteError{Phase: phase, Index: e.Index, Key: e.Key, Err: err}
	}
	return nil
}

// FlushParticipants is the number of workers that take part in FlushAll.
func (bm *BufferManager) FlushParticipants() int {
	return bm.flushParticipants
}

// Stats is a point-in-time view of the buffer counters. It is for
// reporting only.
type Stats struct {
	Elements        int
	MemoryUsage     int64
	MemoryLimit     int64
	Headroom        int64
	Total           uint64
	Hit             uint64
	Evicted         uint64
	EvictionPasses  uint64
	EvictionStalls  uint64
	EvictionEnabled bool
}

func (bm *BufferManager) Stats() Stats {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return Stats{
		Elements:        bm.elements.Len(),
		MemoryUsage:     bm.memoryUsage,
		MemoryLimit:     bm.memoryLimit,
		Headroom:        bm.headroom,
		Total:           bm.total,
		Hit:             bm.hit,
		Evicted:         bm.evicted,
		EvictionPasses:  bm.evictionPasses,
		EvictionStalls:  bm.evictionStalls,
		EvictionEnabled: bm.evictionEnabled,
	}
}

// VerifyAccounting returns the tracked usage next to a full recount.
func (bm *BufferManager) VerifyAccounting() (tracked, actual int64) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.elements.Ascend(func(e *memory.Element) bool {
		actual += e.Cost()
		return true
	})
	return bm.memoryUsage, actual
}

// Lookup returns a copy of the ids buffered for (ix, key).
func (bm *BufferManager) Lookup(ix *index.Index, key []byte) (*idset.IDSet, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	e := bm.elements.Get(key, ix)
	if e == nil {
		return nil, false
	}
	return e.IDs.Clone(), true
}

// Each visits the buffered elements in order. fn must not call back into
// the buffer.
func (bm *BufferManager) Each(fn func(ix *index.Index, key []byte, ids *idset.IDSet) bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.elements.Ascend(func(e *memory.Element) bool {
		return fn(e.Index, e.Key, e.IDs)
	})
}
