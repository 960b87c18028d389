// Package importer drives a bulk index load: worker goroutines pull entries,
// feed every configured index into the shared buffer, then drain it.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"bulkindex/pkg/common"
	"bulkindex/pkg/config"
	"bulkindex/pkg/core"
	"bulkindex/pkg/index"
	"bulkindex/pkg/logging"
	"bulkindex/pkg/monitor"
	"bulkindex/pkg/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Option func(*Importer)

func WithLogger(l *slog.Logger) Option {
	return func(im *Importer) { im.log = logging.OrNop(l) }
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(im *Importer) { im.metrics = m }
}

type Importer struct {
	cfg      *config.Config
	store    storage.Store
	registry *index.Registry
	indexes  []*index.Index
	log      *slog.Logger
	metrics  *monitor.Metrics

	buffer atomic.Pointer[core.BufferManager]
}

// Result summarizes one run.
type Result struct {
	RunID          string
	Entries        int64
	Buffer         core.Stats
	InsertDuration time.Duration
	FlushDuration  time.Duration
}

// BuildIndexes registers one index per (attribute, kind) pair of cfgs.
func BuildIndexes(cfgs []config.IndexConfig) (*index.Registry, error) {
	reg := index.NewRegistry()
	for _, ic := range cfgs {
		for _, kind := range ic.Kinds {
			_, err := reg.Register(ic.Attribute, index.Kind(kind), ic.EntryLimit,
				index.WithSubstringLength(ic.SubstringLength))
			if err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

// New registers the configured indexes and binds them to store.
func New(cfg *config.Config, store storage.Store, opts ...Option) (*Importer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg, err := BuildIndexes(cfg.Indexes)
	if err != nil {
		return nil, err
	}
	im := &Importer{
		cfg:      cfg,
		store:    store,
		registry: reg,
		indexes:  reg.All(),
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(im)
	}
	for _, ix := range im.indexes {
		if err := store.Bind(ix); err != nil {
			return nil, fmt.Errorf("bind %s: %w", ix.Name(), err)
		}
	}
	return im, nil
}

func (im *Importer) Registry() *index.Registry {
	return im.registry
}

// Stats reports the buffer of the current or last run. ok is false before
// the first Run.
func (im *Importer) Stats() (core.Stats, bool) {
	bm := im.buffer.Load()
	if bm == nil {
		return core.Stats{}, false
	}
	return bm.Stats(), true
}

// Run imports every entry from entries until the channel closes, then
// drains the buffer. Entry IDs are assigned from 1 in arrival order.
//
// When the insert phase fails, Run keeps discarding entries in the
// background until the channel is closed, so a producer blocked on send
// finishes without the caller cancelling it.
func (im *Importer) Run(ctx context.Context, entries <-chan *common.Entry) (Result, error) {
	res := Result{RunID: uuid.NewString()}
	workers := im.cfg.Buffer.WorkerThreads
	if workers <= 0 {
		return res, fmt.Errorf("%w: worker_threads must be positive, got %d", config.ErrInvalidConfig, workers)
	}
	log := im.log.With("run", res.RunID)

	bm := core.NewFromConfig(im.store, im.cfg.Buffer,
		core.WithLogger(log),
		core.WithMetrics(im.metrics))
	im.buffer.Store(bm)

	log.Info("[Importer] starting",
		"workers", workers,
		"indexes", len(im.indexes),
		"memory_limit", im.cfg.Buffer.MemoryLimit)

	var nextID atomic.Uint32
	var count atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case e, ok := <-entries:
					if !ok {
						return nil
					}
					id := common.EntryID(nextID.Add(1))
					for _, ix := range im.indexes {
						if err := bm.InsertEntry(ix, e, id); err != nil {
							return fmt.Errorf("entry %s: %w", e.DN, err)
						}
					}
					count.Add(1)
				}
			}
		})
	}
	err := g.Wait()
	res.Entries = count.Load()
	res.InsertDuration = time.Since(start)
	if err != nil {
		go discard(entries)
		res.Buffer = bm.Stats()
		return res, err
	}

	bm.PrepareFlush()
	start = time.Now()
	fg, fctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w // per-iteration copy (go directive < 1.22)
		fg.Go(func() error {
			return bm.FlushAll(fctx, w)
		})
	}
	err = fg.Wait()
	res.FlushDuration = time.Since(start)
	res.Buffer = bm.Stats()
	if err != nil {
		return res, err
	}

	log.Info("[Importer] done",
		"entries", res.Entries,
		"evicted", res.Buffer.Evicted,
		"insert", res.InsertDuration,
		"flush", res.FlushDuration)
	return res, nil
}

func discard(entries <-chan *common.Entry) {
	for range entries {
	}
}
