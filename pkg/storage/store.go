// Package storage holds the ordered stores the import buffer writes index
// keys into. Every store merges a written id set with what it already holds
// for the key.
package storage

import (
	"encoding/binary"
	"errors"
	"math"
	"fmt"
	"sync"

	"bulkindex/pkg/config"
	"bulkindex/pkg/idset"
	"bulkindex/pkg/index"

	"github.com/golang/snappy"
)

var (
	ErrUnknownIndex = errors.New("storage: unknown index")
	ErrClosed       = errors.New("storage: closed")
)

// Store is the backing index store.
type Store interface {
	// Bind makes ix writable. Binding twice is a no-op.
	Bind(ix *index.Index) error
	// Write merges ids into the value held for key under ix.
	Write(ix *index.Index, key []byte, ids *idset.IDSet) error
	// Read returns the merged value for key, if any.
	Read(ix *index.Index, key []byte) (*idset.IDSet, bool, error)
	Close() error
}

// InvalidIndexError reports a write or read for an index the store was
// never bound to.
type InvalidIndexError struct {
	ID index.ID
}

func (e *InvalidIndexError) Error() string {
	return fmt.Sprintf("storage: index #%d is not bound", e.ID)
}

func (e *InvalidIndexError) Unwrap() error { return ErrUnknownIndex }

// Open builds the store selected by cfg.Engine.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Engine {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLiteStore(cfg.Path, cfg.Sync)
	case "pebble":
		return OpenPebbleStore(cfg.Path, cfg.Sync)
	case "log":
		return OpenLogStore(cfg.Path, cfg.Sync)
	case "sstable":
		return OpenSSTableStore(cfg.Path, cfg.Sync)
	default:
		return nil, fmt.Errorf("storage: unknown engine %q", cfg.Engine)
	}
}

// bindings tracks which index IDs a store accepts.
type bindings struct {
	lock  sync.RWMutex
	bound map[index.ID]*index.Index
}

func newBindings() bindings {
	return bindings{bound: make(map[index.ID]*index.Index)}
}

// add reports whether ix was newly bound.
func (b *bindings) add(ix *index.Index) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.bound[ix.ID()]; ok {
		return false
	}
	b.bound[ix.ID()] = ix
	return true
}

func (b *bindings) check(ix *index.Index) error {
	if ix == nil {
		return &InvalidIndexError{}
	}
	b.lock.RLock()
	defer b.lock.RUnlock()
	if bound, ok := b.bound[ix.ID()]; !ok || bound != ix {
		return &InvalidIndexError{ID: ix.ID()}
	}
	return nil
}

// indexKey prefixes key with the big-endian index ID so each index
// occupies one contiguous key range.
func indexKey(id index.ID, key []byte) []byte {
	out := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(out, uint32(id))
	copy(out[4:], key)
	return out
}

// indexBounds returns the [lower, upper) key range of index id. upper is
// nil for the last representable ID.
func indexBounds(id index.ID) ([]byte, []byte) {
	lower := indexKey(id, nil)
	if uint32(id) == math.MaxUint32 {
		return lower, nil
	}
	return lower, indexKey(id+1, nil)
}

func encodeValue(ids *idset.IDSet) ([]byte, error) {
	raw, err := ids.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeValue(data []byte) (*idset.IDSet, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("storage: decompress value: %w", err)
	}
	ids := idset.NewEmpty()
	if err := ids.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return ids, nil
}

// mergeEncoded folds ids into the stored encoding prev (nil when absent).
func mergeEncoded(ix *index.Index, prev []byte, ids *idset.IDSet) ([]byte, error) {
	merged := ids.Clone()
	if prev != nil {
		old, err := decodeValue(prev)
		if err != nil {
			return nil, err
		}
		old.Merge(merged, ix.EntryLimit())
		merged = old
	}
	return encodeValue(merged)
}
