package storage

import (
	"errors"
	"fmt"
	"sync"

	"bulkindex/pkg/idset"
	"bulkindex/pkg/index"

	"github.com/cockroachdb/pebble"
)

// PebbleStore prefixes every key with its big-endian index ID so each index
// occupies one contiguous key range.
type PebbleStore struct {
	bindings
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	// serializes read-merge-write cycles on the same key
	mu sync.Mutex
}

func OpenPebbleStore(dir string, syncWrites bool) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	opts := pebble.NoSync
	if syncWrites {
		opts = pebble.Sync
	}
	return &PebbleStore{bindings: newBindings(), db: db, writeOpts: opts}, nil
}

func (s *PebbleStore) Bind(ix *index.Index) error {
	s.add(ix)
	return nil
}

func (s *PebbleStore) get(k []byte) ([]byte, error) {
	val, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *PebbleStore) Write(ix *index.Index, key []byte, ids *idset.IDSet) error {
	if err := s.check(ix); err != nil {
		return err
	}
	k := indexKey(ix.ID(), key)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.get(k)
	if err != nil {
		return err
	}
	val, err := mergeEncoded(ix, prev, ids)
	if err != nil {
		return err
	}
	return s.db.Set(k, val, s.writeOpts)
}

func (s *PebbleStore) Read(ix *index.Index, key []byte) (*idset.IDSet, bool, error) {
	if err := s.check(ix); err != nil {
		return nil, false, err
	}
	val, err := s.get(indexKey(ix.ID(), key))
	if err != nil || val == nil {
		return nil, false, err
	}
	ids, err := decodeValue(val)
	if err != nil {
		return nil, false, err
	}
	return ids, true, nil
}

// Scan visits the keys of ix in order.
func (s *PebbleStore) Scan(ix *index.Index, fn func(key []byte, ids *idset.IDSet) bool) error {
	lower, upper := indexBounds(ix.ID())
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		ids, err := decodeValue(it.Value())
		if err != nil {
			return err
		}
		if !fn(append([]byte(nil), it.Key()[4:]...), ids) {
			break
		}
	}
	return it.Error()
}

func (s *PebbleStore) Close() error {
	if err := s.db.Flush(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
