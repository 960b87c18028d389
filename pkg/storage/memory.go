package storage

import (
	"sort"
	"sync"

	"bulkindex/pkg/idset"
	"bulkindex/pkg/index"
)

// MemoryStore keeps everything in maps. It backs dry runs and tests, and
// counts writes per key so callers can check write-once behaviour.
type MemoryStore struct {
	bindings
	mu     sync.Mutex
	data   map[index.ID]map[string]*idset.IDSet
	writes map[index.ID]map[string]int
	total  int
	closed bool

	// FailWrite, when set, is consulted before every write; a non-nil
	// result is returned instead of storing.
	FailWrite func(ix *index.Index, key []byte) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bindings: newBindings(),
		data:     make(map[index.ID]map[string]*idset.IDSet),
		writes:   make(map[index.ID]map[string]int),
	}
}

// Bind creates the index maps before publishing the binding, so a Write
// that passes the binding check always finds them.
func (s *MemoryStore) Bind(ix *index.Index) error {
	s.mu.Lock()
	if _, ok := s.data[ix.ID()]; !ok {
		s.data[ix.ID()] = make(map[string]*idset.IDSet)
		s.writes[ix.ID()] = make(map[string]int)
	}
	s.mu.Unlock()
	s.add(ix)
	return nil
}

func (s *MemoryStore) Write(ix *index.Index, key []byte, ids *idset.IDSet) error {
	if err := s.check(ix); err != nil {
		return err
	}
	if s.FailWrite != nil {
		if err := s.FailWrite(ix, key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	k := string(key)
	if cur, ok := s.data[ix.ID()][k]; ok {
		cur.Merge(ids, ix.EntryLimit())
	} else {
		s.data[ix.ID()][k] = ids.Clone()
	}
	s.writes[ix.ID()][k]++
	s.total++
	return nil
}

func (s *MemoryStore) Read(ix *index.Index, key []byte) (*idset.IDSet, bool, error) {
	if err := s.check(ix); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[ix.ID()][string(key)]
	if !ok {
		return nil, false, nil
	}
	return cur.Clone(), true, nil
}

// WriteCount returns how many times key was written for ix.
func (s *MemoryStore) WriteCount(ix *index.Index, key []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[ix.ID()][string(key)]
}

// TotalWrites returns the number of successful writes across all indexes.
func (s *MemoryStore) TotalWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Keys returns the stored keys of ix in byte order.
func (s *MemoryStore) Keys(ix *index.Index) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data[ix.ID()]))
	for k := range s.data[ix.ID()] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
