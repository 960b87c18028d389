package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"bulkindex/pkg/idset"
	"bulkindex/pkg/index"
	"bulkindex/pkg/storage/sstable"
)

const runPattern = "run-%06d.sst"

// SSTableStore writes sorted runs. Writes append to the open run while
// their index-prefixed keys ascend, which holds within an eviction pass and
// within a drain partition. A key at or below the run's last key seals the
// run and starts a new one. Reads fold a key's values across all runs.
type SSTableStore struct {
	bindings
	dir        string
	syncWrites bool

	mu      sync.Mutex
	runs    []*sstable.SSTable
	active  *sstable.Builder
	nextRun int
	closed  bool
}

func OpenSSTableStore(dir string, syncWrites bool) (*SSTableStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &SSTableStore{
		bindings:   newBindings(),
		dir:        dir,
		syncWrites: syncWrites,
	}

	matches, err := filepath.Glob(filepath.Join(dir, "run-*.sst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	for _, path := range matches {
		var n int
		if _, err := fmt.Sscanf(filepath.Base(path), runPattern, &n); err != nil {
			continue
		}
		run, err := sstable.Open(path)
		if err != nil {
			s.closeRuns()
			return nil, fmt.Errorf("open run %s: %w", path, err)
		}
		s.runs = append(s.runs, run)
		if n >= s.nextRun {
			s.nextRun = n + 1
		}
	}
	return s, nil
}

func (s *SSTableStore) Bind(ix *index.Index) error {
	s.add(ix)
	return nil
}

func (s *SSTableStore) Write(ix *index.Index, key []byte, ids *idset.IDSet) error {
	if err := s.check(ix); err != nil {
		return err
	}
	value, err := encodeValue(ids)
	if err != nil {
		return err
	}
	k := indexKey(ix.ID(), key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.active != nil && bytes.Compare(k, s.active.Last()) <= 0 {
		if err := s.seal(); err != nil {
			return err
		}
	}
	if s.active == nil {
		b, err := sstable.NewBuilder(s.runPath(s.nextRun), s.syncWrites)
		if err != nil {
			return err
		}
		s.active = b
	}
	return s.active.Add(k, value)
}

func (s *SSTableStore) Read(ix *index.Index, key []byte) (*idset.IDSet, bool, error) {
	if err := s.check(ix); err != nil {
		return nil, false, err
	}
	k := indexKey(ix.ID(), key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if err := s.seal(); err != nil {
		return nil, false, err
	}

	var merged *idset.IDSet
	for _, run := range s.runs {
		val, ok, err := run.Get(k)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		ids, err := decodeValue(val)
		if err != nil {
			return nil, false, err
		}
		if merged == nil {
			merged = ids
		} else {
			merged.Merge(ids, ix.EntryLimit())
		}
	}
	return merged, merged != nil, nil
}

// Runs returns the number of sealed runs plus the open one.
func (s *SSTableStore) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return len(s.runs) + 1
	}
	return len(s.runs)
}

func (s *SSTableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.seal()
	s.closeRuns()
	return err
}

func (s *SSTableStore) runPath(n int) string {
	return filepath.Join(s.dir, fmt.Sprintf(runPattern, n))
}

// seal finishes the open run and makes it readable. Caller holds s.mu.
func (s *SSTableStore) seal() error {
	if s.active == nil {
		return nil
	}
	b := s.active
	s.active = nil
	path := s.runPath(s.nextRun)
	s.nextRun++
	if err := b.Close(); err != nil {
		return err
	}
	run, err := sstable.Open(path)
	if err != nil {
		return err
	}
	s.runs = append(s.runs, run)
	return nil
}

func (s *SSTableStore) closeRuns() {
	for _, run := range s.runs {
		run.Close()
	}
	s.runs = nil
}
