package core

import (
	"errors"
	"fmt"

	"bulkindex/pkg/index"
)

var (
	// ErrInvalidIndex is returned when Insert is given no index.
	ErrInvalidIndex = errors.New("buffer: nil index")
	// ErrFlushNotPrepared is returned by FlushAll before PrepareFlush.
	ErrFlushNotPrepared = errors.New("buffer: flush not prepared")
	// ErrFlushPrepared is returned by Insert once PrepareFlush has run.
	ErrFlushPrepared = errors.New("buffer: insert after flush prepared")
)

// StoreWriteError wraps a failed backing store write. The store's error is
// available via errors.Unwrap, errors.Is and errors.As.
type StoreWriteError struct {
	Phase string // monitor.PhaseEvict or monitor.PhaseDrain
	Index *index.Index
	Key   []byte
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("buffer: %s write of %q to %s: %v", e.Phase, e.Key, e.Index, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
