package core

import (
	"context"
	"sync"
)

// Barrier is a one-shot rendezvous: nobody passes Wait until parties
// callers have arrived.
type Barrier struct {
	mu       sync.Mutex
	parties  int
	arrived  int
	released bool
	release  chan struct{}
}

func NewBarrier(parties int) *Barrier {
	if parties < 1 {
		parties = 1
	}
	return &Barrier{
		parties: parties,
		release: make(chan struct{}),
	}
}

// Wait blocks until every party has arrived or ctx is done. The arrival
// that completes the count releases all waiters; arrivals after release
// return at once. A cancelled waiter still counts as arrived.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived >= b.parties {
		if !b.released {
			b.released = true
			close(b.release)
		}
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arrived returns how many parties have called Wait.
func (b *Barrier) Arrived() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}

func (b *Barrier) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}
