package workflow

import (
	"context"
	"sync"
)

// gate is a single-use suspension point resolved by an external actor.
type gate[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func newGate[T any]() *gate[T] {
	return &gate[T]{ch: make(chan T, 1)}
}

// resolve delivers v once. Later calls report false.
func (g *gate[T]) resolve(v T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.closed = true
	g.ch <- v
	return true
}

// wait blocks until the gate is resolved or ctx is done, in which case
// onCancel is returned.
func (g *gate[T]) wait(ctx context.Context, onCancel T) T {
	select {
	case v := <-g.ch:
		return v
	case <-ctx.Done():
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		return onCancel
	}
}
