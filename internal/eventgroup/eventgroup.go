// Package eventgroup provides a thread-safe set of flag bits that event
// producers set and a task can block on without polling.
package eventgroup

import (
	"context"
	"sync"
)

// Bits is a set of flags
type Bits uint32

// Group holds the current bits. The zero value is ready to use.
type Group struct {
	mu      sync.Mutex
	bits    Bits
	changed chan struct{}
}

// New returns an empty group
func New() *Group {
	return &Group{}
}

// Set ORs bits into the group and wakes every waiter.
func (g *Group) Set(bits Bits) Bits {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.bits |= bits
	if g.changed != nil {
		close(g.changed)
		g.changed = nil
	}
	return g.bits
}

// Clear removes bits from the group
func (g *Group) Clear(bits Bits) Bits {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.bits &^= bits
	return g.bits
}

// Get returns the current bits
func (g *Group) Get() Bits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bits
}

// Wait blocks until any bit in mask is set (or all of them when all is true)
// and returns the bits seen at that moment. It returns ctx.Err() if ctx ends
// first; the bits are never consumed by a wait.
func (g *Group) Wait(ctx context.Context, mask Bits, all bool) (Bits, error) {
	for {
		g.mu.Lock()
		current := g.bits
		if satisfied(current, mask, all) {
			g.mu.Unlock()
			return current, nil
		}
		if g.changed == nil {
			g.changed = make(chan struct{})
		}
		changed := g.changed
		g.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return g.Get(), ctx.Err()
		}
	}
}

func satisfied(current, mask Bits, all bool) bool {
	if all {
		return current&mask == mask
	}
	return current&mask != 0
}
