// Package runswitch models the fixture's physical run/stop switch as a
// cooperative preemption primitive: fixture motion polls or waits on a
// Guard instead
// of touching gpio directly, so the same Guard can be driven by real
// hardware in production and by a test goroutine in unit tests.
package runswitch

import "sync"

// Guard reports whether the rig is currently permitted to run. It starts
// allowed, matching the run-switch's idle (not pressed) state: the guard
// only flips to blocked once the interrupt callback observes the switch
// actually open.
//
// The broadcast channel is swapped out on every transition rather than
// using sync.Cond, so callers can select on it alongside a quit channel
// instead of blocking uninterruptibly.
type Guard struct {
	mu      sync.Mutex
	allowed bool
	waiters chan struct{}
}

// New returns a Guard that starts allowed.
func New() *Guard {
	return &Guard{allowed: true, waiters: make(chan struct{})}
}

// Allow permits the rig to run. Safe to call from the edge-interrupt
// callback registered via gpio.RegisterEdgeInterrupt.
func (g *Guard) Allow() { g.set(true) }

// Block halts the rig. Safe to call from the edge-interrupt callback.
func (g *Guard) Block() { g.set(false) }

func (g *Guard) set(allowed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.allowed == allowed {
		return
	}
	g.allowed = allowed
	close(g.waiters)
	g.waiters = make(chan struct{})
}

// Allowed reports the current state without blocking.
func (g *Guard) Allowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowed
}

// WaitAllowed blocks until the guard is allowed, quit is closed, or it is
// already allowed. It returns false if quit fired first.
func (g *Guard) WaitAllowed(quit <-chan struct{}) bool {
	for {
		g.mu.Lock()
		if g.allowed {
			g.mu.Unlock()
			return true
		}
		ch := g.waiters
		g.mu.Unlock()

		select {
		case <-ch:
			// state changed; loop and re-check
		case <-quit:
			return false
		}
	}
}
