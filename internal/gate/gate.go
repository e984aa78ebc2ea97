// Package gate implements connection admission control: a bounded counter
// that accepted connections must acquire before being handled and release
// on completion.
package gate

import "sync/atomic"

// Gate caps the number of concurrently admitted connections.
type Gate struct {
	max     int64
	current atomic.Int64
}

// New returns a Gate that admits at most max concurrent connections. A
// non-positive max means unlimited.
func New(max int) *Gate {
	return &Gate{max: int64(max)}
}

// Admit attempts to reserve a slot. It reports whether the slot was granted;
// callers must call Release exactly once for every Admit that returns true.
func (g *Gate) Admit() bool {
	if g.max <= 0 {
		g.current.Add(1)
		return true
	}
	for {
		cur := g.current.Load()
		if cur >= g.max {
			return false
		}
		if g.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release frees a previously admitted slot.
func (g *Gate) Release() {
	g.current.Add(-1)
}

// Current reports the number of currently admitted connections.
func (g *Gate) Current() int64 {
	return g.current.Load()
}

// Max reports the configured ceiling, or 0 for unlimited.
func (g *Gate) Max() int64 {
	return g.max
}
