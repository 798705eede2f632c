// Package replay rejects duplicate signed requests inside a sliding window.
//
// The guard is in-memory and per-process. Running multiple relay instances
// behind one endpoint would need a shared TTL store instead; that is a
// deliberate scope limit, not an oversight.
package replay

import (
	"sync"
	"time"
)

// DefaultWindow matches the dispatcher's timestamp freshness window. A
// signature older than the window can no longer pass the freshness check, so
// entries past it are safe to forget.
const DefaultWindow = 300 * time.Second

// Guard tracks recently accepted signatures. Memory is bounded by
// request rate x window: expired entries are swept on every call.
type Guard struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewGuard creates a Guard with the given window. A non-positive window
// falls back to DefaultWindow.
func NewGuard(window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Admit records sig and returns true iff sig has not been seen within the
// window. Check-and-insert is a single critical section: two concurrent
// requests bearing the same signature cannot both be admitted.
func (g *Guard) Admit(sig string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked(now)

	if _, dup := g.seen[sig]; dup {
		return false
	}
	g.seen[sig] = now
	return true
}

// Len returns the number of tracked signatures. Intended for tests and
// operator diagnostics.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *Guard) sweepLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	for sig, acceptedAt := range g.seen {
		if acceptedAt.Before(cutoff) {
			delete(g.seen, sig)
		}
	}
}
