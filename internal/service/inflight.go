package service

import "sync"

// inflightGroup serializes operations sharing a key within this process.
// Concurrent duplicate gateway notifications for one order run one at a
// time; the second re-reads state after the first commits and no-ops.
type inflightGroup struct {
	mu     sync.Mutex
	active map[string]chan struct{}
}

func newInflightGroup() *inflightGroup {
	return &inflightGroup{active: make(map[string]chan struct{})}
}

// lock blocks until the key is free, claims it, and returns the release
// function. Release drops the key and wakes all waiters.
func (g *inflightGroup) lock(key string) func() {
	for {
		g.mu.Lock()
		ch, held := g.active[key]
		if !held {
			done := make(chan struct{})
			g.active[key] = done
			g.mu.Unlock()
			return func() {
				g.mu.Lock()
				delete(g.active, key)
				g.mu.Unlock()
				close(done)
			}
		}
		g.mu.Unlock()
		<-ch
	}
}
