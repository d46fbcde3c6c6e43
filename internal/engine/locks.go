package engine

import "sync"

// positionLocks serializes state-mutating work per position id. Reads may
// proceed without the lock; any decision that will mutate re-reads under it.
type positionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPositionLocks() *positionLocks {
	return &positionLocks{locks: make(map[string]*sync.Mutex)}
}

// forPosition returns the mutex guarding one position, creating it on first
// use. Locks are never removed; the set of positions is small and stable.
func (p *positionLocks) forPosition(id string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}
