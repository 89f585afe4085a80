package dispatch

import "sync"

// EntityLocks is an all-or-nothing lock over sets of entity ids. A push holds
// the ids it sends and a pull holds the ids it merges, so the two never
// interleave on one entity.
type EntityLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewEntityLocks() *EntityLocks {
	return &EntityLocks{held: make(map[string]struct{})}
}

// TryLock claims every id or none of them.
func (l *EntityLocks) TryLock(ids []string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if _, ok := l.held[id]; ok {
			return false
		}
	}
	for _, id := range ids {
		l.held[id] = struct{}{}
	}
	return true
}

func (l *EntityLocks) Unlock(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.held, id)
	}
}

// Partition claims the free ids among ids and returns them, along with the
// ids that are held elsewhere.
func (l *EntityLocks) Partition(ids []string) (claimed, busy []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if _, ok := l.held[id]; ok {
			busy = append(busy, id)
			continue
		}
		l.held[id] = struct{}{}
		claimed = append(claimed, id)
	}
	return claimed, busy
}

func (l *EntityLocks) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}
