package scheduler

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// lockTable hands out one mutex per key, created on demand.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newLockTable() *lockTable {
	return &lockTable{entries: map[string]*lockEntry{}}
}

// acquire blocks until the key's lock is held and returns its release func.
func (t *lockTable) acquire(key string) func() {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		t.mu.Unlock()
	}
}

func (t *lockTable) idleKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []string
	for k, e := range t.entries {
		if e.refs == 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

// drop removes the key when nobody holds or waits on it.
func (t *lockTable) drop(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || e.refs > 0 {
		return false
	}
	delete(t.entries, key)
	return true
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
