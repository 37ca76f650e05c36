package engine

import (
	"sync"

	"github.com/google/uuid"
)

// keyedMutex serializes work per id. Entries are dropped once the last
// holder releases, so the map does not grow with every id ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*keyedLock)}
}

// lock blocks until the id is free and returns the release func.
func (k *keyedMutex) lock(id uuid.UUID) func() {
	k.mu.Lock()
	l, exists := k.locks[id]
	if !exists {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
