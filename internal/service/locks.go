package service

import (
	"slices"
	"sync"
)

// keyedLocker serializes work per StockItem key. Keys are taken in sorted
// order so two sales touching the same SKUs cannot deadlock.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[string]*refLock)}
}

func (l *keyedLocker) Lock(keys ...string) func() {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*refLock, 0, len(sorted))
	for _, key := range sorted {
		l.mu.Lock()
		lock, ok := l.locks[key]
		if !ok {
			lock = &refLock{}
			l.locks[key] = lock
		}
		lock.refs++
		l.mu.Unlock()

		lock.mu.Lock()
		held = append(held, lock)
	}

	return func() {
		for idx := len(held) - 1; idx >= 0; idx-- {
			held[idx].mu.Unlock()
		}
		l.mu.Lock()
		for idx, key := range sorted {
			lock := held[idx]
			lock.refs--
			if lock.refs == 0 {
				delete(l.locks, key)
			}
		}
		l.mu.Unlock()
	}
}
