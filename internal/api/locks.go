package api

import "sync"

// tabLocks tracks which tabs have a request in flight. Claiming and releasing
// happen under one mutex, so a released key cannot be held twice.
type tabLocks struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

// tryLock claims key. The returned release func is safe to call more than once.
func (l *tabLocks) tryLock(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy == nil {
		l.busy = make(map[string]struct{})
	}
	if _, held := l.busy[key]; held {
		return nil, false
	}
	l.busy[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.busy, key)
			l.mu.Unlock()
		})
	}, true
}

// held returns the number of claimed keys.
func (l *tabLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.busy)
}
