package relay

import "sync"

// arrivals wakes bounded-wait retrievers when a response lands for their identity.
// An entry lives while it has watchers or until notify fires.
type arrivals struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	ch   chan struct{}
	refs int
}

func newArrivals() *arrivals {
	return &arrivals{waiters: make(map[string]*waiter)}
}

// watch returns a channel closed by the next notify for identity, and a release
// func the caller must invoke once it stops waiting on that channel.
func (a *arrivals) watch(identity string) (<-chan struct{}, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.waiters[identity]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		a.waiters[identity] = w
	}
	w.refs++

	var once sync.Once
	return w.ch, func() {
		once.Do(func() { a.release(identity, w) })
	}
}

func (a *arrivals) release(identity string, w *waiter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w.refs--
	// notify may already have replaced or dropped the entry
	if cur, ok := a.waiters[identity]; ok && cur == w && w.refs <= 0 {
		delete(a.waiters, identity)
	}
}

func (a *arrivals) notify(identity string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.waiters[identity]; ok {
		close(w.ch)
		delete(a.waiters, identity)
	}
}

func (a *arrivals) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}
