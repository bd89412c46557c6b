package ledger

import (
	"context"
	"sync"
)

// accountLocks serializes work per account id. Entries are dropped once no
// goroutine holds or waits on them.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	ch   chan struct{}
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*accountLock)}
}

// lock blocks until the account is free or ctx is done.
func (a *accountLocks) lock(ctx context.Context, id string) (func(), error) {
	a.mu.Lock()
	l, ok := a.locks[id]
	if !ok {
		l = &accountLock{ch: make(chan struct{}, 1)}
		a.locks[id] = l
	}
	l.refs++
	a.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			a.release(id, l)
		}, nil
	case <-ctx.Done():
		a.release(id, l)
		return nil, ctx.Err()
	}
}

func (a *accountLocks) release(id string, l *accountLock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, id)
	}
}
