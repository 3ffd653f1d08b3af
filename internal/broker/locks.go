package broker

import (
	"context"
	"sync"
)

// accountLocks hands out one mutual-exclusion scope per account. Waiting is
// context-aware so a hung holder cannot block callers past their deadline.
// Entries are reference counted and dropped when the last holder or waiter
// leaves.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*lockEntry)}
}

// acquire blocks until the account's lock is held or ctx is done. The
// returned release func must be called exactly once.
func (l *accountLocks) acquire(ctx context.Context, accountID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[accountID]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.locks[accountID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			l.drop(accountID, e)
		}, nil
	case <-ctx.Done():
		l.drop(accountID, e)
		return nil, ctx.Err()
	}
}

func (l *accountLocks) drop(accountID string, e *lockEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, accountID)
	}
	l.mu.Unlock()
}

// size returns the number of live entries.
func (l *accountLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
