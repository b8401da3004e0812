package ledger

import "sync"

// accountLocks hands out one mutex per account. Entries are reference
// counted and dropped once no goroutine holds or waits on them, so the map
// only grows with concurrently active accounts.
type accountLocks struct {
	mu    sync.Mutex
	locks map[Account]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[Account]*refMutex)}
}

func (al *accountLocks) lock(account Account) func() {
	al.mu.Lock()
	m, ok := al.locks[account]
	if !ok {
		m = &refMutex{}
		al.locks[account] = m
	}
	m.refs++
	al.mu.Unlock()

	m.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.Unlock()

			al.mu.Lock()
			m.refs--
			if m.refs == 0 {
				delete(al.locks, account)
			}
			al.mu.Unlock()
		})
	}
}
