package billing

import (
	"context"
	"sync"
)

// companyLocks serializes ledger-mutating work per company inside one
// process. Cross-process serialization is the store's job (LockCompany).
type companyLocks struct {
	mu    sync.Mutex
	locks map[CompanyID]*companyLock
}

// companyLock is a one-slot semaphore so waiters can give up on ctx.
type companyLock struct {
	sem  chan struct{}
	refs int
}

func newCompanyLocks() *companyLocks {
	return &companyLocks{locks: make(map[CompanyID]*companyLock)}
}

// lock waits until the company's critical section is free or ctx is done.
// On success it returns the function that releases the section. Entries
// are dropped once no holder or waiter remains.
func (l *companyLocks) lock(ctx context.Context, id CompanyID) (func(), error) {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &companyLock{sem: make(chan struct{}, 1)}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.sem <- struct{}{}:
		return func() {
			<-cl.sem
			l.release(id, cl)
		}, nil
	case <-ctx.Done():
		l.release(id, cl)
		return nil, ctx.Err()
	}
}

func (l *companyLocks) release(id CompanyID, cl *companyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, id)
	}
}

// held reports how many companies currently have waiters or holders.
func (l *companyLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
