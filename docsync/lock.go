package docsync

import (
	"context"
	"sync"
)

// fileLock is a per-path mutual exclusion token. Waiters queue on a buffered
// channel holding the single token; refs counts holders plus waiters so the
// table can drop idle locks.
type fileLock struct {
	token chan struct{}
	refs  int
}

// lockTable hands out fileLocks keyed by path. At most one read-modify-write
// sequence per path is in flight; later callers for the same path block until
// the holder releases.
type lockTable struct {
	mutex sync.Mutex
	locks map[string]*fileLock
}

func newLockTable() *lockTable {
	return &lockTable{
		locks: map[string]*fileLock{},
	}
}

func (self *lockTable) acquire(ctx context.Context, path string) (release func(), err error) {
	self.mutex.Lock()
	lock := self.locks[path]
	if lock == nil {
		lock = &fileLock{
			token: make(chan struct{}, 1),
		}
		lock.token <- struct{}{}
		self.locks[path] = lock
	}
	lock.refs += 1
	self.mutex.Unlock()

	unref := func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		lock.refs -= 1
		if lock.refs == 0 {
			delete(self.locks, path)
		}
	}

	select {
	case <-lock.token:
	case <-ctx.Done():
		unref()
		return nil, ctx.Err()
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		lock.token <- struct{}{}
		unref()
	}, nil
}

// with runs fn while holding the lock for path. The release runs even when
// fn returns early or panics, and runs exactly once.
func (self *lockTable) with(ctx context.Context, path string, fn func() error) error {
	release, err := self.acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
