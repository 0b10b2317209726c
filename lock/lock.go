package lock

import (
	"context"
	"sync"
)

// Locker serializes critical sections sharing the same key. Unlock must be called exactly once
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is a Locker for a single process
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

var _ Locker = &LocalLocker{}

// NewLocalLocker returns an in-process Locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		locks: make(map[string]*keyedLock),
	}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[key]
	if !ok {
		k = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[key] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, k, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.release(key, k, true)
		})
	}, nil
}

func (l *LocalLocker) release(key string, k *keyedLock, held bool) {
	if held {
		<-k.ch
	}
	l.mu.Lock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
