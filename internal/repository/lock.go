package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"ledgersync/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// Locker serializes jobs that must run on one instance at a time.
// TryLock reports ok=false, with a nil error, when another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context, name string) (unlock func(), ok bool, err error)
}

// EtcdLocker takes an etcd mutex tied to a leased session.
type EtcdLocker struct {
	client *clientv3.Client
	ttl    int
	wait   time.Duration
}

func NewEtcdLocker(client *clientv3.Client, ttlSeconds int, wait time.Duration) *EtcdLocker {
	if ttlSeconds <= 0 {
		ttlSeconds = 10
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &EtcdLocker{client: client, ttl: ttlSeconds, wait: wait}
}

func (l *EtcdLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, false, err
	}
	mutex := concurrency.NewMutex(session, "/locks/"+name)

	lockCtx, cancel := context.WithTimeout(ctx, l.wait)
	err = mutex.Lock(lockCtx)
	cancel()
	if err != nil {
		session.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, nil
		}
		return nil, false, err
	}

	unlock := func() {
		if err := mutex.Unlock(context.Background()); err != nil {
			logger.Warn("failed to release lock", zap.String("name", name), zap.Error(err))
		}
		session.Close()
	}
	return unlock, true, nil
}

// LocalLocker is used when no etcd cluster is configured.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalLocker) TryLock(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, false, nil
	}
	return m.Unlock, true, nil
}
