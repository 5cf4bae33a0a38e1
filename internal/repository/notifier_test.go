package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalNotifier_CoalescesAndFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := NewLocalNotifier()

	a := n.Subscribe(ctx)
	b := n.Subscribe(ctx)

	n.Notify(ctx)
	n.Notify(ctx)
	n.Notify(ctx)

	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the signal")
		}
		select {
		case <-ch:
			t.Fatal("signals should coalesce")
		default:
		}
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, open := <-a:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// notifying after every subscriber left must not panic
	n.Notify(context.Background())
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "rescue")
	assert.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = l.TryLock(ctx, "rescue")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = l.TryLock(ctx, "other")
	assert.True(t, ok)

	unlock()
	_, ok, _ = l.TryLock(ctx, "rescue")
	assert.True(t, ok)
}
