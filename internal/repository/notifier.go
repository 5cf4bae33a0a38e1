package repository

import (
	"context"
	"sync"

	"ledgersync/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier carries the "pending work may exist" signal from writers to the engine loop.
// Signals coalesce: a subscriber that has not drained its channel sees one value for many notifications.
type Notifier interface {
	Notify(ctx context.Context)
	Subscribe(ctx context.Context) <-chan struct{}
}

// LocalNotifier fans signals out to subscribers in the same process.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[chan struct{}]struct{})}
}

func (n *LocalNotifier) Notify(_ context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		signal(ch)
	}
}

func (n *LocalNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, ch)
		close(ch)
		n.mu.Unlock()
	}()
	return ch
}

// RedisNotifier publishes signals on a redis channel so engines in other processes sharing
// the same store wake up too.
type RedisNotifier struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisNotifier(rdb redis.UniversalClient, channel string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context) {
	if err := n.rdb.Publish(ctx, n.channel, "1").Err(); err != nil {
		// the poll ticker still picks the work up
		logger.Warn("failed to publish pending-work signal", zap.String("channel", n.channel), zap.Error(err))
	}
}

func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := n.rdb.Subscribe(ctx, n.channel)

	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				signal(out)
			}
		}
	}()
	return out
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
