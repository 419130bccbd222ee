package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisBroker implements Broker on top of Redis pub/sub. It can share the
// client used by the meeting state store.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a Redis-backed broker.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Type() string { return "redis" }

// Publish sends the event to a single channel. There is no retry: a failed
// publish after a state write is an accepted best-effort miss.
func (b *RedisBroker) Publish(ctx context.Context, channel string, event Event) error {
	if err := b.client.Publish(ctx, channel, event).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a dedicated subscription to exact channels. The returned
// subscription owns its underlying pub/sub connection.
func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channels...)
	return newRedisSubscription(ctx, ps)
}

// PSubscribe opens a pattern subscription, used by the bridge to observe
// every meeting's channels.
func (b *RedisBroker) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, patterns...)
	return newRedisSubscription(ctx, ps)
}

// Close is a no-op: the Redis client is owned by the caller and may be
// shared with the state store.
func (b *RedisBroker) Close() error { return nil }

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func newRedisSubscription(ctx context.Context, ps *redis.PubSub) (*redisSubscription, error) {
	// Force the subscribe round-trip so a dead broker surfaces here rather
	// than as a silently empty channel.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan Message, 16),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// pump converts go-redis messages into broker messages. It exits when the
// subscription is closed or the pub/sub connection is lost, closing the
// outbound channel either way. Undelivered messages are dropped on close
// rather than forced into a channel nobody reads.
func (s *redisSubscription) pump() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		select {
		case s.out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
