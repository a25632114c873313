// Package broadcast delivers accepted deltas to every participant of a
// document across all server instances.
//
// Each document has a logical channel on a shared pub/sub bus. Every
// instance subscribes to the channels of its locally-joined documents; a
// demux goroutine per channel drains the subscription and hands messages to
// local sessions, excluding the originator. The bus guarantees at-least-once
// delivery with per-channel FIFO; receivers discard deltas at or below their
// local version.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrBusClosed is returned when publishing on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// Subscription is a live per-channel message stream.
type Subscription interface {
	// Messages returns the channel payload stream. It closes when the
	// subscription is cancelled.
	Messages() <-chan []byte

	// Close cancels the subscription.
	Close() error
}

// Bus is the opaque cross-instance pub/sub transport.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// RedisBus implements Bus on Redis pub/sub. Redis preserves per-channel
// publish order, which the engine relies on for causal delivery.
type RedisBus struct {
	client *redis.Client
	prefix string
	closed chan struct{}
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a bus on an existing client. The client is owned by
// the caller.
func NewRedisBus(client *redis.Client, prefix string) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "collabedit:ch:"
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		closed: make(chan struct{}),
	}, nil
}

// Publish sends a payload to every subscriber of the channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	select {
	case <-b.closed:
		return ErrBusClosed
	default:
	}
	if err := b.client.Publish(ctx, b.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a stream on the channel.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	select {
	case <-b.closed:
		return nil, ErrBusClosed
	default:
	}

	pubsub := b.client.Subscribe(ctx, b.prefix+channel)
	// Force the subscription onto the wire before returning so no publish
	// between Subscribe and the first Receive is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []byte, 64),
	}
	go sub.pump()
	return sub, nil
}

// Close stops the bus. Open subscriptions are closed by their owners.
func (b *RedisBus) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
