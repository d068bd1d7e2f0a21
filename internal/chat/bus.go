package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Backbone carries room broadcasts between workers.
type Backbone interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe feeds every published envelope to deliver until ctx is done.
	// ready, if set, is called on the subscribing goroutine once the
	// subscription is live. A non-nil error means it could not be
	// established or was lost.
	Subscribe(ctx context.Context, deliver func(Envelope), ready func()) error
}

// RedisBus fans envelopes out over a single Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

func NewRedisBus(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, channel: channel, log: logger}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, deliver func(Envelope), ready func()) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns control is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %q: %w", b.channel, err)
	}
	if ready != nil {
		ready()
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription %q closed", b.channel)
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("dropping malformed envelope", "channel", msg.Channel, "error", err)
				continue
			}
			deliver(env)
		}
	}
}

// MemoryBus is the backbone for workers sharing one process.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Envelope)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]func(Envelope))}
}

func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	subs := make([]func(Envelope), 0, len(b.subs))
	for _, deliver := range b.subs {
		subs = append(subs, deliver)
	}
	b.mu.RUnlock()

	for _, deliver := range subs {
		deliver(env)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, deliver func(Envelope), ready func()) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = deliver
	b.mu.Unlock()
	if ready != nil {
		ready()
	}

	<-ctx.Done()

	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	return nil
}

// Subscribers reports how many subscriptions are live.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

var (
	_ Backbone = (*RedisBus)(nil)
	_ Backbone = (*MemoryBus)(nil)
)
