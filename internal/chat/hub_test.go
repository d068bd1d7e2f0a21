package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer records every frame it is handed.
type fakePeer struct {
	mu     sync.Mutex
	frames []Event
	closed bool
	full   bool
}

func (p *fakePeer) Send(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.full {
		return false
	}
	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return false
	}
	p.frames = append(p.frames, Event{Type: raw.Type, Data: raw.Data})
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// events returns frames of the given type.
func (p *fakePeer) events(eventType string) []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []json.RawMessage
	for _, f := range p.frames {
		if f.Type == eventType {
			out = append(out, f.Data.(json.RawMessage))
		}
	}
	return out
}

func (p *fakePeer) count(eventType string) int {
	return len(p.events(eventType))
}

type failingBus struct{}

func (failingBus) Publish(context.Context, Envelope) error { return errors.New("connection refused") }
func (failingBus) Subscribe(ctx context.Context, _ func(Envelope), ready func()) error {
	ready()
	<-ctx.Done()
	return nil
}

func startHub(t *testing.T, ctx context.Context, nodeID string, bus Backbone) (*Hub, *Registry) {
	t.Helper()
	registry := NewRegistry("default")
	hub := NewHub(nodeID, registry, bus, discardLogger())
	go hub.Run(ctx)
	go func() { _ = hub.SubscribeToBus(ctx) }()
	return hub, registry
}

func TestHub_EmitToRoomLocalOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub, registry := startHub(t, ctx, "n1", nil)

	alice, bob, carol := &fakePeer{}, &fakePeer{}, &fakePeer{}
	hub.Register("a", alice)
	hub.Register("b", bob)
	hub.Register("c", carol)
	registry.Join("a", "alice", "general")
	registry.Join("b", "bob", "general")
	registry.Join("c", "carol", "random")

	require.NoError(t, hub.EmitToRoom(ctx, "general", Event{Type: EventUserJoined, Data: PresenceNotice{Username: "alice", Room: "general"}}))

	assert.Equal(t, 1, alice.count(EventUserJoined))
	assert.Equal(t, 1, bob.count(EventUserJoined))
	assert.Equal(t, 0, carol.count(EventUserJoined))
	assert.False(t, hub.Health().Enabled)
}

func TestHub_CrossWorkerFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus()
	hub1, reg1 := startHub(t, ctx, "n1", bus)
	hub2, reg2 := startHub(t, ctx, "n2", bus)
	require.Eventually(t, func() bool { return bus.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	alice, bob, dave := &fakePeer{}, &fakePeer{}, &fakePeer{}
	hub1.Register("a", alice)
	reg1.Join("a", "alice", "general")
	hub2.Register("b", bob)
	reg2.Join("b", "bob", "general")
	hub2.Register("d", dave)
	reg2.Join("d", "dave", "random")

	require.NoError(t, hub1.EmitToRoom(ctx, "general", Event{Type: EventChatMessage, Data: Message{ID: 1, Room: "general", Username: "alice", Content: "hi"}}))

	assert.Equal(t, 1, alice.count(EventChatMessage))
	require.Eventually(t, func() bool { return bob.count(EventChatMessage) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, dave.count(EventChatMessage))

	// The origin never re-delivers its own envelope.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, alice.count(EventChatMessage))
}

func TestHub_EmitToConnectionRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus()
	hub1, _ := startHub(t, ctx, "n1", bus)
	hub2, _ := startHub(t, ctx, "n2", bus)
	require.Eventually(t, func() bool { return bus.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	local, remote := &fakePeer{}, &fakePeer{}
	hub1.Register("local", local)
	hub2.Register("remote", remote)

	require.NoError(t, hub1.EmitToConnection(ctx, "local", Event{Type: EventAck}))
	require.NoError(t, hub1.EmitToConnection(ctx, "remote", Event{Type: EventAck}))

	assert.Equal(t, 1, local.count(EventAck))
	require.Eventually(t, func() bool { return remote.count(EventAck) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_BackboneDownDegradesToLocal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub, registry := startHub(t, ctx, "n1", failingBus{})

	alice := &fakePeer{}
	hub.Register("a", alice)
	registry.Join("a", "alice", "general")

	require.NoError(t, hub.EmitToRoom(ctx, "general", Event{Type: EventUserJoined}))
	assert.Equal(t, 1, alice.count(EventUserJoined))

	status := hub.Health()
	assert.True(t, status.Enabled)
	assert.False(t, status.Healthy)
	assert.Equal(t, int64(1), status.PublishFailures)
	assert.Contains(t, status.LastError, "connection refused")
}

func TestHub_SlowPeerDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub, registry := startHub(t, ctx, "n1", nil)

	slow, fast := &fakePeer{full: true}, &fakePeer{}
	hub.Register("s", slow)
	hub.Register("f", fast)
	registry.Join("s", "slow", "general")
	registry.Join("f", "fast", "general")

	require.NoError(t, hub.EmitToRoom(ctx, "general", Event{Type: EventChatMessage}))

	assert.True(t, slow.isClosed())
	assert.Equal(t, 1, fast.count(EventChatMessage))
	assert.Equal(t, 1, hub.PeerCount())
}

func TestHub_DeliveryToVanishedConnectionIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub, registry := startHub(t, ctx, "n1", nil)

	registry.Join("gone", "ghost", "general")
	require.NoError(t, hub.EmitToRoom(ctx, "general", Event{Type: EventChatMessage}))
	require.NoError(t, hub.EmitToConnection(ctx, "gone", Event{Type: EventAck}))
}

func TestHub_RunClosesPeersOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry("default")
	hub := NewHub("n1", registry, nil, discardLogger())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	peer := &fakePeer{}
	hub.Register("a", peer)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, peer.isClosed())
	assert.Equal(t, 0, hub.PeerCount())
}

func TestHub_ResubscribesAfterRedisOutage(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewRedisBus(client, "test:rooms", discardLogger())
	registry := NewRegistry("default")
	hub := NewHub("n1", registry, bus, discardLogger())
	hub.retryInitial, hub.retryMax = 10*time.Millisecond, 50*time.Millisecond
	go hub.Run(ctx)

	done := make(chan error, 1)
	go func() { done <- hub.SubscribeToBus(ctx) }()

	require.Eventually(t, func() bool { return hub.Health().LastError != "" }, 2*time.Second, 5*time.Millisecond)
	status := hub.Health()
	assert.False(t, status.Subscribed)
	assert.False(t, status.Healthy)
	select {
	case err := <-done:
		t.Fatalf("SubscribeToBus gave up while Redis was down: %v", err)
	default:
	}

	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool { return hub.Health().Subscribed }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, hub.Health().Healthy)

	alice := &fakePeer{}
	hub.Register("a", alice)
	registry.Join("a", "alice", "general")
	frame, err := Event{Type: EventUserJoined}.Encode()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, Envelope{Origin: "n2", Room: "general", Frame: frame})
		return alice.count(EventUserJoined) > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SubscribeToBus did not return after cancel")
	}
	assert.False(t, hub.Health().Subscribed)
}
