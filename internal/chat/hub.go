package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Peer is the transport end of one local connection.
type Peer interface {
	// Send queues frame without blocking; false means the peer cannot keep up.
	Send(frame []byte) bool
	Close()
}

type BackboneStatus struct {
	Enabled         bool   `json:"enabled"`
	Healthy         bool   `json:"healthy"`
	Subscribed      bool   `json:"subscribed"`
	PublishFailures int64  `json:"publish_failures"`
	LastError       string `json:"last_error,omitempty"`
}

// Hub delivers events to local peers and relays them over the backbone to
// the other workers. Each worker only ever delivers to its own peers.
type Hub struct {
	nodeID   string
	registry *Registry
	bus      Backbone
	log      *slog.Logger

	mu    sync.RWMutex
	peers map[string]Peer // connID -> peer

	broadcast chan Envelope // From backbone -> local peers

	healthy         atomic.Bool // last publish succeeded
	subscribed      atomic.Bool
	publishFailures atomic.Int64
	lastError       atomic.Value // string

	// Resubscribe delays; a fresh backoff.BackOff is built per outage.
	retryInitial time.Duration
	retryMax     time.Duration
}

func NewHub(nodeID string, registry *Registry, bus Backbone, logger *slog.Logger) *Hub {
	h := &Hub{
		nodeID:    nodeID,
		registry:  registry,
		bus:       bus,
		log:       logger.With("node", nodeID),
		peers:     make(map[string]Peer),
		broadcast: make(chan Envelope, 256),

		retryInitial: 250 * time.Millisecond,
		retryMax:     15 * time.Second,
	}
	h.healthy.Store(true)
	return h
}

func (h *Hub) NodeID() string { return h.nodeID }

func (h *Hub) Register(connID string, peer Peer) {
	h.mu.Lock()
	h.peers[connID] = peer
	h.mu.Unlock()
}

// Unregister drops the peer and closes it. Unknown ids are ignored.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	peer, ok := h.peers[connID]
	delete(h.peers, connID)
	h.mu.Unlock()
	if ok {
		peer.Close()
	}
}

func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// EmitToRoom delivers evt to every local member of room right away and
// relays it to the other workers. A backbone failure only degrades fan-out.
func (h *Hub) EmitToRoom(ctx context.Context, room string, evt Event) error {
	frame, err := evt.Encode()
	if err != nil {
		return fmt.Errorf("encode %q event: %w", evt.Type, err)
	}
	h.deliverToRoom(room, frame)
	h.publish(ctx, Envelope{Origin: h.nodeID, Room: room, Frame: frame})
	return nil
}

// EmitToConnection delivers evt to a single connection, wherever it lives.
func (h *Hub) EmitToConnection(ctx context.Context, connID string, evt Event) error {
	frame, err := evt.Encode()
	if err != nil {
		return fmt.Errorf("encode %q event: %w", evt.Type, err)
	}
	if h.deliverTo(connID, frame) {
		return nil
	}
	h.publish(ctx, Envelope{Origin: h.nodeID, Target: connID, Frame: frame})
	return nil
}

func (h *Hub) publish(ctx context.Context, env Envelope) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, env); err != nil {
		h.healthy.Store(false)
		h.publishFailures.Add(1)
		h.lastError.Store(err.Error())
		h.log.Warn("backbone publish failed, delivering locally only", "room", env.Room, "target", env.Target, "error", err)
		return
	}
	h.healthy.Store(true)
}

func (h *Hub) deliverToRoom(room string, frame []byte) {
	members := h.registry.connectionsIn(room)
	var dropped []string
	h.mu.RLock()
	for _, connID := range members {
		peer, ok := h.peers[connID]
		if !ok {
			continue
		}
		if !peer.Send(frame) {
			dropped = append(dropped, connID)
		}
	}
	h.mu.RUnlock()
	h.dropSlow(dropped)
}

// deliverTo reports whether connID is held by this worker.
func (h *Hub) deliverTo(connID string, frame []byte) bool {
	h.mu.RLock()
	peer, ok := h.peers[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if !peer.Send(frame) {
		h.dropSlow([]string{connID})
	}
	return true
}

func (h *Hub) dropSlow(connIDs []string) {
	for _, connID := range connIDs {
		h.log.Warn("dropping slow connection", "conn", connID)
		h.Unregister(connID)
	}
}

// Run delivers envelopes arriving from the backbone until ctx is done, then
// closes every local peer.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case env := <-h.broadcast:
			if env.Target != "" {
				h.deliverTo(env.Target, env.Frame)
				continue
			}
			h.deliverToRoom(env.Room, env.Frame)
		}
	}
}

// SubscribeToBus listens for envelopes from other workers until ctx is done.
// A subscription that cannot be established or is lost is retried with
// exponential backoff; Health reports the hub as degraded meanwhile.
func (h *Hub) SubscribeToBus(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}

	deliver := func(env Envelope) {
		if env.Origin == h.nodeID {
			return
		}
		select {
		case h.broadcast <- env:
		case <-ctx.Done():
		}
	}

	retry := h.newBackOff()
	for {
		live := false
		err := h.bus.Subscribe(ctx, deliver, func() {
			live = true
			h.subscribed.Store(true)
			h.log.Info("backbone subscription live")
		})
		h.subscribed.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("backbone subscription ended")
		}
		h.lastError.Store(err.Error())

		if live {
			retry.Reset()
		}
		wait := retry.NextBackOff()
		h.log.Warn("backbone subscription down, retrying", "in", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (h *Hub) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.retryInitial
	b.MaxInterval = h.retryMax
	b.Reset()
	return b
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]Peer)
	h.mu.Unlock()
	for _, peer := range peers {
		peer.Close()
	}
}

func (h *Hub) Health() BackboneStatus {
	status := BackboneStatus{
		Enabled:         h.bus != nil,
		Subscribed:      h.subscribed.Load(),
		PublishFailures: h.publishFailures.Load(),
	}
	status.Healthy = h.healthy.Load() && (!status.Enabled || status.Subscribed)
	if v, ok := h.lastError.Load().(string); ok {
		status.LastError = v
	}
	return status
}
