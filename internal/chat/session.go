package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

type State int

const (
	StateConnected State = iota
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const historyTimeout = 10 * time.Second

type ServiceConfig struct {
	DefaultRoom    string
	RecoveryWindow time.Duration
	ReleaseTimeout time.Duration // bounds each username release
}

// Service runs the session protocol for every connection of one worker.
type Service struct {
	store    MessageStore
	registry *Registry
	names    NameIndex
	hub      *Hub
	cfg      ServiceConfig
	recovery *recoveryTable
	history  singleflight.Group
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // live sessions by connID
}

func NewService(store MessageStore, registry *Registry, names NameIndex, hub *Hub, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = "default"
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}
	return &Service{
		store:    store,
		registry: registry,
		names:    names,
		hub:      hub,
		cfg:      cfg,
		recovery: newRecoveryTable(cfg.RecoveryWindow),
		log:      logger.With("node", hub.NodeID()),
		sessions: make(map[string]*Session),
	}
}

func (s *Service) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Service) forget(sess *Session) {
	s.mu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
}

func (s *Service) liveSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

type JoinResult struct {
	ConnectionID string
	Username     string
	Room         string
	History      []Message
	Members      []Member
	Rooms        []RoomCount
	Recovered    bool
}

type SendResult struct {
	ID        int64
	Duplicate bool
}

// Session is one connection's view of the protocol. Its methods are
// serialized, so events from a connection apply in arrival order.
type Session struct {
	svc *Service
	id  string

	mu       sync.Mutex
	state    State
	username string
	room     string
}

// Connect allocates a connection id for peer and registers it for delivery.
func (s *Service) Connect(peer Peer) *Session {
	sess := &Session{svc: s, id: uuid.NewString(), state: StateConnected}
	s.track(sess)
	s.hub.Register(sess.id, peer)
	s.log.Debug("connection opened", "conn", sess.id)
	return sess
}

// Resume revives a connection dropped less than the recovery window ago,
// under its old id, name and room. Messages after lastSeen are replayed.
func (s *Service) Resume(ctx context.Context, peer Peer, connID string, lastSeen int64) (*Session, *JoinResult, error) {
	parked, ok := s.recovery.take(connID)
	if !ok {
		return nil, nil, ErrNoRecoverableSession
	}
	// The name stayed reserved while parked; this only refreshes its lease.
	if err := s.names.Claim(ctx, parked.username, connID); err != nil {
		s.releaseName(ctx, parked.username, connID)
		return nil, nil, err
	}

	sess := &Session{svc: s, id: connID, state: StateConnected}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	s.track(sess)
	s.hub.Register(connID, peer)
	s.registry.Join(connID, parked.username, parked.room)
	sess.state, sess.username, sess.room = StateActive, parked.username, parked.room

	s.emit(ctx, parked.room, Event{Type: EventUserJoined, Data: PresenceNotice{Username: parked.username, Room: parked.room}})
	s.emitLists(ctx, parked.room)

	missed, err := s.store.HistorySince(ctx, parked.room, lastSeen)
	if err != nil {
		s.log.Error("replay after recovery failed", "conn", connID, "room", parked.room, "error", err)
		missed = nil
	}
	s.log.Info("connection recovered", "conn", connID, "username", parked.username, "room", parked.room, "replayed", len(missed))

	return sess, &JoinResult{
		ConnectionID: connID,
		Username:     parked.username,
		Room:         parked.room,
		History:      missed,
		Members:      s.registry.MembersOf(parked.room),
		Rooms:        s.registry.RoomSummary(),
		Recovered:    true,
	}, nil
}

func (sess *Session) ID() string { return sess.id }

func (sess *Session) State() State {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}

func (sess *Session) Presence() Presence {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Presence{Username: sess.username, Room: sess.room}
}

// Join puts the connection in room under username, leaving its previous room
// first. A rejected join leaves the session exactly as it was.
func (sess *Session) Join(ctx context.Context, username, room string) (*JoinResult, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s := sess.svc

	if sess.state == StateDisconnected {
		return nil, ErrSessionClosed
	}
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if room == "" {
		room = s.cfg.DefaultRoom
	}

	wasActive := sess.state == StateActive
	oldUsername, oldRoom := sess.username, sess.room
	if wasActive && oldUsername == username && oldRoom == room {
		return s.joinReply(ctx, sess.id, username, room), nil
	}

	if username != oldUsername {
		if err := s.names.Claim(ctx, username, sess.id); err != nil {
			return nil, err
		}
	}

	s.registry.Join(sess.id, username, room)
	sess.state, sess.username, sess.room = StateActive, username, room

	if wasActive {
		if oldUsername != username {
			s.releaseName(ctx, oldUsername, sess.id)
		}
		s.emit(ctx, oldRoom, Event{Type: EventUserLeft, Data: PresenceNotice{Username: oldUsername, Room: oldRoom}})
		if oldRoom != room {
			s.emitLists(ctx, oldRoom)
		}
	}

	s.emit(ctx, room, Event{Type: EventUserJoined, Data: PresenceNotice{Username: username, Room: room}})
	s.emitLists(ctx, room)
	s.log.Info("joined room", "conn", sess.id, "username", username, "room", room)

	return s.joinReply(ctx, sess.id, username, room), nil
}

// joinReply reads the store directly. A shared read could have started
// before the join and miss a message the joiner also missed live.
func (s *Service) joinReply(ctx context.Context, connID, username, room string) *JoinResult {
	history, err := s.store.History(ctx, room)
	if err != nil {
		s.log.Error("error fetching messages", "room", room, "error", err)
		history = nil
	}
	return &JoinResult{
		ConnectionID: connID,
		Username:     username,
		Room:         room,
		History:      history,
		Members:      s.registry.MembersOf(room),
		Rooms:        s.registry.RoomSummary(),
	}
}

// Send stores text in the connection's room and broadcasts it once per
// stored row. A redelivered token is acknowledged but not re-broadcast.
func (sess *Session) Send(ctx context.Context, text, token string) (*SendResult, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s := sess.svc

	switch {
	case sess.state == StateDisconnected:
		return nil, ErrSessionClosed
	case sess.state != StateActive:
		return nil, ErrNotJoined
	case text == "":
		return nil, fmt.Errorf("%w: message text is required", ErrInvalidInput)
	}

	msg := NewMessage{
		Room:      sess.room,
		Username:  sess.username,
		Content:   text,
		Token:     token,
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.store.Append(ctx, msg)
	if err != nil {
		s.log.Error("storing message failed", "conn", sess.id, "room", msg.Room, "token", token, "error", err)
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return nil, err
	}

	if res.Created {
		s.emit(ctx, msg.Room, Event{Type: EventChatMessage, Data: Message{
			ID:        res.ID,
			Token:     token,
			Room:      msg.Room,
			Username:  msg.Username,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		}})
	} else {
		s.log.Debug("duplicate message acknowledged", "conn", sess.id, "token", token, "id", res.ID)
	}
	return &SendResult{ID: res.ID, Duplicate: !res.Created}, nil
}

// Disconnect ends the session. Calling it again does nothing.
func (sess *Session) Disconnect(ctx context.Context) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s := sess.svc

	if sess.state == StateDisconnected {
		return
	}
	wasActive := sess.state == StateActive
	sess.state = StateDisconnected

	s.forget(sess)
	s.hub.Unregister(sess.id)
	if !wasActive {
		s.log.Debug("connection closed before joining", "conn", sess.id)
		return
	}

	s.registry.Leave(sess.id)
	s.emit(ctx, sess.room, Event{Type: EventUserDisconnected, Data: PresenceNotice{Username: sess.username, Room: sess.room}})
	s.emitLists(ctx, sess.room)
	s.log.Info("user disconnected", "conn", sess.id, "username", sess.username, "room", sess.room)

	id := sess.id
	parked := s.recovery.park(id, sess.username, sess.room, func(username string) {
		s.releaseName(context.Background(), username, id)
	})
	if !parked {
		s.releaseName(ctx, sess.username, id)
	}
}

// releaseName never fails the caller; a name left behind in Redis expires
// with its TTL.
func (s *Service) releaseName(ctx context.Context, username, owner string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReleaseTimeout)
	defer cancel()
	if err := s.names.Release(ctx, username, owner); err != nil {
		s.log.Warn("releasing username failed", "username", username, "conn", owner, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, room string, evt Event) {
	if err := s.hub.EmitToRoom(ctx, room, evt); err != nil {
		s.log.Error("emit failed", "room", room, "event", evt.Type, "error", err)
	}
}

// emitLists refreshes the member list and room list seen by room.
func (s *Service) emitLists(ctx context.Context, room string) {
	s.emit(ctx, room, Event{Type: EventMemberList, Data: MemberList{Room: room, Members: s.registry.MembersOf(room)}})
	s.emit(ctx, room, Event{Type: EventRoomList, Data: s.registry.RoomSummary()})
}

// History reads a room's full log for the REST API. Concurrent reads of one
// room share a query, which is detached from any one caller's cancellation.
func (s *Service) History(ctx context.Context, room string) ([]Message, error) {
	ch := s.history.DoChan(room, func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
		defer cancel()
		return s.store.History(qctx, room)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Message), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) Rooms() []RoomCount { return s.registry.RoomSummary() }

func (s *Service) Members(room string) []Member { return s.registry.MembersOf(room) }

func (s *Service) Health() BackboneStatus { return s.hub.Health() }

func (s *Service) DefaultRoom() string { return s.cfg.DefaultRoom }

// Shutdown gives up every parked identity, then disconnects every live
// session. Recovery is closed first, so no name is left parked behind.
func (s *Service) Shutdown(ctx context.Context) {
	for connID, parked := range s.recovery.close() {
		s.releaseName(ctx, parked.username, connID)
	}
	live := s.liveSessions()
	for _, sess := range live {
		sess.Disconnect(ctx)
	}
	s.log.Info("service shut down", "disconnected", len(live))
}
