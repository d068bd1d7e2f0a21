package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // No auth in this service; any origin may connect.
	},
}

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, log: logger}
}

// Routes mounts the websocket endpoint and the read-only REST API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWs)
	r.Get("/healthz", h.Health)
	r.Get("/api/rooms", h.ListRooms)
	r.Get("/api/rooms/{room}/members", h.ListMembers)
	r.Get("/api/rooms/{room}/messages", h.GetChatHistory)
	return r
}

// ServeWs upgrades the request and starts the connection's pumps. A
// ?recover=<connection id>&last=<message id> query resumes a dropped session.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	recoverID := r.URL.Query().Get("recover")
	var lastSeen int64
	if raw := r.URL.Query().Get("last"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			h.log.Warn("rejecting malformed last message id", "last", raw, "conn", recoverID)
			http.Error(w, "last must be a non-negative message id", http.StatusBadRequest)
			return
		}
		lastSeen = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := newClient(conn, h.log)

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	var resumed *JoinResult
	if recoverID != "" {
		sess, res, err := h.svc.Resume(ctx, client, recoverID, lastSeen)
		switch {
		case err == nil:
			client.session, resumed = sess, res
		case errors.Is(err, ErrNoRecoverableSession):
			h.log.Debug("recovery not possible, starting fresh", "conn", recoverID)
		default:
			h.log.Warn("recovery failed, starting fresh", "conn", recoverID, "error", err)
		}
	}
	if client.session == nil {
		client.session = h.svc.Connect(client)
	}

	// The write pump runs first so a replay longer than the buffer can drain.
	go client.writePump()
	client.replySession(ctx, resumed)
	if resumed != nil {
		client.replyJoin(ctx, resumed)
	}
	go client.readPump()
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Rooms())
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	h.writeJSON(w, http.StatusOK, MemberList{Room: room, Members: h.svc.Members(room)})
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	msgs, err := h.svc.History(r.Context(), room)
	if err != nil {
		h.log.Error("history request failed", "room", room, "error", err)
		http.Error(w, "message store unavailable", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, msgs)
}

type healthResponse struct {
	Status   string         `json:"status"`
	Node     string         `json:"node"`
	Peers    int            `json:"peers"`
	Backbone BackboneStatus `json:"backbone"`
}

// Health stays 200 while degraded: local delivery still works.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	backbone := h.svc.Health()
	status := "ok"
	if backbone.Enabled && !backbone.Healthy {
		status = "degraded"
	}
	h.writeJSON(w, http.StatusOK, healthResponse{
		Status:   status,
		Node:     h.svc.hub.NodeID(),
		Peers:    h.svc.hub.PeerCount(),
		Backbone: backbone,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("writing JSON response failed", "error", err)
	}
}
