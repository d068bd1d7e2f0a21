package chat

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type Message struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token,omitempty"` // client_offset column
	Room      string    `json:"room"`
	Username  string    `json:"user"`
	Content   string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage is what a session hands to the store. An empty Token means the
// sender opted out of deduplication.
type NewMessage struct {
	Room      string
	Username  string
	Content   string
	Token     string
	CreatedAt time.Time // defaults to the time of the insert
}

type AppendResult struct {
	ID      int64
	Created bool // false on a dedup hit
}

type Member struct {
	Username     string `json:"username"`
	ConnectionID string `json:"connection_id"`
}

type RoomCount struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

// ---------------------------------------------
// ⚡ Wire Models
// ---------------------------------------------

// Outbound event names.
const (
	EventSession          = "session"
	EventChatMessage      = "chat message"
	EventUserJoined       = "user joined"
	EventUserLeft         = "user left"
	EventUserDisconnected = "user disconnected"
	EventMemberList       = "member list"
	EventRoomList         = "room list"
	EventAck              = "ack"
	EventError            = "error"
)

// Inbound frame types.
const (
	FrameJoinRoom    = "join room"
	FrameChatMessage = "chat message"
)

// Event is one outbound frame.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Encode marshals the event once so it can be fanned out as raw bytes.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// InboundFrame is the JSON the browser SENDS to us.
type InboundFrame struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Room     string `json:"room,omitempty"`
	Text     string `json:"text,omitempty"`
	Token    string `json:"token,omitempty"`
	Ack      string `json:"ack,omitempty"`
}

type PresenceNotice struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

type MemberList struct {
	Room    string   `json:"room"`
	Members []Member `json:"members"`
}

type SessionInfo struct {
	ConnectionID string `json:"connection_id"`
	Recovered    bool   `json:"recovered"`
	Username     string `json:"username,omitempty"`
	Room         string `json:"room,omitempty"`
}

type AckPayload struct {
	Ack       string `json:"ack,omitempty"`
	ID        int64  `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

type ErrorPayload struct {
	Ack       string `json:"ack,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Envelope is what travels over the backbone between workers.
// Room and Target are mutually exclusive.
type Envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room,omitempty"`
	Target string          `json:"target,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}
