package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait         = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod       = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize   = 8192                // Maximum message size allowed from peer.
	sendBufferSize   = 256
	operationTimeout = 10 * time.Second // Per inbound frame: store and backbone calls.
)

// Client is a middleman between the websocket connection and the session.
type Client struct {
	conn    *websocket.Conn
	session *Session
	log     *slog.Logger

	// Buffered channel of outbound frames. Never closed; done signals the end.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		conn: conn,
		log:  logger,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send implements Peer. It never blocks.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close implements Peer; the write pump notices and hangs up.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// reply queues a frame for this connection only, waiting for room in the
// buffer. History replays can be longer than the buffer.
func (c *Client) reply(ctx context.Context, evt Event) {
	frame, err := evt.Encode()
	if err != nil {
		c.log.Error("encode reply", "event", evt.Type, "error", err)
		return
	}
	select {
	case c.send <- frame:
	case <-c.done:
	case <-ctx.Done():
		c.log.Warn("reply dropped", "event", evt.Type, "error", ctx.Err())
	}
}

func (c *Client) replyError(ctx context.Context, ack string, err error) {
	code, retryable := errorCode(err)
	c.reply(ctx, Event{Type: EventError, Data: ErrorPayload{
		Ack:       ack,
		Code:      code,
		Message:   err.Error(),
		Retryable: retryable,
	}})
}

func (c *Client) replySession(ctx context.Context, res *JoinResult) {
	info := SessionInfo{ConnectionID: c.session.ID()}
	if res != nil {
		info.Recovered = res.Recovered
		info.Username = res.Username
		info.Room = res.Room
	}
	c.reply(ctx, Event{Type: EventSession, Data: info})
}

// replyJoin sends the joiner its view of the room, then the history one
// message at a time, oldest first.
func (c *Client) replyJoin(ctx context.Context, res *JoinResult) {
	c.reply(ctx, Event{Type: EventMemberList, Data: MemberList{Room: res.Room, Members: res.Members}})
	c.reply(ctx, Event{Type: EventRoomList, Data: res.Rooms})
	for _, msg := range res.History {
		c.reply(ctx, Event{Type: EventChatMessage, Data: msg})
	}
}

// handleFrame runs one inbound frame through the session. Errors go back to
// the sender; they never end the connection.
func (c *Client) handleFrame(raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	var in InboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		c.replyError(ctx, "", ErrInvalidInput)
		return
	}

	switch in.Type {
	case FrameJoinRoom:
		res, err := c.session.Join(ctx, in.Username, in.Room)
		if err != nil {
			c.replyError(ctx, "", err)
			return
		}
		c.replyJoin(ctx, res)

	case FrameChatMessage:
		res, err := c.session.Send(ctx, in.Text, in.Token)
		if err != nil {
			c.replyError(ctx, in.Ack, err)
			return
		}
		c.reply(ctx, Event{Type: EventAck, Data: AckPayload{Ack: in.Ack, ID: res.ID, Duplicate: res.Duplicate}})

	default:
		c.replyError(ctx, in.Ack, ErrInvalidInput)
	}
}

// readPump pumps frames from the websocket connection into the session.
func (c *Client) readPump() {
	defer func() {
		// Cleanup: If connection dies, end the session
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		c.session.Disconnect(ctx)
		cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "conn", c.session.ID(), "error", err)
			}
			return
		}
		c.handleFrame(message)
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}

		case <-c.done:
			// Flush what is already queued, then say goodbye.
			if !c.flush() {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			// Heartbeat: Send a Ping every 54 seconds to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(frame []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame) == nil
}

func (c *Client) flush() bool {
	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return false
			}
		default:
			return true
		}
	}
}

var _ Peer = (*Client)(nil)
