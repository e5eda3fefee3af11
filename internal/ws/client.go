// Package ws is the websocket transport for the sync engine. Each connection
// runs the read/write pump pair; every inbound frame is validated against the
// protocol envelope before it reaches a room.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coscribe/backend/internal/crdt"
	"github.com/coscribe/backend/internal/protocol"
	"github.com/coscribe/backend/internal/ratelimit"
	"github.com/coscribe/backend/internal/room"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	sendBuffer        = 512
	messagesPerSecond = 100
	messageBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	rooms       *room.Manager
	conn        *websocket.Conn
	out         chan protocol.ServerMessage
	documentID  string
	sessionID   string
	rateLimiter *ratelimit.Limiter
	done        chan struct{}
}

// ServeWs upgrades the connection and runs the session. The first frame must
// be a join; everything before it is rejected.
func ServeWs(rooms *room.Manager, w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("doc")
	if documentID == "" {
		http.Error(w, "missing doc parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		rooms:       rooms,
		conn:        conn,
		out:         make(chan protocol.ServerMessage, sendBuffer),
		documentID:  documentID,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		done:        make(chan struct{}),
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		if c.sessionID != "" {
			c.rooms.Leave(c.documentID, c.sessionID)
		}
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			continue
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			log.Printf("Invalid message on document %s: %v", c.documentID, err)
			c.push(protocol.Error("bad_message", err.Error()))
			continue
		}

		if c.sessionID == "" && msg.Type != protocol.MsgJoin {
			c.push(protocol.Error("not_joined", "first message must be join"))
			continue
		}

		switch msg.Type {
		case protocol.MsgJoin:
			c.handleJoin(msg)
		case protocol.MsgLeave:
			return
		case protocol.MsgOp:
			c.handleOp(msg)
		case protocol.MsgPresence:
			c.handlePresence(msg)
		case protocol.MsgSync:
			c.handleSync(msg)
		}
	}
}

func (c *Client) handleJoin(msg *protocol.ClientMessage) {
	if c.sessionID != "" {
		c.push(protocol.Error("already_joined", "session already joined"))
		return
	}
	// The room queues contentLoaded on c.out itself, ahead of any roster or
	// presence broadcast, so the client never sees another event first.
	info, err := c.rooms.Join(context.Background(), c.documentID, *msg.User, c.out)
	if err != nil {
		c.push(protocol.Error("join_failed", err.Error()))
		return
	}
	c.sessionID = info.SessionID
}

func (c *Client) handleOp(msg *protocol.ClientMessage) {
	err := c.rooms.SubmitOp(c.documentID, c.sessionID, *msg.Op)
	switch {
	case err == nil:
	case errors.Is(err, room.ErrInvalidSession):
		log.Printf("Dropped op from invalid session %s on %s", c.sessionID, c.documentID)
		c.push(protocol.Error("invalid_session", err.Error()))
	case errors.Is(err, room.ErrPermissionDenied):
		c.push(protocol.Error("permission_denied", err.Error()))
	case errors.Is(err, room.ErrRoomDraining):
		c.push(protocol.Error("room_draining", "room closed, rejoin to continue"))
	default:
		c.push(protocol.Error("bad_op", err.Error()))
	}
}

func (c *Client) handlePresence(msg *protocol.ClientMessage) {
	if err := c.rooms.SetPresence(c.documentID, c.sessionID, msg.Field, msg.Value); err != nil {
		c.push(protocol.Error("invalid_session", err.Error()))
	}
}

func (c *Client) handleSync(msg *protocol.ClientMessage) {
	ops, marker, err := c.rooms.SyncSince(c.documentID, c.sessionID, msg.Marker)
	switch {
	case err == nil:
		c.push(protocol.SyncDelta(ops, marker))
	case errors.Is(err, crdt.ErrStaleDelta):
		// The client's marker predates retained history; it must refetch
		// the full content by rejoining.
		c.push(protocol.Error("stale_delta", err.Error()))
	default:
		c.push(protocol.Error("invalid_session", err.Error()))
	}
}

// push queues an event for the write pump without ever blocking the reader.
func (c *Client) push(msg protocol.ServerMessage) {
	select {
	case c.out <- msg:
	default:
		log.Printf("Send buffer full for session %s, dropped %s", c.sessionID, msg.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Marshal error for %s: %v", msg.Type, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
