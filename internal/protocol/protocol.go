// Package protocol defines the message envelope spoken between the sync
// engine and its clients. Payloads are a closed, tagged set of variants
// validated at the transport boundary; anything outside the set is rejected
// before it reaches a room.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/coscribe/backend/internal/crdt"
)

// User is the collaborator identity attached to a session. The directory
// decides whether it may join; the engine only relays it for presence.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Inbound message types.
const (
	MsgJoin     = "join"
	MsgLeave    = "leave"
	MsgOp       = "op"
	MsgPresence = "presence"
	MsgSync     = "sync"
)

// Outbound event types.
const (
	EvtContentLoaded   = "contentLoaded"
	EvtOpReceived      = "opReceived"
	EvtPresenceUpdated = "presenceUpdated"
	EvtUsersUpdate     = "usersUpdate"
	EvtSyncDelta       = "syncDelta"
	EvtSyncStatus      = "syncStatus"
	EvtError           = "error"
)

// ClientMessage is one inbound frame. Exactly the fields for its Type are
// meaningful; Validate enforces them.
type ClientMessage struct {
	Type   string          `json:"type"`
	User   *User           `json:"user,omitempty"`
	Op     *crdt.Op        `json:"op,omitempty"`
	Field  string          `json:"field,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Marker crdt.Marker     `json:"marker,omitempty"`
}

// Parse decodes and validates one inbound frame.
func Parse(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *ClientMessage) Validate() error {
	switch m.Type {
	case MsgJoin:
		if m.User == nil || m.User.ID == "" {
			return fmt.Errorf("join without user")
		}
	case MsgLeave:
	case MsgOp:
		if m.Op == nil {
			return fmt.Errorf("op message without op")
		}
		if err := m.Op.Validate(); err != nil {
			return err
		}
	case MsgPresence:
		if m.Field == "" {
			return fmt.Errorf("presence without field")
		}
	case MsgSync:
		if m.Marker == nil {
			return fmt.Errorf("sync without marker")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// ServerMessage is one outbound event frame.
type ServerMessage struct {
	Type      string                     `json:"type"`
	SessionID string                     `json:"sessionId,omitempty"`
	Content   []crdt.Element             `json:"content,omitempty"`
	Marker    crdt.Marker                `json:"marker,omitempty"`
	Op        *crdt.Op                   `json:"op,omitempty"`
	Ops       []crdt.Op                  `json:"ops,omitempty"`
	User      *User                      `json:"user,omitempty"`
	Users     []User                     `json:"users,omitempty"`
	State     map[string]json.RawMessage `json:"state,omitempty"`
	Status    string                     `json:"status,omitempty"`
	Code      string                     `json:"code,omitempty"`
	Message   string                     `json:"message,omitempty"`
}

func ContentLoaded(sessionID string, content []crdt.Element, marker crdt.Marker) ServerMessage {
	return ServerMessage{Type: EvtContentLoaded, SessionID: sessionID, Content: content, Marker: marker}
}

func OpReceived(sessionID string, op crdt.Op) ServerMessage {
	return ServerMessage{Type: EvtOpReceived, SessionID: sessionID, Op: &op}
}

func PresenceUpdated(sessionID string, user *User, state map[string]json.RawMessage) ServerMessage {
	return ServerMessage{Type: EvtPresenceUpdated, SessionID: sessionID, User: user, State: state}
}

func UsersUpdate(users []User) ServerMessage {
	return ServerMessage{Type: EvtUsersUpdate, Users: users}
}

func SyncDelta(ops []crdt.Op, marker crdt.Marker) ServerMessage {
	return ServerMessage{Type: EvtSyncDelta, Ops: ops, Marker: marker}
}

func SyncStatus(status string) ServerMessage {
	return ServerMessage{Type: EvtSyncStatus, Status: status}
}

func Error(code, message string) ServerMessage {
	return ServerMessage{Type: EvtError, Code: code, Message: message}
}
