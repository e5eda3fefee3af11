package room

import (
	"errors"
	"time"

	"github.com/coscribe/backend/internal/crdt"
	"github.com/coscribe/backend/internal/protocol"
)

var (
	// ErrInvalidSession is returned when an operation arrives for a room the
	// session never joined (or already left). Dropped and logged, never fatal.
	ErrInvalidSession = errors.New("session not joined to this document")

	// ErrPermissionDenied is returned when a read-only member submits an edit.
	ErrPermissionDenied = errors.New("session lacks write permission")

	// ErrRoomDraining means the room was shutting down when the command
	// arrived; joins are retried against a fresh room.
	ErrRoomDraining = errors.New("room is draining")
)

// User is the collaborator identity as the directory and the wire see it.
type User = protocol.User

// Permission is what the membership directory grants a user on a document.
type Permission int

const (
	PermReader Permission = iota
	PermWriter
)

// Directory decides who may join a document and with what permission.
// Policy evaluation itself lives outside the engine.
type Directory interface {
	Authorize(documentID string, user User) (Permission, error)
}

// AllowAll admits every user as a writer. The default when no directory is
// wired in; real deployments put their policy layer behind Directory.
type AllowAll struct{}

func (AllowAll) Authorize(string, User) (Permission, error) {
	return PermWriter, nil
}

// Session is the public record of one connected client.
type Session struct {
	ID         string
	DocumentID string
	User       User
	JoinedAt   time.Time
}

// session is the room-owned state for a connected client. Only the room
// worker touches it.
type session struct {
	info Session
	perm Permission
	out  chan<- protocol.ServerMessage
	// marker is the last version marker this client is known to hold: set at
	// join, advanced by its own ops and by sync requests. Compaction retains
	// everything any connected marker still references.
	marker crdt.Marker
}

func (s *session) send(msg protocol.ServerMessage) bool {
	select {
	case s.out <- msg:
		return true
	default:
		// Slow consumer; the transport's buffer is full. Dropping here beats
		// stalling the whole room.
		return false
	}
}
