package room

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coscribe/backend/internal/crdt"
	"github.com/coscribe/backend/internal/protocol"
	"github.com/coscribe/backend/internal/store"
)

// Flusher is the snapshot manager as the rooms see it: mark a document
// dirty for a debounced flush, or flush a final snapshot synchronously
// while draining.
type Flusher interface {
	MarkDirty(documentID string)
	FlushSnapshot(snap *store.Snapshot) error
}

// Manager owns the table of active rooms, keyed by document id. Rooms and
// sessions are addressed by ids only; nothing holds a back-pointer across
// the room boundary.
type Manager struct {
	store     store.DocumentStore
	directory Directory

	mu      sync.Mutex
	rooms   map[string]*Room
	flusher Flusher

	sessions atomic.Int64
}

func NewManager(st store.DocumentStore, dir Directory) *Manager {
	if dir == nil {
		dir = AllowAll{}
	}
	return &Manager{
		store:     st,
		directory: dir,
		rooms:     make(map[string]*Room),
	}
}

// SetFlusher wires in the snapshot manager after construction; the two
// reference each other only through narrow interfaces.
func (m *Manager) SetFlusher(f Flusher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flusher = f
}

// JoinInfo is what a joining client receives: its session id, the current
// document content, and the version marker that content covers.
type JoinInfo struct {
	SessionID string
	Content   []crdt.Element
	Marker    crdt.Marker
}

// Join admits a user into a document room, creating (and loading) the room
// on first join. The out channel receives every subsequent event for the
// session; the caller owns its lifetime.
func (m *Manager) Join(ctx context.Context, documentID string, user User, out chan<- protocol.ServerMessage) (*JoinInfo, error) {
	perm, err := m.directory.Authorize(documentID, user)
	if err != nil {
		return nil, err
	}

	sess := Session{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		User:       user,
		JoinedAt:   time.Now().UTC(),
	}
	req := joinRequest{sess: sess, perm: perm, out: out, reply: make(chan joinReply, 1)}

	// A room can drain between lookup and send; retry against a fresh one.
	for {
		r := m.getOrCreate(documentID)
		select {
		case r.joins <- req:
			reply := <-req.reply
			return &JoinInfo{SessionID: sess.ID, Content: reply.content, Marker: reply.marker}, nil
		case <-r.done:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Leave removes a session from its room. Unknown sessions are ignored.
func (m *Manager) Leave(documentID, sessionID string) {
	r := m.lookup(documentID)
	if r == nil {
		return
	}
	select {
	case r.leaves <- sessionID:
	case <-r.done:
	}
}

// SubmitOp applies a local edit and fans it out to every other session in
// the room. Delivery to peers is at-least-once; the sequence's idempotent
// apply makes duplicates harmless.
func (m *Manager) SubmitOp(documentID, sessionID string, op crdt.Op) error {
	r := m.lookup(documentID)
	if r == nil {
		return ErrInvalidSession
	}
	req := opRequest{sessionID: sessionID, op: op, reply: make(chan error, 1)}
	select {
	case r.ops <- req:
		return <-req.reply
	case <-r.done:
		return ErrRoomDraining
	}
}

// SetPresence records one ephemeral field for a session and broadcasts the
// session's full presence state to the rest of the room.
func (m *Manager) SetPresence(documentID, sessionID, field string, value json.RawMessage) error {
	r := m.lookup(documentID)
	if r == nil {
		return ErrInvalidSession
	}
	req := presenceRequest{sessionID: sessionID, field: field, value: value, reply: make(chan error, 1)}
	select {
	case r.presencec <- req:
		return <-req.reply
	case <-r.done:
		return ErrRoomDraining
	}
}

// SyncSince computes the operations a reconnecting session is missing given
// the version marker it presents. crdt.ErrStaleDelta means the marker
// predates retained history and the caller must refetch the full content.
func (m *Manager) SyncSince(documentID, sessionID string, since crdt.Marker) ([]crdt.Op, crdt.Marker, error) {
	r := m.lookup(documentID)
	if r == nil {
		return nil, nil, ErrInvalidSession
	}
	req := syncRequest{sessionID: sessionID, since: since, reply: make(chan syncReply, 1)}
	select {
	case r.syncs <- req:
		reply := <-req.reply
		return reply.ops, reply.marker, reply.err
	case <-r.done:
		return nil, nil, ErrRoomDraining
	}
}

// Export produces the durable snapshot of an active room, compacting as a
// side effect. ok is false when the room is gone (drained between the dirty
// mark and the flush tick).
func (m *Manager) Export(documentID string) (*store.Snapshot, bool) {
	r := m.lookup(documentID)
	if r == nil {
		return nil, false
	}
	reply := make(chan *store.Snapshot, 1)
	select {
	case r.exports <- reply:
		return <-reply, true
	case <-r.done:
		return nil, false
	}
}

// BroadcastStatus pushes a non-blocking sync status ("syncing", "saved") to
// every session in the room. Persistence trouble surfaces only here; it
// never interrupts editing. Dropped outright if the room is busy or gone:
// the next status supersedes it anyway.
func (m *Manager) BroadcastStatus(documentID, status string) {
	r := m.lookup(documentID)
	if r == nil {
		return
	}
	select {
	case r.statusc <- status:
	default:
	}
}

// Stats reports the active room and session counts for the HTTP surface.
type Stats struct {
	ActiveRooms    int
	ActiveSessions int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	roomCount := len(m.rooms)
	m.mu.Unlock()
	return Stats{ActiveRooms: roomCount, ActiveSessions: int(m.sessions.Load())}
}

// DrainAll flushes every active room once, for graceful shutdown.
func (m *Manager) DrainAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	flusher := m.flusher
	m.mu.Unlock()

	for _, id := range ids {
		snap, ok := m.Export(id)
		if !ok || flusher == nil {
			continue
		}
		if err := flusher.FlushSnapshot(snap); err != nil {
			log.Printf("Shutdown flush failed for %s: %v", id, err)
		}
	}
}

func (m *Manager) lookup(documentID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[documentID]
}

func (m *Manager) getOrCreate(documentID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[documentID]; ok {
		return r
	}
	r := newRoom(documentID, m)
	m.rooms[documentID] = r
	go r.run()
	return r
}

// remove is called by a draining room, before it closes done, so lookups
// never hand out a dead room.
func (m *Manager) remove(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.documentID] == r {
		delete(m.rooms, r.documentID)
	}
}
