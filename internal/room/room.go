package room

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/coscribe/backend/internal/crdt"
	"github.com/coscribe/backend/internal/protocol"
	"github.com/coscribe/backend/internal/store"
)

const loadTimeout = 5 * time.Second

type joinRequest struct {
	sess  Session
	perm  Permission
	out   chan<- protocol.ServerMessage
	reply chan joinReply
}

type joinReply struct {
	content []crdt.Element
	marker  crdt.Marker
}

type opRequest struct {
	sessionID string
	op        crdt.Op
	reply     chan error
}

type presenceRequest struct {
	sessionID string
	field     string
	value     json.RawMessage
	reply     chan error
}

type syncRequest struct {
	sessionID string
	since     crdt.Marker
	reply     chan syncReply
}

type syncReply struct {
	ops    []crdt.Op
	marker crdt.Marker
	err    error
}

// Room owns everything for one actively-edited document: the replicated
// sequence, the connected sessions, and their presence state. A single
// worker goroutine consumes all command channels, so sequence mutation is
// serialized per document without any locking, while different documents
// proceed in parallel.
type Room struct {
	documentID string
	mgr        *Manager

	seq      *crdt.Sequence
	sessions map[string]*session
	presence *presenceStore
	dirty    bool

	joins     chan joinRequest
	leaves    chan string
	ops       chan opRequest
	presencec chan presenceRequest
	syncs     chan syncRequest
	exports   chan chan *store.Snapshot
	statusc   chan string

	// closed when the worker exits; unblocks every pending sender
	done chan struct{}
}

func newRoom(documentID string, mgr *Manager) *Room {
	return &Room{
		documentID: documentID,
		mgr:        mgr,
		sessions:   make(map[string]*session),
		presence:   newPresenceStore(),
		joins:      make(chan joinRequest),
		leaves:     make(chan string),
		ops:        make(chan opRequest),
		presencec:  make(chan presenceRequest),
		syncs:      make(chan syncRequest),
		exports:    make(chan chan *store.Snapshot),
		statusc:    make(chan string, 4),
		done:       make(chan struct{}),
	}
}

func (r *Room) run() {
	r.load()

	for {
		select {
		case req := <-r.joins:
			r.handleJoin(req)
		case sessionID := <-r.leaves:
			r.handleLeave(sessionID)
			if len(r.sessions) == 0 {
				r.drain()
				return
			}
		case req := <-r.ops:
			req.reply <- r.handleOp(req)
		case req := <-r.presencec:
			req.reply <- r.handlePresence(req)
		case req := <-r.syncs:
			req.reply <- r.handleSync(req)
		case reply := <-r.exports:
			reply <- r.snapshot()
			r.dirty = false
		case status := <-r.statusc:
			r.broadcast("", protocol.SyncStatus(status))
		}
	}
}

// load pulls the persisted snapshot into a fresh sequence. A missing,
// unreadable, or corrupt snapshot falls back to an empty document: a room
// never refuses joins over persistence trouble.
func (r *Room) load() {
	r.seq = crdt.NewSequence()

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	snap, err := r.mgr.store.LoadSnapshot(ctx, r.documentID)
	if err != nil {
		log.Printf("Room %s: snapshot load failed, starting empty: %v", r.documentID, err)
		return
	}
	if snap == nil {
		return
	}
	seq, err := crdt.NewFromOps(snap.Ops, snap.Floor)
	if err != nil {
		log.Printf("Room %s: corrupt snapshot, starting empty: %v", r.documentID, err)
		return
	}
	r.seq = seq
}

func (r *Room) handleJoin(req joinRequest) {
	sess := &session{
		info:   req.sess,
		perm:   req.perm,
		out:    req.out,
		marker: r.seq.Marker(),
	}
	r.sessions[req.sess.ID] = sess
	r.mgr.sessions.Add(1)

	// The joiner's first event must be its initial content. Sending it here,
	// before the roster broadcast, pins the order on the out channel; the
	// reply carries the same state for programmatic callers.
	sess.send(protocol.ContentLoaded(req.sess.ID, r.seq.VisibleElements(), r.seq.Marker()))
	req.reply <- joinReply{content: r.seq.VisibleElements(), marker: r.seq.Marker()}

	r.broadcast("", protocol.UsersUpdate(r.roster()))
	log.Printf("Session %s (%s) joined document %s (total: %d)",
		req.sess.ID, req.sess.User.Name, r.documentID, len(r.sessions))
}

func (r *Room) handleLeave(sessionID string) {
	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	r.mgr.sessions.Add(-1)
	r.presence.remove(sessionID)

	// Final presence broadcast announcing the absence, then the new roster.
	r.broadcast(sessionID, protocol.PresenceUpdated(sessionID, &sess.info.User, nil))
	r.broadcast(sessionID, protocol.UsersUpdate(r.roster()))
	log.Printf("Session %s left document %s (remaining: %d)",
		sessionID, r.documentID, len(r.sessions))
}

func (r *Room) handleOp(req opRequest) error {
	sess, ok := r.sessions[req.sessionID]
	if !ok {
		return ErrInvalidSession
	}
	if sess.perm < PermWriter {
		return ErrPermissionDenied
	}
	// Fan out the op as it took effect, not as it arrived: an insert whose
	// anchor was compacted away here is re-anchored at the head, and peers
	// that still retain the anchor must apply the same rewritten form or the
	// replicas drift apart.
	eff, err := r.seq.Apply(req.op)
	if err != nil {
		return err
	}
	sess.marker.Observe(req.op.ID)

	r.broadcast(req.sessionID, protocol.OpReceived(req.sessionID, eff))
	r.dirty = true
	if r.mgr.flusher != nil {
		r.mgr.flusher.MarkDirty(r.documentID)
	}
	return nil
}

func (r *Room) handlePresence(req presenceRequest) error {
	sess, ok := r.sessions[req.sessionID]
	if !ok {
		return ErrInvalidSession
	}
	state := r.presence.set(req.sessionID, req.field, req.value)
	r.broadcast(req.sessionID, protocol.PresenceUpdated(req.sessionID, &sess.info.User, state))
	return nil
}

func (r *Room) handleSync(req syncRequest) syncReply {
	sess, ok := r.sessions[req.sessionID]
	if !ok {
		return syncReply{err: ErrInvalidSession}
	}
	ops, err := r.seq.Delta(req.since)
	if err != nil {
		return syncReply{err: err}
	}
	sess.marker = r.seq.Marker()
	return syncReply{ops: ops, marker: r.seq.Marker()}
}

// snapshot compacts what every connected client has already seen deleted and
// exports the durable form of the document.
func (r *Room) snapshot() *store.Snapshot {
	retain := r.seq.Marker()
	if len(r.sessions) > 0 {
		markers := make([]crdt.Marker, 0, len(r.sessions))
		for _, sess := range r.sessions {
			markers = append(markers, sess.marker)
		}
		retain = crdt.MinOf(markers...)
	}
	if purged := r.seq.Compact(retain); purged > 0 {
		log.Printf("Room %s: compacted %d tombstones", r.documentID, purged)
	}
	return &store.Snapshot{
		DocumentID: r.documentID,
		Ops:        r.seq.Ops(),
		Marker:     r.seq.Marker(),
		Floor:      r.seq.Floor(),
		SavedAt:    time.Now().UTC(),
	}
}

// drain runs when the last session leaves: one final flush, then the room is
// evicted and the worker exits. Pending senders are released through done.
func (r *Room) drain() {
	if r.dirty && r.mgr.flusher != nil {
		if err := r.mgr.flusher.FlushSnapshot(r.snapshot()); err != nil {
			log.Printf("Room %s: final flush failed: %v", r.documentID, err)
		}
	}
	r.mgr.remove(r)
	close(r.done)
	log.Printf("Room %s closed (empty)", r.documentID)
}

func (r *Room) roster() []User {
	users := make([]User, 0, len(r.sessions))
	for _, sess := range r.sessions {
		users = append(users, sess.info.User)
	}
	return users
}

// broadcast fans an event out to every session except the named one.
func (r *Room) broadcast(exceptSessionID string, msg protocol.ServerMessage) {
	for id, sess := range r.sessions {
		if id == exceptSessionID {
			continue
		}
		if !sess.send(msg) {
			log.Printf("Session %s lagging in document %s, dropped %s", id, r.documentID, msg.Type)
		}
	}
}
