// Package client implements the editor-side replica: a local merge sequence
// plus the durable offline queue, with reconciliation on reconnect. The server
// never runs this code; it exists so native integrations and tests exercise
// the same disconnect/replay path the browser editor follows.
package client

import (
	"fmt"

	"github.com/coscribe/backend/internal/crdt"
	"github.com/coscribe/backend/internal/offline"
)

// Submitter delivers one locally-generated op to the room, typically over the
// websocket connection. It returns an error when the connection is down.
type Submitter func(op crdt.Op) error

// Replica is a single client's view of one document. It is not safe for
// concurrent use; drive it from the editor's event loop.
type Replica struct {
	clientID   string
	documentID string
	seq        *crdt.Sequence
	queue      *offline.Queue
	submit     Submitter
	online     bool
}

// New creates a replica for an empty document. Call Bootstrap to seed it from
// room history before editing an existing document.
func New(clientID, documentID string, queue *offline.Queue, submit Submitter) *Replica {
	return &Replica{
		clientID:   clientID,
		documentID: documentID,
		seq:        crdt.NewSequence(),
		queue:      queue,
		submit:     submit,
		online:     true,
	}
}

// Bootstrap replaces the local sequence with one rebuilt from room history,
// then replays any ops still sitting in the offline queue on top so edits
// made before the previous shutdown are not lost from the local view.
func (r *Replica) Bootstrap(ops []crdt.Op, floor crdt.Marker) error {
	seq, err := crdt.NewFromOps(ops, floor)
	if err != nil {
		return fmt.Errorf("bootstrap replica: %w", err)
	}
	r.seq = seq
	if r.queue == nil {
		return nil
	}
	pending, err := r.queue.Ops(r.documentID)
	if err != nil {
		return err
	}
	for _, op := range pending {
		if _, err := r.seq.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// Insert types content after the given element and relays or queues the op.
func (r *Replica) Insert(after crdt.ID, content string, attrs map[string]string) (crdt.Op, error) {
	op, err := r.seq.InsertAfter(r.clientID, after, content, attrs)
	if err != nil {
		return crdt.Op{}, err
	}
	return op, r.relay(op)
}

// Delete removes an element and relays or queues the op.
func (r *Replica) Delete(target crdt.ID) (crdt.Op, error) {
	op, err := r.seq.DeleteElement(r.clientID, target)
	if err != nil {
		return crdt.Op{}, err
	}
	return op, r.relay(op)
}

// Format rewrites an element's attributes and relays or queues the op.
func (r *Replica) Format(target crdt.ID, attrs map[string]string) (crdt.Op, error) {
	op, err := r.seq.FormatElement(r.clientID, target, attrs)
	if err != nil {
		return crdt.Op{}, err
	}
	return op, r.relay(op)
}

// ApplyRemote folds in an op received from the room.
func (r *Replica) ApplyRemote(op crdt.Op) error {
	_, err := r.seq.Apply(op)
	return err
}

// Disconnect switches the replica to offline mode: subsequent edits go to the
// queue instead of the submitter.
func (r *Replica) Disconnect() {
	r.online = false
}

// Reconnect reconciles after a connection comes back. The caller fetches the
// room's delta for r.Marker() first; Reconnect applies it, then drains the
// offline queue through submit. Either apply order would converge, but
// applying the delta first means queued inserts anchored on elements the room
// compacted away are rare rather than routine.
func (r *Replica) Reconnect(delta []crdt.Op, submit Submitter) error {
	for _, op := range delta {
		if _, err := r.seq.Apply(op); err != nil {
			return fmt.Errorf("apply reconnect delta: %w", err)
		}
	}
	if r.queue != nil {
		if err := r.queue.Drain(r.documentID, submit); err != nil {
			return fmt.Errorf("drain offline queue: %w", err)
		}
	}
	r.submit = submit
	r.online = true
	return nil
}

// Marker returns the version marker to send with a catch-up request.
func (r *Replica) Marker() crdt.Marker {
	return r.seq.Marker()
}

// Text returns the replica's current visible document text.
func (r *Replica) Text() string {
	return r.seq.VisibleText()
}

// Elements returns the visible elements in document order, for rendering.
func (r *Replica) Elements() []crdt.Element {
	return r.seq.VisibleElements()
}

func (r *Replica) relay(op crdt.Op) error {
	if r.online && r.submit != nil {
		err := r.submit(op)
		if err == nil {
			return nil
		}
		// Connection dropped mid-edit. Fall back to the queue so the op
		// survives until Reconnect.
		r.online = false
	}
	if r.queue == nil {
		return fmt.Errorf("offline with no queue, op %s:%d dropped", op.ID.Client, op.ID.Counter)
	}
	return r.queue.Enqueue(r.documentID, op)
}
