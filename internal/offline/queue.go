// Package offline is the client-side durable queue for disconnected editing.
// Local edits land here while the connection is down and are replayed through
// the relay on reconnect, exactly as if they had been submitted live. The
// merge engine needs no offline mode: replay order does not matter and
// duplicates are no-ops.
package offline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coscribe/backend/internal/crdt"
)

// Queue is a per-document FIFO of pending operations backed by bbolt, one
// bucket per document. FIFO matters: version markers summarize each client's
// ops by max counter, so a client's own ops must reach the room in counter
// order.
type Queue struct {
	db *bolt.DB
}

func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends one locally-generated op for later replay.
func (q *Queue) Enqueue(documentID string, op crdt.Op) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

// Pending returns the number of queued ops for a document.
func (q *Queue) Pending(documentID string) (int, error) {
	count := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(documentID))
		if b == nil {
			return nil
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

// Ops returns the queued ops for a document in insertion order without
// removing them.
func (q *Queue) Ops(documentID string) ([]crdt.Op, error) {
	var ops []crdt.Op
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(documentID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var op crdt.Op
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			ops = append(ops, op)
			return nil
		})
	})
	return ops, err
}

// Drain replays queued ops in insertion order through submit, deleting each
// entry only after it was accepted. A crash between submit and delete means
// the op is replayed again later; the sequence's idempotent apply makes that
// harmless. Drain stops at the first submit error, keeping the remainder
// queued.
func (q *Queue) Drain(documentID string, submit func(crdt.Op) error) error {
	for {
		var key []byte
		var op crdt.Op

		err := q.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(documentID))
			if b == nil {
				return nil
			}
			k, v := b.Cursor().First()
			if k == nil {
				return nil
			}
			key = append([]byte(nil), k...)
			return json.Unmarshal(v, &op)
		})
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}

		if err := submit(op); err != nil {
			return err
		}

		err = q.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(documentID))
			if b == nil {
				return nil
			}
			return b.Delete(key)
		})
		if err != nil {
			return err
		}
	}
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
