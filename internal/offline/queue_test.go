package offline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/coscribe/backend/internal/crdt"
)

func queuePath(t *testing.T) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "coscribe-offline-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })
	return filepath.Join(tmpDir, "queue.db")
}

func openQueue(t *testing.T, path string) *Queue {
	t.Helper()
	q, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return q
}

func insertOp(counter uint64, content string) crdt.Op {
	return crdt.Op{
		ID:      crdt.ID{Client: "u1", Counter: counter},
		Type:    crdt.OpInsert,
		After:   crdt.Head,
		Content: content,
	}
}

func TestDrainReplaysInOrder(t *testing.T) {
	q := openQueue(t, queuePath(t))
	defer q.Close()

	for i, content := range []string{"a", "b", "c"} {
		if err := q.Enqueue("doc-1", insertOp(uint64(i+1), content)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var replayed []string
	err := q.Drain("doc-1", func(op crdt.Op) error {
		replayed = append(replayed, op.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(replayed) != 3 || replayed[0] != "a" || replayed[2] != "c" {
		t.Fatalf("wrong replay order: %v", replayed)
	}

	n, err := q.Pending("doc-1")
	if err != nil || n != 0 {
		t.Fatalf("queue not emptied: n=%d err=%v", n, err)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := queuePath(t)

	q := openQueue(t, path)
	if err := q.Enqueue("doc-1", insertOp(1, "offline edit")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Close()

	q = openQueue(t, path)
	defer q.Close()

	n, err := q.Pending("doc-1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 surviving op, got %d", n)
	}
}

func TestDrainStopsOnSubmitError(t *testing.T) {
	q := openQueue(t, queuePath(t))
	defer q.Close()

	for i := uint64(1); i <= 3; i++ {
		if err := q.Enqueue("doc-1", insertOp(i, "x")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	calls := 0
	wantErr := errors.New("connection dropped")
	err := q.Drain("doc-1", func(crdt.Op) error {
		calls++
		if calls == 2 {
			return wantErr
		}
		return nil
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected submit error, got %v", err)
	}

	// The failed op and everything after it stay queued for the next drain.
	n, _ := q.Pending("doc-1")
	if n != 2 {
		t.Fatalf("expected 2 ops retained, got %d", n)
	}
}

func TestQueuesAreIsolatedPerDocument(t *testing.T) {
	q := openQueue(t, queuePath(t))
	defer q.Close()

	q.Enqueue("doc-1", insertOp(1, "a"))
	q.Enqueue("doc-2", insertOp(1, "b"))

	if err := q.Drain("doc-1", func(crdt.Op) error { return nil }); err != nil {
		t.Fatalf("drain: %v", err)
	}

	n, _ := q.Pending("doc-2")
	if n != 1 {
		t.Fatalf("drain leaked across documents: %d", n)
	}
}
