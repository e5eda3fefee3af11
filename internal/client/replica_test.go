package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/coscribe/backend/internal/crdt"
	"github.com/coscribe/backend/internal/offline"
	"github.com/coscribe/backend/internal/protocol"
	"github.com/coscribe/backend/internal/room"
	"github.com/coscribe/backend/internal/store"
)

type nullStore struct{}

func (nullStore) LoadSnapshot(ctx context.Context, documentID string) (*store.Snapshot, error) {
	return nil, nil
}

func (nullStore) SaveSnapshot(ctx context.Context, snap *store.Snapshot) error { return nil }

func openQueue(t *testing.T) *offline.Queue {
	t.Helper()
	dir, err := os.MkdirTemp("", "replica-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	q, err := offline.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func typeText(t *testing.T, r *Replica, text string) {
	t.Helper()
	after := crdt.Head
	for _, ch := range text {
		op, err := r.Insert(after, string(ch), nil)
		if err != nil {
			t.Fatalf("insert %q: %v", ch, err)
		}
		after = op.ID
	}
}

// An online user keeps editing while another user edits the same document
// offline. After reconnect both the replica and the room must hold the same
// text.
func TestOfflineEditThenReconnectConverges(t *testing.T) {
	mgr := room.NewManager(nullStore{}, nil)
	defer mgr.DrainAll()

	out := make(chan protocol.ServerMessage, 64)
	info, err := mgr.Join(context.Background(), "doc-1", room.User{ID: "alice", Name: "Alice"}, out)
	if err != nil {
		t.Fatal(err)
	}

	alice := New("alice", "doc-1", nil, func(op crdt.Op) error {
		return mgr.SubmitOp("doc-1", info.SessionID, op)
	})
	typeText(t, alice, "Hi")

	bob := New("bob", "doc-1", openQueue(t), nil)
	bob.Disconnect()
	typeText(t, bob, "Yo")

	// Bob comes back: join, fetch the delta for his marker, reconcile.
	bobOut := make(chan protocol.ServerMessage, 64)
	bobInfo, err := mgr.Join(context.Background(), "doc-1", room.User{ID: "bob", Name: "Bob"}, bobOut)
	if err != nil {
		t.Fatal(err)
	}
	delta, _, err := mgr.SyncSince("doc-1", bobInfo.SessionID, bob.Marker())
	if err != nil {
		t.Fatal(err)
	}
	err = bob.Reconnect(delta, func(op crdt.Op) error {
		return mgr.SubmitOp("doc-1", bobInfo.SessionID, op)
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := bob.Text(); got != "HiYo" {
		t.Fatalf("replica text = %q, want %q", got, "HiYo")
	}

	// Alice catches up on Bob's replayed edits and must see the same text.
	aliceDelta, _, err := mgr.SyncSince("doc-1", info.SessionID, alice.Marker())
	if err != nil {
		t.Fatal(err)
	}
	for _, op := range aliceDelta {
		if err := alice.ApplyRemote(op); err != nil {
			t.Fatal(err)
		}
	}
	if got := alice.Text(); got != "HiYo" {
		t.Fatalf("alice text = %q, want %q", got, "HiYo")
	}
}

// Edits queued while offline survive a process restart: a fresh replica
// bootstrapped from room history replays the queue on top of it.
func TestBootstrapReplaysQueuedEdits(t *testing.T) {
	q := openQueue(t)

	first := New("carol", "doc-2", q, nil)
	first.Disconnect()
	typeText(t, first, "abc")

	pending, err := q.Pending("doc-2")
	if err != nil {
		t.Fatal(err)
	}
	if pending != 3 {
		t.Fatalf("pending = %d, want 3", pending)
	}

	// Simulated restart: new replica, same queue, empty room history.
	second := New("carol", "doc-2", q, nil)
	second.Disconnect()
	if err := second.Bootstrap(nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := second.Text(); got != "abc" {
		t.Fatalf("text after bootstrap = %q, want %q", got, "abc")
	}

	// The restarted replica must allocate fresh ids past the queued ones.
	typeText(t, second, "!")
	if pending, _ = q.Pending("doc-2"); pending != 4 {
		t.Fatalf("pending = %d, want 4", pending)
	}
}

// A submitter failure mid-session flips the replica offline and the op lands
// in the queue instead of being lost.
func TestSubmitFailureFallsBackToQueue(t *testing.T) {
	q := openQueue(t)

	calls := 0
	r := New("dave", "doc-3", q, func(op crdt.Op) error {
		calls++
		return os.ErrDeadlineExceeded
	})

	if _, err := r.Insert(crdt.Head, "x", nil); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("submit calls = %d, want 1", calls)
	}

	// Already offline now; the submitter must not be tried again.
	if _, err := r.Insert(crdt.Head, "y", nil); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("submit calls = %d, want 1", calls)
	}
	pending, err := q.Pending("doc-3")
	if err != nil {
		t.Fatal(err)
	}
	if pending != 2 {
		t.Fatalf("pending = %d, want 2", pending)
	}
}
