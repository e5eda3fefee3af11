package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/coscribe/backend/internal/crdt"
)

func setupStore(t *testing.T) *SQLite {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "coscribe-store-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := NewSQLite(filepath.Join(tmpDir, "snapshots.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadMissingSnapshot(t *testing.T) {
	s := setupStore(t)

	snap, err := s.LoadSnapshot(context.Background(), "nope")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil for missing snapshot, got %+v", snap)
	}
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seq := crdt.NewSequence()
	seq.InsertAfter("u1", crdt.Head, "Hello", nil)

	in := &Snapshot{
		DocumentID: "doc-1",
		Ops:        seq.Ops(),
		Marker:     seq.Marker(),
		Floor:      seq.Floor(),
	}
	if err := s.SaveSnapshot(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := s.LoadSnapshot(ctx, "doc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out == nil {
		t.Fatal("expected snapshot")
	}

	rebuilt, err := crdt.NewFromOps(out.Ops, out.Floor)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := rebuilt.VisibleText(); got != "Hello" {
		t.Fatalf("expected %q, got %q", "Hello", got)
	}
	if out.Marker["u1"] != 1 {
		t.Fatalf("marker not persisted: %v", out.Marker)
	}
}

func TestMarkerNeverRegresses(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	newer := &Snapshot{DocumentID: "doc-1", Marker: crdt.Marker{"u1": 5}}
	if err := s.SaveSnapshot(ctx, newer); err != nil {
		t.Fatalf("save newer: %v", err)
	}

	older := &Snapshot{DocumentID: "doc-1", Marker: crdt.Marker{"u1": 3}}
	if err := s.SaveSnapshot(ctx, older); err != ErrMarkerRegression {
		t.Fatalf("expected ErrMarkerRegression, got %v", err)
	}

	out, err := s.LoadSnapshot(ctx, "doc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Marker["u1"] != 5 {
		t.Fatalf("persisted state regressed: %v", out.Marker)
	}
}
