// Package store persists compacted document snapshots. The engine treats it
// as a black-box collaborator: load on first join, save on flush.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/coscribe/backend/internal/crdt"
)

// ErrMarkerRegression is returned when a save would overwrite a snapshot
// with an older version marker. Persisted state never regresses.
var ErrMarkerRegression = errors.New("snapshot marker regresses persisted state")

// Snapshot is the durable form of a document: its compacted sequence as
// replayable ops, the version marker it covers, and the compaction floor in
// effect when it was exported.
type Snapshot struct {
	DocumentID string      `json:"documentId"`
	Ops        []crdt.Op   `json:"ops"`
	Marker     crdt.Marker `json:"marker"`
	Floor      crdt.Marker `json:"floor,omitempty"`
	SavedAt    time.Time   `json:"savedAt"`
}

// DocumentStore loads and saves snapshots by document id.
type DocumentStore interface {
	// LoadSnapshot returns nil, nil when no snapshot exists.
	LoadSnapshot(ctx context.Context, documentID string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
}
