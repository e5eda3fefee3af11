package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the embedded snapshot store used by the server.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL keeps flushes from blocking concurrent loads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		document_id TEXT PRIMARY KEY,
		ops BLOB NOT NULL,
		marker BLOB NOT NULL,
		floor BLOB,
		saved_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	log.Printf("Snapshot store initialized at %s", path)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) LoadSnapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT ops, marker, floor, saved_at FROM snapshots WHERE document_id = ?",
		documentID,
	)

	var opsData, markerData, floorData []byte
	var savedAt time.Time
	err := row.Scan(&opsData, &markerData, &floorData, &savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{DocumentID: documentID, SavedAt: savedAt}
	if err := json.Unmarshal(opsData, &snap.Ops); err != nil {
		return nil, fmt.Errorf("corrupt snapshot ops for %s: %w", documentID, err)
	}
	if err := json.Unmarshal(markerData, &snap.Marker); err != nil {
		return nil, fmt.Errorf("corrupt snapshot marker for %s: %w", documentID, err)
	}
	if len(floorData) > 0 {
		if err := json.Unmarshal(floorData, &snap.Floor); err != nil {
			return nil, fmt.Errorf("corrupt snapshot floor for %s: %w", documentID, err)
		}
	}
	return snap, nil
}

func (s *SQLite) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	existing, err := s.LoadSnapshot(ctx, snap.DocumentID)
	if err != nil {
		// An unreadable previous snapshot should not wedge saving forever;
		// overwrite it.
		log.Printf("Overwriting unreadable snapshot for %s: %v", snap.DocumentID, err)
	} else if existing != nil && !snap.Marker.CoversAll(existing.Marker) {
		return ErrMarkerRegression
	}

	opsData, err := json.Marshal(snap.Ops)
	if err != nil {
		return err
	}
	markerData, err := json.Marshal(snap.Marker)
	if err != nil {
		return err
	}
	floorData, err := json.Marshal(snap.Floor)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, ops, marker, floor, saved_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(document_id) DO UPDATE SET
			ops = excluded.ops,
			marker = excluded.marker,
			floor = excluded.floor,
			saved_at = CURRENT_TIMESTAMP
	`, snap.DocumentID, opsData, markerData, floorData)
	return err
}
