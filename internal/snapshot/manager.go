// Package snapshot debounces durable persistence of dirty rooms. A failed
// persist is retried with exponential backoff and never blocks live editing;
// until a flush succeeds the in-memory sequence remains the source of truth.
package snapshot

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/coscribe/backend/internal/store"
)

// Exporter produces the durable snapshot of an active room. ok is false when
// the room drained between the dirty mark and the flush.
type Exporter func(documentID string) (snap *store.Snapshot, ok bool)

// StatusFunc receives non-blocking "syncing"/"saved" signals for a document.
type StatusFunc func(documentID, status string)

const (
	StatusSyncing = "syncing"
	StatusSaved   = "saved"
)

type Config struct {
	// Debounce is the minimum gap between persists of the same document.
	Debounce time.Duration
	// Tick is how often dirty documents are examined.
	Tick time.Duration
	// MaxRetries bounds the backoff attempts within one flush; the document
	// stays dirty and is picked up again on a later tick. Must be at least 1.
	MaxRetries uint64
	// RetryInterval seeds the exponential backoff between attempts.
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:      2 * time.Second,
		Tick:          500 * time.Millisecond,
		MaxRetries:    4,
		RetryInterval: 250 * time.Millisecond,
	}
}

type Manager struct {
	store  store.DocumentStore
	export Exporter
	status StatusFunc
	config Config

	mu        sync.Mutex
	dirty     map[string]struct{}
	lastFlush map[string]time.Time
	inflight  map[string]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(st store.DocumentStore, export Exporter, status StatusFunc, config Config) *Manager {
	if status == nil {
		status = func(string, string) {}
	}
	return &Manager{
		store:     st,
		export:    export,
		status:    status,
		config:    config,
		dirty:     make(map[string]struct{}),
		lastFlush: make(map[string]time.Time),
		inflight:  make(map[string]struct{}),
		stop:      make(chan struct{}),
	}
}

func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
	log.Printf("💾 Snapshot manager started (debounce: %v)", m.config.Debounce)
}

func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
	m.flushDue(true)
	log.Println("💾 Snapshot manager stopped")
}

// MarkDirty schedules a document for a debounced flush.
func (m *Manager) MarkDirty(documentID string) {
	m.mu.Lock()
	_, already := m.dirty[documentID]
	m.dirty[documentID] = struct{}{}
	m.mu.Unlock()
	if !already {
		m.status(documentID, StatusSyncing)
	}
}

// FlushSnapshot persists one snapshot synchronously with bounded backoff.
// Rooms use it for the final flush while draining.
func (m *Manager) FlushSnapshot(snap *store.Snapshot) error {
	m.mu.Lock()
	delete(m.dirty, snap.DocumentID)
	m.mu.Unlock()
	return m.persist(snap)
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.flushDue(false)
		}
	}
}

// flushDue flushes every dirty document whose debounce window has elapsed.
// Each document flushes on its own goroutine so one slow or failing store
// call cannot hold up the others. With force set (shutdown) the window is
// ignored and flushes run inline.
func (m *Manager) flushDue(force bool) {
	now := time.Now()

	m.mu.Lock()
	due := make([]string, 0, len(m.dirty))
	for documentID := range m.dirty {
		if _, busy := m.inflight[documentID]; busy {
			continue
		}
		if force || now.Sub(m.lastFlush[documentID]) >= m.config.Debounce {
			m.inflight[documentID] = struct{}{}
			due = append(due, documentID)
		}
	}
	m.mu.Unlock()

	for _, documentID := range due {
		if force {
			m.flushDoc(documentID)
			m.clearInflight(documentID)
			continue
		}
		m.wg.Add(1)
		go func(id string) {
			defer m.wg.Done()
			m.flushDoc(id)
			m.clearInflight(id)
		}(documentID)
	}
}

func (m *Manager) clearInflight(documentID string) {
	m.mu.Lock()
	delete(m.inflight, documentID)
	m.mu.Unlock()
}

func (m *Manager) flushDoc(documentID string) {
	snap, ok := m.export(documentID)
	if !ok {
		// Room drained; its final flush already happened.
		m.mu.Lock()
		delete(m.dirty, documentID)
		m.mu.Unlock()
		return
	}

	if err := m.persist(snap); err != nil {
		// Still dirty; the next tick tries again. Editing is unaffected.
		log.Printf("Snapshot flush failed for %s, will retry: %v", documentID, err)
		m.status(documentID, StatusSyncing)
		return
	}

	m.mu.Lock()
	delete(m.dirty, documentID)
	m.lastFlush[documentID] = time.Now()
	m.mu.Unlock()
	m.status(documentID, StatusSaved)
}

func (m *Manager) persist(snap *store.Snapshot) error {
	attempt := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := m.store.SaveSnapshot(ctx, snap)
		if errors.Is(err, store.ErrMarkerRegression) {
			// Someone already persisted newer state; nothing to do.
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	if m.config.RetryInterval > 0 {
		b.InitialInterval = m.config.RetryInterval
	}
	err := backoff.Retry(attempt, backoff.WithMaxRetries(b, m.config.MaxRetries))
	if errors.Is(err, store.ErrMarkerRegression) {
		return nil
	}
	return err
}
