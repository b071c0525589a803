// Package artifact manages the lifecycle of published artifacts: it stores
// their bytes, issues single-use expiring handles and reclaims both once a
// handle is consumed or has expired.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/doccraft/internal/cleanup"
	"github.com/italolelis/doccraft/internal/clock"
	"github.com/italolelis/doccraft/internal/logctx"
	"github.com/italolelis/doccraft/internal/storage"
	"github.com/italolelis/doccraft/internal/telemetry"
)

// Descriptor is returned to the producer of an artifact and relayed to the
// end user.
type Descriptor struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	TTLSeconds int64  `json:"ttlSeconds"`
	Filename   string `json:"filename"`
}

// Manager owns the registry, the transient store and the reaper.
type Manager struct {
	registry       storage.Registry
	store          storage.TransientStore
	clock          clock.Clock
	ttl            func() time.Duration
	reaperInterval time.Duration
	telemetry      *telemetry.Telemetry
	pathPrefix     string
	newID          func() string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(registry storage.Registry, store storage.TransientStore, opts ...Option) *Manager {
	m := &Manager{
		registry:       registry,
		store:          store,
		clock:          clock.Real(),
		ttl:            func() time.Duration { return DefaultTTL },
		reaperInterval: DefaultReaperInterval,
		newID:          uuid.NewString,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start prepares the transient store, runs one sweep and starts the reaper.
// The reaper stops when ctx is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		return errors.New("artifact manager already started")
	}

	if err := m.store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize transient store: %w", err)
	}

	m.Reap(ctx)

	ctx, cancel := context.WithCancel(ctx)
	ticker := m.clock.NewTicker(m.reaperInterval)

	m.cancel = cancel
	m.done = make(chan struct{})

	go m.runReaper(ctx, ticker, m.done)

	return nil
}

// Close stops the reaper and waits for an in-progress sweep to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done == nil {
		return
	}

	m.cancel()
	<-m.done

	m.cancel = nil
	m.done = nil
}

func (m *Manager) runReaper(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	logger := logctx.LoggerFromContext(ctx)

	defer close(done)
	defer ticker.Stop()

	logger.InfoContext(ctx, "artifact reaper started", "interval", m.reaperInterval)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "artifact reaper shutdown", "reason", "context_cancelled")

			return
		case <-ticker.C:
			m.reapSafely(ctx)
		}
	}
}

func (m *Manager) reapSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "artifact reaper panic",
				"operation", "reap",
				"panic", r,
				"stack", string(debug.Stack()))

			m.telemetry.RecordSystemError("reaper", "panic")
		}
	}()

	m.Reap(ctx)
}

// Reap removes every consumed or expired record together with its stored
// bytes, then deletes stored objects left without a record. It returns the
// number of records reclaimed. Failures are logged and never abort the sweep.
func (m *Manager) Reap(ctx context.Context) int {
	logger := logctx.LoggerFromContext(ctx)
	now := m.clock.Now()

	records, err := m.registry.RemoveExpiredOrConsumed(ctx, now)
	if err != nil {
		logger.ErrorContext(ctx, "failed to sweep registry", "err", err)
		m.telemetry.RecordSystemError("reaper", "registry_sweep")
	}

	for _, rec := range records {
		m.removeStored(ctx, rec)
	}

	m.telemetry.RecordReclaim("swept", len(records))

	orphans, err := cleanup.SweepOrphans(ctx, m.registry, m.store, now.Add(-m.reaperInterval))
	if err != nil {
		logger.ErrorContext(ctx, "failed to sweep orphaned objects", "err", err)
		m.telemetry.RecordSystemError("reaper", "orphan_sweep")
	}

	m.telemetry.RecordReclaim("orphan", orphans)

	if len(records) > 0 || orphans > 0 {
		logger.InfoContext(ctx, "reclaimed artifacts", "records", len(records), "orphans", orphans)
	}

	return len(records)
}

// Publish stores data and registers a handle for it that can be redeemed
// once before the configured TTL elapses.
func (m *Manager) Publish(ctx context.Context, data []byte, filename, mime string) (*Descriptor, error) {
	var desc *Descriptor

	err := m.telemetry.InstrumentOperation(ctx, "artifact_publish", "artifact", func(ctx context.Context) error {
		var err error

		desc, err = m.publish(ctx, data, filename, mime)

		return err
	})

	return desc, err
}

func (m *Manager) publish(ctx context.Context, data []byte, filename, mime string) (*Descriptor, error) {
	logger := logctx.LoggerFromContext(ctx)
	id := m.newID()

	location, err := m.store.Write(ctx, id, filename, data)
	if err != nil {
		return nil, &StorageError{Operation: "write", Err: err}
	}

	ttl := m.ttl()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	rec := storage.ArtifactRecord{
		ID:              id,
		StorageLocation: location,
		DisplayName:     filename,
		ContentType:     mime,
		ExpiresAt:       m.clock.Now().Add(ttl),
	}

	if err := m.registry.Insert(ctx, rec); err != nil {
		m.removeStored(ctx, rec)

		return nil, &StorageError{Operation: "register", Location: location, Err: err}
	}

	m.telemetry.RecordPublish(mime, len(data))

	logger.DebugContext(ctx, "artifact published",
		"artifact_id", id,
		"filename", filename,
		"content_type", mime,
		"size", humanize.Bytes(uint64(len(data))),
		"expires_at", rec.ExpiresAt)

	return &Descriptor{
		ID:         id,
		URL:        m.pathPrefix + "/download/" + id,
		TTLSeconds: int64(ttl.Round(time.Second) / time.Second),
		Filename:   filename,
	}, nil
}

// Redeem consumes the handle id. It succeeds at most once per handle and
// only before the handle expires; every other call returns ErrNotAvailable.
func (m *Manager) Redeem(ctx context.Context, id string) (storage.ArtifactRecord, error) {
	rec, err := m.registry.MarkConsumedIfEligible(ctx, id, m.clock.Now())

	switch {
	case err == nil:
		m.telemetry.RecordRedeem("success")

		return rec, nil
	case errors.Is(err, storage.ErrNotFound):
		m.telemetry.RecordRedeem("not_available")

		return storage.ArtifactRecord{}, ErrNotAvailable
	default:
		m.telemetry.RecordRedeem("error")

		return storage.ArtifactRecord{}, fmt.Errorf("failed to redeem artifact: %w", err)
	}
}

// Open returns the stored bytes of a redeemed record.
func (m *Manager) Open(ctx context.Context, rec storage.ArtifactRecord) (io.ReadCloser, error) {
	rc, err := m.store.Open(ctx, rec.StorageLocation)
	if err != nil {
		return nil, &StorageError{Operation: "read", Location: rec.StorageLocation, Err: err}
	}

	return rc, nil
}

// Release drops a redeemed record and its bytes once delivery has ended,
// successfully or not. It is best effort: anything it misses is left for the
// reaper. It keeps running when ctx is cancelled by a client disconnect.
func (m *Manager) Release(ctx context.Context, rec storage.ArtifactRecord) {
	ctx = context.WithoutCancel(ctx)

	m.removeStored(ctx, rec)

	removed, err := m.registry.Remove(ctx, rec.ID)
	if err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "failed to remove registry entry",
			"artifact_id", rec.ID, "err", err)

		return
	}

	// A concurrent sweep that already took the entry has counted it.
	if removed {
		m.telemetry.RecordReclaim("released", 1)
	}
}

func (m *Manager) removeStored(ctx context.Context, rec storage.ArtifactRecord) {
	if err := m.store.Remove(ctx, rec.StorageLocation); err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "failed to remove stored artifact",
			"artifact_id", rec.ID, "location", rec.StorageLocation, "err", err)
	}
}
