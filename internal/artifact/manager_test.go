package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/doccraft/internal/clock"
	"github.com/italolelis/doccraft/internal/storage"
	"github.com/italolelis/doccraft/internal/storage/fs"
	"github.com/italolelis/doccraft/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	manager  *Manager
	registry *memory.Registry
	store    *fs.Store
	clock    *clock.FakeClock
}

func newFixture(t *testing.T, ttl time.Duration, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		registry: memory.NewRegistry(),
		store:    fs.NewStore(filepath.Join(t.TempDir(), "doccraft")),
		clock:    clock.Fake(base),
	}

	opts = append([]Option{
		WithClock(f.clock),
		WithTTL(func() time.Duration { return ttl }),
		WithReaperInterval(2 * time.Minute),
	}, opts...)

	f.manager = New(f.registry, f.store, opts...)

	return f
}

func (f *fixture) read(t *testing.T, rec storage.ArtifactRecord) string {
	t.Helper()

	rc, err := f.manager.Open(context.Background(), rec)
	require.NoError(t, err)

	defer rc.Close()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)

	return string(body)
}

func TestManager_PublishRedeemOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Second)

	desc, err := f.manager.Publish(ctx, []byte("hello"), "x.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "/download/"+desc.ID, desc.URL)
	assert.Equal(t, int64(1), desc.TTLSeconds)
	assert.Equal(t, "x.pdf", desc.Filename)

	rec, err := f.manager.Redeem(ctx, desc.ID)
	require.NoError(t, err)
	assert.Equal(t, "x.pdf", rec.DisplayName)
	assert.Equal(t, "application/pdf", rec.ContentType)
	assert.Equal(t, "hello", f.read(t, rec))

	f.manager.Release(ctx, rec)

	_, err = f.manager.Redeem(ctx, desc.ID)
	require.ErrorIs(t, err, ErrNotAvailable)

	assert.Zero(t, f.registry.Len())
	assert.NoFileExists(t, rec.StorageLocation)
}

func TestManager_RedeemAfterExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Second)

	desc, err := f.manager.Publish(ctx, []byte("hello"), "x.pdf", "application/pdf")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)

	_, err = f.manager.Redeem(ctx, desc.ID)
	require.ErrorIs(t, err, ErrNotAvailable)
}

func TestManager_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Second)

	before, err := f.manager.Publish(ctx, []byte("a"), "a.pdf", "application/pdf")
	require.NoError(t, err)
	at, err := f.manager.Publish(ctx, []byte("b"), "b.pdf", "application/pdf")
	require.NoError(t, err)

	f.clock.Advance(time.Second - time.Millisecond)

	_, err = f.manager.Redeem(ctx, before.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Millisecond)

	_, err = f.manager.Redeem(ctx, at.ID)
	require.ErrorIs(t, err, ErrNotAvailable)
}

func TestManager_ConcurrentPublishesAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	const n = 50

	descs := make([]*Descriptor, n)

	var g errgroup.Group

	for i := range n {
		g.Go(func() error {
			desc, err := f.manager.Publish(ctx, []byte{byte(i)}, "part.pdf", "application/pdf")
			descs[i] = desc

			return err
		})
	}

	require.NoError(t, g.Wait())

	seen := make(map[string]struct{}, n)
	for _, desc := range descs {
		seen[desc.ID] = struct{}{}
	}

	require.Len(t, seen, n)

	for i, desc := range descs {
		rec, err := f.manager.Redeem(ctx, desc.ID)
		require.NoError(t, err)
		assert.Equal(t, string([]byte{byte(i)}), f.read(t, rec))

		_, err = f.manager.Redeem(ctx, desc.ID)
		require.ErrorIs(t, err, ErrNotAvailable)
	}
}

func TestManager_UnknownHandle(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.manager.Redeem(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, ErrNotAvailable)
}

func TestManager_ConcurrentRedeemHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	desc, err := f.manager.Publish(ctx, []byte("hello"), "x.pdf", "application/pdf")
	require.NoError(t, err)

	const callers = 16

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)

	start := make(chan struct{})

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			_, err := f.manager.Redeem(ctx, desc.ID)
			if err == nil {
				wins.Add(1)

				return
			}

			assert.ErrorIs(t, err, ErrNotAvailable)
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestManager_PathPrefixAndTTLFallback(t *testing.T) {
	f := newFixture(t, 0, WithPathPrefix("/api/"))

	desc, err := f.manager.Publish(context.Background(), []byte("x"), "x.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "/api/download/"+desc.ID, desc.URL)
	assert.Equal(t, int64(DefaultTTL/time.Second), desc.TTLSeconds)

	rec, err := f.registry.Get(context.Background(), desc.ID)
	require.NoError(t, err)
	assert.True(t, rec.ExpiresAt.Equal(base.Add(DefaultTTL)))
}

func TestManager_PublishStorageWriteFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	registry := memory.NewRegistry()
	m := New(registry, fs.NewStore(filepath.Join(blocker, "store")))

	_, err := m.Publish(context.Background(), []byte("hello"), "x.pdf", "application/pdf")

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "write", storageErr.Operation)
	assert.Zero(t, registry.Len())
}

type failingRegistry struct {
	storage.Registry
}

func (failingRegistry) Insert(context.Context, storage.ArtifactRecord) error {
	return errors.New("registry unavailable")
}

func TestManager_PublishRegisterFailureRemovesBytes(t *testing.T) {
	root := t.TempDir()
	m := New(failingRegistry{memory.NewRegistry()}, fs.NewStore(root))

	_, err := m.Publish(context.Background(), []byte("hello"), "x.pdf", "application/pdf")

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "register", storageErr.Operation)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_OpenVanishedFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	desc, err := f.manager.Publish(ctx, []byte("hello"), "x.pdf", "application/pdf")
	require.NoError(t, err)

	rec, err := f.manager.Redeem(ctx, desc.ID)
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.StorageLocation))

	_, err = f.manager.Open(ctx, rec)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "read", storageErr.Operation)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_ReapReclaimsConsumedAndExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	consumed, err := f.manager.Publish(ctx, []byte("a"), "a.pdf", "application/pdf")
	require.NoError(t, err)
	expired, err := f.manager.Publish(ctx, []byte("b"), "b.pdf", "application/pdf")
	require.NoError(t, err)

	consumedRec, err := f.manager.Redeem(ctx, consumed.ID)
	require.NoError(t, err)

	expiredRec, err := f.registry.Get(ctx, expired.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, f.manager.Reap(ctx), "only the consumed record is dead before expiry")

	f.clock.Advance(time.Minute)
	f.manager.Release(ctx, storage.ArtifactRecord{ID: "already-gone", StorageLocation: consumedRec.StorageLocation})

	assert.Equal(t, 1, f.manager.Reap(ctx))
	assert.Zero(t, f.registry.Len())
	assert.NoFileExists(t, consumedRec.StorageLocation)
	assert.NoFileExists(t, expiredRec.StorageLocation)
}

// flakyStore fails removal of one location and delegates everything else.
type flakyStore struct {
	*fs.Store
	failing string
}

func (s *flakyStore) Remove(ctx context.Context, location string) error {
	if location == s.failing {
		return errors.New("device busy")
	}

	return s.Store.Remove(ctx, location)
}

func TestManager_ReapContinuesPastRemoveFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	a, err := f.manager.Publish(ctx, []byte("a"), "a.pdf", "application/pdf")
	require.NoError(t, err)
	b, err := f.manager.Publish(ctx, []byte("b"), "b.pdf", "application/pdf")
	require.NoError(t, err)

	aRec, err := f.registry.Get(ctx, a.ID)
	require.NoError(t, err)
	bRec, err := f.registry.Get(ctx, b.ID)
	require.NoError(t, err)

	m := New(f.registry, &flakyStore{Store: f.store, failing: aRec.StorageLocation}, WithClock(f.clock))

	f.clock.Advance(time.Hour)

	assert.Equal(t, 2, m.Reap(ctx))
	assert.Zero(t, f.registry.Len())
	assert.FileExists(t, aRec.StorageLocation)
	assert.NoFileExists(t, bRec.StorageLocation)

	// The leftover has no record now and is picked up as an orphan once old enough.
	old := base.Add(-time.Hour)
	require.NoError(t, os.Chtimes(aRec.StorageLocation, old, old))

	assert.Equal(t, 0, f.manager.Reap(ctx))
	assert.NoFileExists(t, aRec.StorageLocation)
}

func TestManager_ReapToleratesMissingFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	desc, err := f.manager.Publish(ctx, []byte("a"), "a.pdf", "application/pdf")
	require.NoError(t, err)

	rec, err := f.manager.Redeem(ctx, desc.ID)
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.StorageLocation))

	assert.Equal(t, 1, f.manager.Reap(ctx))
	assert.Equal(t, 0, f.manager.Reap(ctx))
}

func TestManager_StartSweepsOrphansFromPreviousRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	require.NoError(t, f.store.Init(ctx))

	leftover, err := f.store.Write(ctx, uuid.NewString(), "old.pdf", []byte("stale"))
	require.NoError(t, err)

	recent, err := f.store.Write(ctx, uuid.NewString(), "new.pdf", []byte("fresh"))
	require.NoError(t, err)

	old := base.Add(-time.Hour)
	require.NoError(t, os.Chtimes(leftover, old, old))
	require.NoError(t, os.Chtimes(recent, base, base))

	require.NoError(t, f.manager.Start(ctx))
	t.Cleanup(f.manager.Close)

	assert.NoFileExists(t, leftover)
	assert.FileExists(t, recent)
}

func TestManager_ReaperRunsOnInterval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	require.NoError(t, f.manager.Start(ctx))
	t.Cleanup(f.manager.Close)

	desc, err := f.manager.Publish(ctx, []byte("a"), "a.pdf", "application/pdf")
	require.NoError(t, err)

	rec, err := f.registry.Get(ctx, desc.ID)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		return f.registry.Len() == 0
	}, time.Second, 5*time.Millisecond)

	assert.NoFileExists(t, rec.StorageLocation)
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	f.manager.Close()

	require.NoError(t, f.manager.Start(ctx))
	require.Error(t, f.manager.Start(ctx))
	assert.Equal(t, 1, f.clock.Tickers())

	f.manager.Close()
	f.manager.Close()
	assert.Zero(t, f.clock.Tickers())

	require.NoError(t, f.manager.Start(ctx), "a closed manager can be started again")
	f.manager.Close()
}

func TestManager_StartFailsWhenStoreCannotInit(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	m := New(memory.NewRegistry(), fs.NewStore(filepath.Join(blocker, "store")))

	require.Error(t, m.Start(context.Background()))
	m.Close()
}

func TestManager_DuplicateIDIsRejected(t *testing.T) {
	ctx := context.Background()
	id := uuid.NewString()
	f := newFixture(t, time.Minute, WithIDGenerator(func() string { return id }))

	first, err := f.manager.Publish(ctx, []byte("a"), "a.pdf", "application/pdf")
	require.NoError(t, err)

	_, err = f.manager.Publish(ctx, []byte("b"), "b.pdf", "application/pdf")

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "register", storageErr.Operation)
	require.ErrorIs(t, err, storage.ErrDuplicateID)

	rec, err := f.manager.Redeem(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", f.read(t, rec))

	objects, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}
