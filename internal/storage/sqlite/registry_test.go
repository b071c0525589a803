package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/doccraft/internal/storage"
	"github.com/italolelis/doccraft/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, path string) *Registry {
	t.Helper()

	db, err := InitDB(path)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return NewRegistry(db)
}

func TestRegistry(t *testing.T) {
	storagetest.RunRegistrySuite(t, func(t *testing.T) storage.Registry {
		return newTestRegistry(t, ":memory:")
	})
}

func TestRegistry_FileDatabaseSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts.db")
	ctx := context.Background()
	rec := storagetest.NewRecord("00000000-0000-4000-8000-0000000000f1", time.Minute)

	first := newTestRegistry(t, path)
	require.NoError(t, first.Insert(ctx, rec))
	require.NoError(t, first.db.Close())

	second := newTestRegistry(t, path)

	got, err := second.MarkConsumedIfEligible(ctx, rec.ID, storagetest.Base)
	require.NoError(t, err)
	storagetest.AssertSameRecord(t, storage.ArtifactRecord{
		ID:              rec.ID,
		StorageLocation: rec.StorageLocation,
		DisplayName:     rec.DisplayName,
		ContentType:     rec.ContentType,
		ExpiresAt:       rec.ExpiresAt,
		Consumed:        true,
	}, got)
}

func TestRegistry_RecordsConsumingInstance(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, ":memory:")
	rec := storagetest.NewRecord("00000000-0000-4000-8000-0000000000f2", time.Minute)

	require.NoError(t, r.Insert(ctx, rec))
	_, err := r.MarkConsumedIfEligible(ctx, rec.ID, storagetest.Base)
	require.NoError(t, err)

	var consumedBy string
	require.NoError(t, r.db.QueryRowContext(ctx, `SELECT consumed_by FROM artifacts WHERE id = ?`, rec.ID).Scan(&consumedBy))
	assert.Equal(t, r.instanceID, consumedBy)
	assert.NotEmpty(t, consumedBy)
}
