package cleanup

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/italolelis/doccraft/internal/storage"
	"github.com/italolelis/doccraft/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

const (
	registeredID = "00000000-0000-4000-8000-000000000001"
	orphanID     = "00000000-0000-4000-8000-000000000002"
	freshID      = "00000000-0000-4000-8000-000000000003"
)

// listStore is a TransientStore holding fixed objects and recording removals.
type listStore struct {
	objects   []storage.StoredObject
	removed   []string
	removeErr error
	listErr   error
}

func (s *listStore) Init(context.Context) error { return nil }

func (s *listStore) Write(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("not implemented")
}

func (s *listStore) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, storage.ErrNotFound
}

func (s *listStore) Remove(_ context.Context, location string) error {
	if s.removeErr != nil {
		return s.removeErr
	}

	s.removed = append(s.removed, location)

	return nil
}

func (s *listStore) List(context.Context) ([]storage.StoredObject, error) {
	return s.objects, s.listErr
}

func TestSweepOrphans(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRegistry()
	require.NoError(t, registry.Insert(ctx, storage.ArtifactRecord{
		ID:              registeredID,
		StorageLocation: "/tmp/doccraft/" + registeredID + "-a.pdf",
		ExpiresAt:       now.Add(time.Minute),
	}))

	old := now.Add(-time.Hour)
	store := &listStore{objects: []storage.StoredObject{
		{Location: "/tmp/doccraft/" + registeredID + "-a.pdf", ModTime: old},
		{Location: "/tmp/doccraft/" + orphanID + "-b.pdf", ModTime: old},
		{Location: "/tmp/doccraft/" + freshID + "-c.pdf", ModTime: now},
		{Location: "/tmp/doccraft/notes.txt", ModTime: old},
	}}

	removed, err := SweepOrphans(ctx, registry, store, now.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"/tmp/doccraft/" + orphanID + "-b.pdf"}, store.removed)
}

func TestSweepOrphans_RemoveFailureIsSkipped(t *testing.T) {
	store := &listStore{
		objects:   []storage.StoredObject{{Location: orphanID + "-b.pdf", ModTime: now.Add(-time.Hour)}},
		removeErr: errors.New("permission denied"),
	}

	removed, err := SweepOrphans(context.Background(), memory.NewRegistry(), store, now)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSweepOrphans_ListFailure(t *testing.T) {
	store := &listStore{listErr: errors.New("bucket gone")}

	_, err := SweepOrphans(context.Background(), memory.NewRegistry(), store, now)
	require.Error(t, err)
}
