package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/doccraft/internal/logctx"
	"github.com/italolelis/doccraft/internal/storage"
)

// SweepOrphans deletes stored objects that no registry entry refers to and
// that were last modified before cutoff. The cutoff keeps objects written by
// an in-flight Publish, which stores bytes before registering the handle.
// Objects whose names carry no handle id are left alone.
func SweepOrphans(ctx context.Context, registry storage.Registry, store storage.TransientStore, cutoff time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	objects, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored objects: %w", err)
	}

	removed := 0

	for _, obj := range objects {
		if !obj.ModTime.Before(cutoff) {
			continue
		}

		id, ok := storage.IDFromObjectName(obj.Location)
		if !ok {
			logger.DebugContext(ctx, "Skipping foreign object", "location", obj.Location)

			continue
		}

		_, err := registry.Get(ctx, id)
		if err == nil {
			continue
		}

		if !errors.Is(err, storage.ErrNotFound) {
			return removed, fmt.Errorf("failed to look up artifact %s: %w", id, err)
		}

		if err := store.Remove(ctx, obj.Location); err != nil {
			logger.DebugContext(ctx, "Failed to delete orphaned object", "location", obj.Location, "err", err)

			continue
		}

		logger.InfoContext(ctx, "Deleted orphaned object", "artifact_id", id, "location", obj.Location)

		removed++
	}

	return removed, nil
}
