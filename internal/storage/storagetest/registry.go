// Package storagetest holds the behavioural suite every storage.Registry
// implementation must pass.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/doccraft/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Base is the reference instant used by the suite. It is millisecond aligned
// so backends storing millisecond timestamps round-trip it exactly.
var Base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// NewRecord returns a record expiring ttl after Base.
func NewRecord(id string, ttl time.Duration) storage.ArtifactRecord {
	return storage.ArtifactRecord{
		ID:              id,
		StorageLocation: id + "-merged.pdf",
		DisplayName:     "merged.pdf",
		ContentType:     "application/pdf",
		ExpiresAt:       Base.Add(ttl),
	}
}

// AssertSameRecord compares records using time.Equal for the expiry.
func AssertSameRecord(t *testing.T, want, got storage.ArtifactRecord) {
	t.Helper()

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.StorageLocation, got.StorageLocation)
	assert.Equal(t, want.DisplayName, got.DisplayName)
	assert.Equal(t, want.ContentType, got.ContentType)
	assert.Equal(t, want.Consumed, got.Consumed)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt), "expires_at: want %s, got %s", want.ExpiresAt, got.ExpiresAt)
}

// RunRegistrySuite runs the shared registry behaviour against fresh
// registries produced by newRegistry.
func RunRegistrySuite(t *testing.T, newRegistry func(t *testing.T) storage.Registry) {
	t.Helper()

	ctx := context.Background()

	t.Run("insert then get", func(t *testing.T) {
		r := newRegistry(t)
		rec := NewRecord("00000000-0000-4000-8000-000000000001", time.Minute)

		require.NoError(t, r.Insert(ctx, rec))

		got, err := r.Get(ctx, rec.ID)
		require.NoError(t, err)
		AssertSameRecord(t, rec, got)
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		r := newRegistry(t)
		rec := NewRecord("00000000-0000-4000-8000-000000000002", time.Minute)

		require.NoError(t, r.Insert(ctx, rec))

		other := rec
		other.DisplayName = "other.pdf"
		require.ErrorIs(t, r.Insert(ctx, other), storage.ErrDuplicateID)

		got, err := r.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "merged.pdf", got.DisplayName)
	})

	t.Run("get missing", func(t *testing.T) {
		r := newRegistry(t)

		_, err := r.Get(ctx, "never-issued")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("consume succeeds exactly once", func(t *testing.T) {
		r := newRegistry(t)
		rec := NewRecord("00000000-0000-4000-8000-000000000003", time.Minute)
		require.NoError(t, r.Insert(ctx, rec))

		got, err := r.MarkConsumedIfEligible(ctx, rec.ID, Base)
		require.NoError(t, err)
		assert.True(t, got.Consumed)
		assert.Equal(t, rec.StorageLocation, got.StorageLocation)

		_, err = r.MarkConsumedIfEligible(ctx, rec.ID, Base)
		require.ErrorIs(t, err, storage.ErrNotFound)

		stored, err := r.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, stored.Consumed)
	})

	t.Run("consume respects expiry boundary", func(t *testing.T) {
		r := newRegistry(t)
		early := NewRecord("00000000-0000-4000-8000-000000000004", time.Second)
		late := NewRecord("00000000-0000-4000-8000-000000000005", time.Second)
		require.NoError(t, r.Insert(ctx, early))
		require.NoError(t, r.Insert(ctx, late))

		_, err := r.MarkConsumedIfEligible(ctx, early.ID, Base.Add(time.Second-time.Millisecond))
		require.NoError(t, err)

		_, err = r.MarkConsumedIfEligible(ctx, late.ID, Base.Add(time.Second))
		require.ErrorIs(t, err, storage.ErrNotFound)

		stored, err := r.Get(ctx, late.ID)
		require.NoError(t, err)
		assert.False(t, stored.Consumed, "an expired record must not be mutated")
	})

	t.Run("consume missing", func(t *testing.T) {
		r := newRegistry(t)

		_, err := r.MarkConsumedIfEligible(ctx, "never-issued", Base)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("concurrent consumers have one winner", func(t *testing.T) {
		r := newRegistry(t)
		rec := NewRecord("00000000-0000-4000-8000-000000000006", time.Minute)
		require.NoError(t, r.Insert(ctx, rec))

		const callers = 32

		var (
			wins   atomic.Int32
			misses atomic.Int32
			wg     sync.WaitGroup
		)

		start := make(chan struct{})

		for range callers {
			wg.Add(1)

			go func() {
				defer wg.Done()
				<-start

				_, err := r.MarkConsumedIfEligible(ctx, rec.ID, Base)

				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, storage.ErrNotFound):
					misses.Add(1)
				}
			}()
		}

		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(callers-1), misses.Load())
	})

	t.Run("sweep removes expired and consumed only", func(t *testing.T) {
		r := newRegistry(t)
		active := NewRecord("00000000-0000-4000-8000-000000000007", time.Hour)
		expired := NewRecord("00000000-0000-4000-8000-000000000008", time.Minute)
		consumed := NewRecord("00000000-0000-4000-8000-000000000009", time.Hour)

		for _, rec := range []storage.ArtifactRecord{active, expired, consumed} {
			require.NoError(t, r.Insert(ctx, rec))
		}

		_, err := r.MarkConsumedIfEligible(ctx, consumed.ID, Base)
		require.NoError(t, err)

		removed, err := r.RemoveExpiredOrConsumed(ctx, Base.Add(time.Minute))
		require.NoError(t, err)

		ids := make([]string, 0, len(removed))
		for _, rec := range removed {
			ids = append(ids, rec.ID)

			if rec.ID == expired.ID {
				AssertSameRecord(t, expired, rec)
			}
		}

		sort.Strings(ids)
		assert.Equal(t, []string{expired.ID, consumed.ID}, ids)

		_, err = r.Get(ctx, active.ID)
		require.NoError(t, err)

		_, err = r.Get(ctx, expired.ID)
		require.ErrorIs(t, err, storage.ErrNotFound)

		again, err := r.RemoveExpiredOrConsumed(ctx, Base.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		r := newRegistry(t)
		rec := NewRecord("00000000-0000-4000-8000-00000000000a", time.Minute)
		require.NoError(t, r.Insert(ctx, rec))

		removed, err := r.Remove(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = r.Remove(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, removed, "a second remove finds nothing")

		removed, err = r.Remove(ctx, "never-issued")
		require.NoError(t, err)
		assert.False(t, removed)

		_, err = r.Get(ctx, rec.ID)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("handles are isolated", func(t *testing.T) {
		r := newRegistry(t)
		a := NewRecord("00000000-0000-4000-8000-00000000000b", time.Minute)
		b := NewRecord("00000000-0000-4000-8000-00000000000c", time.Minute)
		require.NoError(t, r.Insert(ctx, a))
		require.NoError(t, r.Insert(ctx, b))

		_, err := r.MarkConsumedIfEligible(ctx, a.ID, Base)
		require.NoError(t, err)
		_, err = r.Remove(ctx, a.ID)
		require.NoError(t, err)

		got, err := r.Get(ctx, b.ID)
		require.NoError(t, err)
		AssertSameRecord(t, b, got)

		_, err = r.MarkConsumedIfEligible(ctx, b.ID, Base)
		require.NoError(t, err)
	})
}
