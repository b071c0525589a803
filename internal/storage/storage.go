// Package storage defines the two persistence ports of the artifact
// lifecycle: the Registry, which owns handle state, and the TransientStore,
// which owns artifact bytes.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a registry entry or stored object does not
	// exist. MarkConsumedIfEligible also returns it for consumed or expired
	// entries so callers cannot tell the cases apart.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID is returned by Insert when the id is already registered.
	ErrDuplicateID = errors.New("duplicate artifact id")
)

// ArtifactRecord is the registry entry for one published artifact. Every
// field except Consumed is immutable after Insert.
type ArtifactRecord struct {
	ID              string
	StorageLocation string
	DisplayName     string
	ContentType     string
	ExpiresAt       time.Time
	Consumed        bool
}

// Redeemable reports whether the record may still be redeemed at now.
func (r ArtifactRecord) Redeemable(now time.Time) bool {
	return !r.Consumed && now.Before(r.ExpiresAt)
}

// Reclaimable reports whether the reaper should remove the record at now.
func (r ArtifactRecord) Reclaimable(now time.Time) bool {
	return r.Consumed || !r.ExpiresAt.After(now)
}

// Registry maps handle ids to artifact records. Implementations must make
// MarkConsumedIfEligible atomic with respect to concurrent callers.
type Registry interface {
	Insert(ctx context.Context, rec ArtifactRecord) error
	Get(ctx context.Context, id string) (ArtifactRecord, error)
	MarkConsumedIfEligible(ctx context.Context, id string, now time.Time) (ArtifactRecord, error)
	RemoveExpiredOrConsumed(ctx context.Context, now time.Time) ([]ArtifactRecord, error)
	// Remove drops one entry and reports whether it was present.
	Remove(ctx context.Context, id string) (bool, error)
}

// StoredObject describes one object found in a TransientStore.
type StoredObject struct {
	Location string
	ModTime  time.Time
}

// TransientStore holds artifact bytes for their short lifetime.
type TransientStore interface {
	// Init creates the backing area if it does not exist.
	Init(ctx context.Context) error
	// Write persists data under a fresh location derived from id and filename.
	Write(ctx context.Context, id, filename string, data []byte) (string, error)
	// Open returns the bytes at location for one sequential read, or ErrNotFound.
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	// Remove deletes location. Removing a missing location is not an error.
	Remove(ctx context.Context, location string) error
	// List returns every object currently held.
	List(ctx context.Context) ([]StoredObject, error)
}
