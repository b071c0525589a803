package storage

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/doccraft/internal/telemetry"
)

// InstrumentedRegistry wraps a Registry with spans and operation metrics.
type InstrumentedRegistry struct {
	registry  Registry
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRegistry creates a new instrumented registry.
func NewInstrumentedRegistry(registry Registry, tel *telemetry.Telemetry) *InstrumentedRegistry {
	return &InstrumentedRegistry{
		registry:  registry,
		telemetry: tel,
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Insert registers a record with telemetry.
func (r *InstrumentedRegistry) Insert(ctx context.Context, rec ArtifactRecord) error {
	return r.telemetry.InstrumentRegistryOperation(ctx, "insert", nil, func(ctx context.Context) error {
		return r.registry.Insert(ctx, rec)
	})
}

// Get looks up a record with telemetry.
func (r *InstrumentedRegistry) Get(ctx context.Context, id string) (ArtifactRecord, error) {
	var result ArtifactRecord

	err := r.telemetry.InstrumentRegistryOperation(ctx, "get", isNotFound, func(ctx context.Context) error {
		var err error
		result, err = r.registry.Get(ctx, id)

		return err
	})

	return result, err
}

// MarkConsumedIfEligible consumes a record with telemetry.
func (r *InstrumentedRegistry) MarkConsumedIfEligible(ctx context.Context, id string, now time.Time) (ArtifactRecord, error) {
	var result ArtifactRecord

	err := r.telemetry.InstrumentRegistryOperation(ctx, "consume", isNotFound, func(ctx context.Context) error {
		var err error
		result, err = r.registry.MarkConsumedIfEligible(ctx, id, now)

		return err
	})

	return result, err
}

// RemoveExpiredOrConsumed sweeps dead records with telemetry.
func (r *InstrumentedRegistry) RemoveExpiredOrConsumed(ctx context.Context, now time.Time) ([]ArtifactRecord, error) {
	var result []ArtifactRecord

	err := r.telemetry.InstrumentRegistryOperation(ctx, "remove_expired_or_consumed", nil, func(ctx context.Context) error {
		var err error
		result, err = r.registry.RemoveExpiredOrConsumed(ctx, now)

		return err
	})

	return result, err
}

// Remove drops a record with telemetry.
func (r *InstrumentedRegistry) Remove(ctx context.Context, id string) (bool, error) {
	var removed bool

	err := r.telemetry.InstrumentRegistryOperation(ctx, "remove", nil, func(ctx context.Context) error {
		var err error
		removed, err = r.registry.Remove(ctx, id)

		return err
	})

	return removed, err
}
