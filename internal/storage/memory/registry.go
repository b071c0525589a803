// Package memory provides the in-process Registry. State lives only as long
// as the process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/doccraft/internal/storage"
)

// Registry is a mutex-guarded map from handle id to record.
type Registry struct {
	mu      sync.Mutex
	records map[string]storage.ArtifactRecord
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]storage.ArtifactRecord)}
}

func (r *Registry) Insert(_ context.Context, rec storage.ArtifactRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.ID]; exists {
		return storage.ErrDuplicateID
	}

	r.records[rec.ID] = rec

	return nil
}

func (r *Registry) Get(_ context.Context, id string) (storage.ArtifactRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return storage.ArtifactRecord{}, storage.ErrNotFound
	}

	return rec, nil
}

// MarkConsumedIfEligible checks and flips the consumed flag under one lock
// acquisition, so at most one caller per id ever succeeds.
func (r *Registry) MarkConsumedIfEligible(_ context.Context, id string, now time.Time) (storage.ArtifactRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || !rec.Redeemable(now) {
		return storage.ArtifactRecord{}, storage.ErrNotFound
	}

	rec.Consumed = true
	r.records[id] = rec

	return rec, nil
}

func (r *Registry) RemoveExpiredOrConsumed(_ context.Context, now time.Time) ([]storage.ArtifactRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []storage.ArtifactRecord

	for id, rec := range r.records {
		if rec.Reclaimable(now) {
			removed = append(removed, rec)
			delete(r.records, id)
		}
	}

	return removed, nil
}

func (r *Registry) Remove(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.records[id]
	delete(r.records, id)

	return ok, nil
}

// Len reports the number of records held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.records)
}
