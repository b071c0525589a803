package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/italolelis/doccraft/internal/storage"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const recordColumns = `id, storage_location, display_name, content_type, expires_at, consumed`

// Registry implements storage.Registry on a SQLite table.
type Registry struct {
	db         *sql.DB
	instanceID string
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, instanceID: GenerateInstanceID()}
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
// It is written to consumed_by so a shared database shows which replica served a handle.
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}

func (r *Registry) Insert(ctx context.Context, rec storage.ArtifactRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, storage_location, display_name, content_type, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StorageLocation, rec.DisplayName, rec.ContentType, rec.ExpiresAt.UnixNano(), rec.Consumed,
	)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
		return storage.ErrDuplicateID
	}

	return err
}

func (r *Registry) Get(ctx context.Context, id string) (storage.ArtifactRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM artifacts WHERE id = ?`, id)

	return scanRecord(row)
}

// MarkConsumedIfEligible relies on the conditional UPDATE being atomic: only
// one statement can move a row from consumed = 0 to consumed = 1.
func (r *Registry) MarkConsumedIfEligible(ctx context.Context, id string, now time.Time) (storage.ArtifactRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE artifacts SET consumed = 1, consumed_by = ?
		WHERE id = ? AND consumed = 0 AND expires_at > ?
		RETURNING `+recordColumns,
		r.instanceID, id, now.UnixNano(),
	)

	return scanRecord(row)
}

func (r *Registry) RemoveExpiredOrConsumed(ctx context.Context, now time.Time) ([]storage.ArtifactRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`DELETE FROM artifacts WHERE consumed = 1 OR expires_at <= ? RETURNING `+recordColumns,
		now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var removed []storage.ArtifactRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		removed = append(removed, rec)
	}

	return removed, rows.Err()
}

func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.ArtifactRecord, error) {
	var (
		rec       storage.ArtifactRecord
		expiresAt int64
	)

	err := s.Scan(&rec.ID, &rec.StorageLocation, &rec.DisplayName, &rec.ContentType, &expiresAt, &rec.Consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ArtifactRecord{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.ArtifactRecord{}, err
	}

	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()

	return rec, nil
}
