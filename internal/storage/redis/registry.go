// Package redis implements storage.Registry on Redis so several replicas can
// share handle state.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/italolelis/doccraft/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Timestamps are stored as Unix milliseconds: Lua numbers are doubles and
// cannot hold nanoseconds exactly.

var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'location', ARGV[2], 'filename', ARGV[3], 'mime', ARGV[4], 'expires_at', ARGV[5], 'consumed', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
if ARGV[6] == '1' then
	redis.call('SADD', KEYS[3], ARGV[1])
end
return 1
`)

var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
local state = redis.call('HMGET', KEYS[1], 'consumed', 'expires_at')
if state[1] == '1' or tonumber(state[2]) <= tonumber(ARGV[2]) then
	return false
end
redis.call('HSET', KEYS[1], 'consumed', '1')
redis.call('SADD', KEYS[2], ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

var takeScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
local fields = redis.call('HGETALL', KEYS[1])
if #fields == 0 then
	return false
end
redis.call('DEL', KEYS[1])
return fields
`)

// Registry keeps one hash per artifact, a sorted set of ids scored by expiry
// and a set of consumed ids.
type Registry struct {
	client *redis.Client
	prefix string
}

func NewRegistry(client *redis.Client, prefix string) *Registry {
	return &Registry{client: client, prefix: prefix}
}

// NewRegistryFromURL parses a redis:// URL and verifies the server is reachable.
func NewRegistryFromURL(ctx context.Context, url, prefix string) (*Registry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRegistry(client, prefix), nil
}

// Close closes the underlying client.
func (r *Registry) Close() error {
	return r.client.Close()
}

func (r *Registry) artifactKey(id string) string {
	return r.prefix + ":artifact:" + id
}

func (r *Registry) expiryKey() string {
	return r.prefix + ":artifacts"
}

func (r *Registry) consumedKey() string {
	return r.prefix + ":artifacts:consumed"
}

func (r *Registry) Insert(ctx context.Context, rec storage.ArtifactRecord) error {
	consumed := "0"
	if rec.Consumed {
		consumed = "1"
	}

	created, err := insertScript.Run(ctx, r.client,
		[]string{r.artifactKey(rec.ID), r.expiryKey(), r.consumedKey()},
		rec.ID, rec.StorageLocation, rec.DisplayName, rec.ContentType, rec.ExpiresAt.UnixMilli(), consumed,
	).Int()
	if err != nil {
		return err
	}

	if created == 0 {
		return storage.ErrDuplicateID
	}

	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (storage.ArtifactRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.artifactKey(id)).Result()
	if err != nil {
		return storage.ArtifactRecord{}, err
	}

	if len(fields) == 0 {
		return storage.ArtifactRecord{}, storage.ErrNotFound
	}

	return parseRecord(id, fields)
}

func (r *Registry) MarkConsumedIfEligible(ctx context.Context, id string, now time.Time) (storage.ArtifactRecord, error) {
	pairs, err := consumeScript.Run(ctx, r.client,
		[]string{r.artifactKey(id), r.consumedKey()},
		id, now.UnixMilli(),
	).StringSlice()

	return recordFromReply(id, pairs, err)
}

func (r *Registry) RemoveExpiredOrConsumed(ctx context.Context, now time.Time) ([]storage.ArtifactRecord, error) {
	expired, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	consumed, err := r.client.SMembers(ctx, r.consumedKey()).Result()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(expired)+len(consumed))

	var removed []storage.ArtifactRecord

	for _, id := range append(expired, consumed...) {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}

		rec, err := r.take(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			// Another replica swept it first.
			continue
		}

		if err != nil {
			return removed, err
		}

		removed = append(removed, rec)
	}

	return removed, nil
}

func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	var deleted *redis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, r.artifactKey(id))
		pipe.ZRem(ctx, r.expiryKey(), id)
		pipe.SRem(ctx, r.consumedKey(), id)

		return nil
	})
	if err != nil {
		return false, err
	}

	return deleted.Val() > 0, nil
}

func (r *Registry) take(ctx context.Context, id string) (storage.ArtifactRecord, error) {
	pairs, err := takeScript.Run(ctx, r.client,
		[]string{r.artifactKey(id), r.expiryKey(), r.consumedKey()},
		id,
	).StringSlice()

	return recordFromReply(id, pairs, err)
}

func recordFromReply(id string, pairs []string, err error) (storage.ArtifactRecord, error) {
	if errors.Is(err, redis.Nil) {
		return storage.ArtifactRecord{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.ArtifactRecord{}, err
	}

	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		fields[pairs[i]] = pairs[i+1]
	}

	return parseRecord(id, fields)
}

func parseRecord(id string, fields map[string]string) (storage.ArtifactRecord, error) {
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return storage.ArtifactRecord{}, fmt.Errorf("invalid expires_at for artifact %s: %w", id, err)
	}

	return storage.ArtifactRecord{
		ID:              id,
		StorageLocation: fields["location"],
		DisplayName:     fields["filename"],
		ContentType:     fields["mime"],
		ExpiresAt:       time.UnixMilli(expiresAt).UTC(),
		Consumed:        fields["consumed"] == "1",
	}, nil
}
