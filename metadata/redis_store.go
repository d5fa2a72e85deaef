package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/viewmesh/scheduler/scheduling"
)

// RedisStore is a Redis-backed Store, namespacing keys as
// `<namespace>:<kind>:<id>` and refreshing each record's TTL on every
// write so a view that stops materializing doesn't leave stale metadata
// behind forever.
type RedisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisStore connects to redisURL and returns a Store namespaced under
// "viewsched" with a 30-day metadata TTL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	return NewRedisStoreWithNamespace(redisURL, "viewsched", 30*24*time.Hour)
}

// NewRedisStoreWithNamespace is NewRedisStore with an explicit namespace
// and TTL, for tests and multi-tenant deployments sharing one Redis.
func NewRedisStoreWithNamespace(redisURL, namespace string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, namespace: namespace, ttl: ttl}, nil
}

func (r *RedisStore) versionKey(urlPath string) string   { return fmt.Sprintf("%s:version:%s", r.namespace, urlPath) }
func (r *RedisStore) tsKey(urlPath string) string        { return fmt.Sprintf("%s:ts:%s", r.namespace, urlPath) }
func (r *RedisStore) partitionKey(urlPath string) string { return fmt.Sprintf("%s:partition:%s", r.namespace, urlPath) }

// GetMetaDataForMaterialize reads the version and timestamp recorded for
// view, treating a missing key as the zero Snapshot (never materialized).
func (r *RedisStore) GetMetaDataForMaterialize(ctx context.Context, view scheduling.View, mode scheduling.MaterializationMode, origin string) (Snapshot, error) {
	pipe := r.client.Pipeline()
	versionCmd := pipe.Get(ctx, r.versionKey(view.URLPath))
	tsCmd := pipe.Get(ctx, r.tsKey(view.URLPath))
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return Snapshot{}, fmt.Errorf("metadata get %s: %w", view.URLPath, err)
	}

	snap := Snapshot{}
	if v, err := versionCmd.Result(); err == nil {
		snap.Version = v
	}
	if tsStr, err := tsCmd.Result(); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, tsStr); err == nil {
			snap.Timestamp = ts
		}
	}
	return snap, nil
}

// LogTransformationTimestamp persists ts for view with the store's TTL.
func (r *RedisStore) LogTransformationTimestamp(ctx context.Context, view scheduling.View, ts time.Time) error {
	if err := r.client.Set(ctx, r.tsKey(view.URLPath), ts.Format(time.RFC3339Nano), r.ttl).Err(); err != nil {
		return fmt.Errorf("metadata log timestamp %s: %w", view.URLPath, err)
	}
	return nil
}

// SetViewVersion persists version for view with the store's TTL.
func (r *RedisStore) SetViewVersion(ctx context.Context, view scheduling.View, version string) error {
	if err := r.client.Set(ctx, r.versionKey(view.URLPath), version, r.ttl).Err(); err != nil {
		return fmt.Errorf("metadata set version %s: %w", view.URLPath, err)
	}
	return nil
}

// AddPartition records that view's partition is registered, refreshing
// the key's TTL so long-lived partitions don't expire out of the schema.
func (r *RedisStore) AddPartition(ctx context.Context, view scheduling.View) error {
	if err := r.client.Set(ctx, r.partitionKey(view.URLPath), "1", r.ttl).Err(); err != nil {
		return fmt.Errorf("metadata add partition %s: %w", view.URLPath, err)
	}
	return nil
}

// CheckVersion compares the persisted code version against codeVersion. A
// view with no persisted version is always reported changed, since there
// is nothing yet to skip a transform against.
func (r *RedisStore) CheckVersion(ctx context.Context, view scheduling.View, codeVersion string) (VersionCheck, error) {
	snap, err := r.GetMetaDataForMaterialize(ctx, view, "", "")
	if err != nil {
		return VersionCheck{}, err
	}
	if snap.Version == "" {
		return VersionCheck{Changed: true}, nil
	}
	return VersionCheck{
		Changed:            snap.Version != codeVersion,
		PersistedVersion:   snap.Version,
		PersistedTimestamp: snap.Timestamp,
	}, nil
}

// Close releases the underlying Redis connection pool.
func (r *RedisStore) Close() error { return r.client.Close() }
