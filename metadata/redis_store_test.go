package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewmesh/scheduler/scheduling"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStoreWithNamespace("redis://"+mr.Addr(), "viewsched-test", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)
	v := scheduling.View{URLPath: "db/A/p1"}

	snap, err := store.GetMetaDataForMaterialize(ctx, v, scheduling.ModeDefault, "")
	require.NoError(t, err)
	assert.Equal(t, Snapshot{}, snap)

	require.NoError(t, store.SetViewVersion(ctx, v, "v3"))
	ts := time.Unix(5000, 0)
	require.NoError(t, store.LogTransformationTimestamp(ctx, v, ts))

	snap, err = store.GetMetaDataForMaterialize(ctx, v, scheduling.ModeDefault, "")
	require.NoError(t, err)
	assert.Equal(t, "v3", snap.Version)
	assert.True(t, snap.Timestamp.Equal(ts))
}

func TestRedisStore_CheckVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)
	v := scheduling.View{URLPath: "db/B/p1"}

	check, err := store.CheckVersion(ctx, v, "v1")
	require.NoError(t, err)
	assert.True(t, check.Changed)

	require.NoError(t, store.SetViewVersion(ctx, v, "v1"))
	check, err = store.CheckVersion(ctx, v, "v1")
	require.NoError(t, err)
	assert.False(t, check.Changed)
}

func TestRedisStore_AddPartition(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)
	v := scheduling.View{URLPath: "db/C/p1"}

	require.NoError(t, store.AddPartition(ctx, v))
}
