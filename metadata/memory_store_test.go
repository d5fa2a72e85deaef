package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewmesh/scheduler/scheduling"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	v := scheduling.View{URLPath: "db/A/p1", TableName: "db/A"}

	snap, err := store.GetMetaDataForMaterialize(ctx, v, scheduling.ModeDefault, "")
	require.NoError(t, err)
	assert.Equal(t, Snapshot{}, snap)

	require.NoError(t, store.SetViewVersion(ctx, v, "v1"))
	ts := time.Unix(1000, 0)
	require.NoError(t, store.LogTransformationTimestamp(ctx, v, ts))
	require.NoError(t, store.AddPartition(ctx, v))

	snap, err = store.GetMetaDataForMaterialize(ctx, v, scheduling.ModeDefault, "")
	require.NoError(t, err)
	assert.Equal(t, "v1", snap.Version)
	assert.Equal(t, ts, snap.Timestamp)
}

func TestMemoryStore_CheckVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	v := scheduling.View{URLPath: "db/A/p1"}

	check, err := store.CheckVersion(ctx, v, "v1")
	require.NoError(t, err)
	assert.True(t, check.Changed)

	require.NoError(t, store.SetViewVersion(ctx, v, "v1"))
	check, err = store.CheckVersion(ctx, v, "v1")
	require.NoError(t, err)
	assert.False(t, check.Changed)

	check, err = store.CheckVersion(ctx, v, "v2")
	require.NoError(t, err)
	assert.True(t, check.Changed)
	assert.Equal(t, "v1", check.PersistedVersion)
}
