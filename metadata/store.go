// Package metadata implements the metadata gateway: the schema
// registry that persists view version/checksum/timestamp/partition state
// and answers the adapter's materialize-readiness questions.
package metadata

import (
	"context"
	"time"

	"github.com/viewmesh/scheduler/scheduling"
)

// Snapshot is what the metadata store knows about a view at a point in
// time: the version last recorded for it and when it was last
// transformed. For external views this is the only source of truth for
// materialization completion.
type Snapshot struct {
	Version   string
	Timestamp time.Time
}

// VersionCheck reports whether a view's persisted code version matches
// the version the supervisor is running, used to decide whether a
// materialize attempt can skip Transform (see scheduling.resolveFanInComplete).
type VersionCheck struct {
	Changed            bool
	PersistedVersion   string
	PersistedTimestamp time.Time
}

// Store is the metadata persistence interface. MemoryStore and RedisStore
// are the two implementations provided. A supervisor fetches external-view
// metadata through Adapter and calls Store directly for version checks and
// timestamp/checksum writes.
type Store interface {
	GetMetaDataForMaterialize(ctx context.Context, view scheduling.View, mode scheduling.MaterializationMode, origin string) (Snapshot, error)
	LogTransformationTimestamp(ctx context.Context, view scheduling.View, ts time.Time) error
	SetViewVersion(ctx context.Context, view scheduling.View, version string) error
	AddPartition(ctx context.Context, view scheduling.View) error
	CheckVersion(ctx context.Context, view scheduling.View, codeVersion string) (VersionCheck, error)
}
