package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/viewmesh/scheduler/scheduling"
)

type record struct {
	version   string
	timestamp time.Time
	partition bool
}

// MemoryStore is an in-process Store, used by tests and the demo binary
// when no Redis endpoint is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*record
}

// NewMemoryStore constructs an empty in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*record)}
}

func (m *MemoryStore) recordFor(urlPath string) *record {
	r, ok := m.data[urlPath]
	if !ok {
		r = &record{}
		m.data[urlPath] = r
	}
	return r
}

// GetMetaDataForMaterialize returns the current snapshot for view. For
// external views this is the only signal the adapter has that the view's
// upstream data has changed.
func (m *MemoryStore) GetMetaDataForMaterialize(ctx context.Context, view scheduling.View, mode scheduling.MaterializationMode, origin string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data[view.URLPath]
	if !ok {
		return Snapshot{}, nil
	}
	return Snapshot{Version: r.version, Timestamp: r.timestamp}, nil
}

// LogTransformationTimestamp persists the timestamp a view was last
// transformed at.
func (m *MemoryStore) LogTransformationTimestamp(ctx context.Context, view scheduling.View, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFor(view.URLPath).timestamp = ts
	return nil
}

// SetViewVersion persists the code version a view was last transformed
// with.
func (m *MemoryStore) SetViewVersion(ctx context.Context, view scheduling.View, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFor(view.URLPath).version = version
	return nil
}

// AddPartition marks view's partition as registered in the schema.
func (m *MemoryStore) AddPartition(ctx context.Context, view scheduling.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFor(view.URLPath).partition = true
	return nil
}

// CheckVersion compares the persisted code version against codeVersion.
func (m *MemoryStore) CheckVersion(ctx context.Context, view scheduling.View, codeVersion string) (VersionCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data[view.URLPath]
	if !ok {
		return VersionCheck{Changed: true}, nil
	}
	return VersionCheck{
		Changed:            r.version != codeVersion,
		PersistedVersion:   r.version,
		PersistedTimestamp: r.timestamp,
	}, nil
}
