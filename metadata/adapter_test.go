package metadata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewmesh/scheduler/scheduling"
)

type slowStore struct {
	delay time.Duration
	err   error
	snap  Snapshot
}

func (s *slowStore) GetMetaDataForMaterialize(ctx context.Context, view scheduling.View, mode scheduling.MaterializationMode, origin string) (Snapshot, error) {
	select {
	case <-time.After(s.delay):
		return s.snap, s.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *slowStore) LogTransformationTimestamp(context.Context, scheduling.View, time.Time) error {
	return nil
}
func (s *slowStore) SetViewVersion(context.Context, scheduling.View, string) error { return nil }
func (s *slowStore) AddPartition(context.Context, scheduling.View) error           { return nil }
func (s *slowStore) CheckVersion(context.Context, scheduling.View, string) (VersionCheck, error) {
	return VersionCheck{}, nil
}

type capturedForward struct {
	mu     sync.Mutex
	urlPath string
	event   scheduling.Event
	got     chan struct{}
}

func newCapturedForward() *capturedForward {
	return &capturedForward{got: make(chan struct{}, 1)}
}

func (c *capturedForward) forward(urlPath string, ev scheduling.Event) {
	c.mu.Lock()
	c.urlPath = urlPath
	c.event = ev
	c.mu.Unlock()
	c.got <- struct{}{}
}

func TestAdapter_HandleFetchExternalMetadata_Success(t *testing.T) {
	store := &slowStore{snap: Snapshot{Version: "v9", Timestamp: time.Unix(42, 0)}}
	cap := newCapturedForward()
	a := NewAdapter(store, time.Second, cap.forward)

	v := scheduling.View{URLPath: "ext/X", IsExternal: true}
	a.HandleFetchExternalMetadata(scheduling.FetchExternalMetadata{
		View:      v,
		Mode:      scheduling.ModeDefault,
		Requester: scheduling.Listener{External: "client-x"},
	})

	select {
	case <-cap.got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}

	assert.Equal(t, "ext/X", cap.urlPath)
	ev, ok := cap.event.(scheduling.MetaDataForMaterialize)
	require.True(t, ok)
	assert.Equal(t, "v9", ev.Version)
	assert.Equal(t, time.Unix(42, 0), ev.Timestamp)
}

func TestAdapter_HandleFetchExternalMetadata_TimeoutSynthesizesViewFailed(t *testing.T) {
	store := &slowStore{delay: 200 * time.Millisecond}
	cap := newCapturedForward()
	a := NewAdapter(store, 10*time.Millisecond, cap.forward)

	v := scheduling.View{URLPath: "ext/X", IsExternal: true}
	a.HandleFetchExternalMetadata(scheduling.FetchExternalMetadata{View: v, Mode: scheduling.ModeDefault})

	select {
	case <-cap.got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}

	ev, ok := cap.event.(scheduling.ViewFailed)
	require.True(t, ok)
	assert.Equal(t, scheduling.ExternalDep, ev.Dep)
}

func TestAdapter_HandleFetchExternalMetadata_StoreErrorSynthesizesViewFailed(t *testing.T) {
	store := &slowStore{err: errors.New("boom")}
	cap := newCapturedForward()
	a := NewAdapter(store, time.Second, cap.forward)

	v := scheduling.View{URLPath: "ext/X", IsExternal: true}
	a.HandleFetchExternalMetadata(scheduling.FetchExternalMetadata{View: v})

	select {
	case <-cap.got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}

	assert.IsType(t, scheduling.ViewFailed{}, cap.event)
}
