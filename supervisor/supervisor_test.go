package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewmesh/scheduler/core"
	"github.com/viewmesh/scheduler/executor"
	"github.com/viewmesh/scheduler/listenerbus"
	"github.com/viewmesh/scheduler/metadata"
	"github.com/viewmesh/scheduler/resilience"
	"github.com/viewmesh/scheduler/router"
	"github.com/viewmesh/scheduler/scheduling"
	"github.com/viewmesh/scheduler/telemetry"
)

// recordingSubscriber collects every StateChanged the bus publishes,
// keyed by view path, so tests can wait for a view to reach a terminal
// label without reaching into supervisor internals.
type recordingSubscriber struct {
	mu      sync.Mutex
	changes []listenerbus.StateChanged
}

func (r *recordingSubscriber) OnStateChanged(e listenerbus.StateChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, e)
}

func (r *recordingSubscriber) OnActionsScheduled(listenerbus.ActionsScheduled) {}

func (r *recordingSubscriber) snapshot() []listenerbus.StateChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]listenerbus.StateChanged{}, r.changes...)
}

// waitForLabel polls until view reaches label or the timeout elapses.
func waitForLabel(t *testing.T, sub *recordingSubscriber, view, label string) listenerbus.StateChanged {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, c := range sub.snapshot() {
			if c.View.URLPath == view && c.Next.Label() == label {
				return c
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s to reach %s", view, label)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type notification struct {
	listener scheduling.Listener
	snapshot listenerbus.Snapshot
}

// testHarness wires every collaborator a Supervisor needs together using
// real implementations, the way the demo binary would, so scenarios
// exercise the actual dispatch paths rather than fakes.
type testHarness struct {
	router   *router.Router
	graph    *supervisorGraph
	store    *metadata.MemoryStore
	exec     *executor.LocalExecutor
	breakers *resilience.BreakerRegistry
	backoff  *resilience.BackoffCurve
	bus      *listenerbus.Bus
	logger   *telemetry.Logger
	cfg      *core.Config
	sub      *recordingSubscriber
	notifyMu sync.Mutex
	notified []notification

	externalMu sync.Mutex
	external   map[string]bool
}

func (h *testHarness) markExternal(urlPath string) {
	h.externalMu.Lock()
	defer h.externalMu.Unlock()
	h.external[urlPath] = true
}

func (h *testHarness) isExternal(urlPath string) bool {
	h.externalMu.Lock()
	defer h.externalMu.Unlock()
	return h.external[urlPath]
}

// supervisorGraph is a thin rename-free alias kept local to the test so
// changing supervisor.StaticGraph's shape doesn't ripple through every
// scenario below.
type supervisorGraph = StaticGraph

func newHarness(t *testing.T, transform executor.TransformFunc) *testHarness {
	t.Helper()

	cfg, err := core.NewConfig(
		core.WithMaxRetries(2),
		core.WithRetryBackoffCap(200*time.Millisecond),
	)
	require.NoError(t, err)
	cfg.InboxBufferSize = 16

	h := &testHarness{
		graph:    NewStaticGraph(),
		store:    metadata.NewMemoryStore(),
		breakers: resilience.NewBreakerRegistry(resilience.BreakerConfig{VolumeThreshold: 100}),
		backoff:  resilience.NewBackoffCurve(50 * time.Millisecond),
		bus:      listenerbus.NewBus(),
		logger:   telemetry.NewLogger("ERROR", "text"),
		cfg:      cfg,
		external: make(map[string]bool),
	}
	h.sub = &recordingSubscriber{}
	h.bus.Subscribe(h.sub)

	h.exec = executor.NewLocalExecutor(executor.LocalExecutorConfig{
		WorkerCount: 4,
		Root:        t.TempDir(),
		Transform:   transform,
	})
	t.Cleanup(h.exec.Shutdown)

	h.router = router.New(func(v scheduling.View) router.Supervisor {
		return New(v, scheduling.CreatedFromScratch{View: v}, Deps{
			Router:        h.router,
			MetadataStore: h.store,
			MetadataAdapter: metadata.NewAdapter(h.store, cfg.MetadataFetchTimeout, func(urlPath string, ev scheduling.Event) {
				h.router.Forward(urlPath, ev)
			}),
			Executor: h.exec,
			Breakers: h.breakers,
			Backoff:  h.backoff,
			Bus:      h.bus,
			Logger:   h.logger,
			Graph:    h.graph,
			Notifier: func(l scheduling.Listener, snap listenerbus.Snapshot) {
				h.notifyMu.Lock()
				defer h.notifyMu.Unlock()
				h.notified = append(h.notified, notification{listener: l, snapshot: snap})
			},
			Config: cfg,
		})
	}, func(urlPath string) scheduling.View {
		return scheduling.View{URLPath: urlPath, TableName: scheduling.TableOf(urlPath), IsExternal: h.isExternal(urlPath)}
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go PumpCompletions(ctx, h.exec, h.router)

	return h
}

func (h *testHarness) notifications() []notification {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	return append([]notification{}, h.notified...)
}

// S1: a no-dependency view with transform logic materializes successfully.
func TestSupervisor_S1_NoDependencyTransformSucceeds(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, v scheduling.View) (bool, error) {
		return true, nil
	})
	h.graph.WithTransformLogic("db/A/p1", true)

	sup := h.router.LookupOrCreate("db/A/p1")
	sup.Send(scheduling.Materialize{Requester: scheduling.Listener{External: "client-1"}})

	waitForLabel(t, h.sub, "db/A/p1", "materialized")

	require.Eventually(t, func() bool {
		return len(h.notifications()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "materialized", h.notifications()[0].snapshot.Label)
}

// S2: a view whose transform reports no data lands in NoData and its
// listener is told so.
func TestSupervisor_S2_NoDataReported(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, v scheduling.View) (bool, error) {
		return false, nil
	})
	h.graph.WithTransformLogic("db/A/p1", true)

	sup := h.router.LookupOrCreate("db/A/p1")
	sup.Send(scheduling.Materialize{Requester: scheduling.Listener{External: "client-1"}})

	waitForLabel(t, h.sub, "db/A/p1", "no-data")
	require.Eventually(t, func() bool {
		return len(h.notifications()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "no-data", h.notifications()[0].snapshot.Label)
}

// S3: a transform that fails twice then succeeds recovers via the retry
// backoff timer, ending Materialized rather than Failed.
func TestSupervisor_S3_RetryThenSucceed(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	h := newHarness(t, func(ctx context.Context, v scheduling.View) (bool, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return false, assertErr
		}
		return true, nil
	})
	h.graph.WithTransformLogic("db/A/p1", true)

	sup := h.router.LookupOrCreate("db/A/p1")
	sup.Send(scheduling.Materialize{Requester: scheduling.Listener{External: "client-1"}})

	waitForLabel(t, h.sub, "db/A/p1", "retrying")
	waitForLabel(t, h.sub, "db/A/p1", "materialized")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(3), attempts)
}

// S3b: a transform that always fails exhausts MaxRetries and ends Failed.
func TestSupervisor_ExhaustsRetriesThenFails(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, v scheduling.View) (bool, error) {
		return false, assertErr
	})
	h.graph.WithTransformLogic("db/A/p1", true)

	sup := h.router.LookupOrCreate("db/A/p1")
	sup.Send(scheduling.Materialize{Requester: scheduling.Listener{External: "client-1"}})

	waitForLabel(t, h.sub, "db/A/p1", "failed")
}

// S4: Invalidate arriving while Transforming is in flight is rejected
// with ReportNotInvalidated, delivered only to the external requester.
func TestSupervisor_S4_InvalidateDuringTransformRejected(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, v scheduling.View) (bool, error) {
		<-block
		return true, nil
	})
	h.graph.WithTransformLogic("db/A/p1", true)

	sup := h.router.LookupOrCreate("db/A/p1")
	sup.Send(scheduling.Materialize{Requester: scheduling.Listener{External: "client-1"}})
	waitForLabel(t, h.sub, "db/A/p1", "transforming")

	sup.Send(scheduling.Invalidate{Requester: scheduling.Listener{External: "client-2"}})

	require.Eventually(t, func() bool {
		for _, n := range h.notifications() {
			if n.listener.External == "client-2" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	close(block)
	waitForLabel(t, h.sub, "db/A/p1", "materialized")
}

// S5: an external view's Materialize round-trips through the metadata
// adapter and ends Materialized without ever dispatching a Transform.
func TestSupervisor_S5_ExternalViewMetadataRoundTrip(t *testing.T) {
	var transformCalled int32
	h := newHarness(t, func(ctx context.Context, v scheduling.View) (bool, error) {
		atomic.AddInt32(&transformCalled, 1)
		return false, nil
	})

	require.NoError(t, h.store.LogTransformationTimestamp(context.Background(),
		scheduling.View{URLPath: "ext/Feed/p1"}, time.Now()))

	h.markExternal("ext/Feed/p1")
	sup := h.router.LookupOrCreate("ext/Feed/p1")
	sup.Send(scheduling.Materialize{Requester: scheduling.Listener{External: "client-1"}})

	// External views never publish to the listener bus, so the only
	// observable signal is the direct Notifier delivery.
	require.Eventually(t, func() bool {
		for _, n := range h.notifications() {
			if n.listener.External == "client-1" && n.snapshot.Label == "materialized" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&transformCalled))
}

// S6: two concurrent Materialize calls against the same not-yet-created
// view both get enqueued and exactly one Transform is dispatched.
func TestSupervisor_S6_ConcurrentMaterializeSharesOneTransform(t *testing.T) {
	var inFlight, maxInFlight, calls int32
	var mu sync.Mutex
	h := newHarness(t, func(ctx context.Context, v scheduling.View) (bool, error) {
		mu.Lock()
		calls++
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return true, nil
	})
	h.graph.WithTransformLogic("db/A/p1", true)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sup := h.router.LookupOrCreate("db/A/p1")
			sup.Send(scheduling.Materialize{Requester: scheduling.Listener{External: clientName(n)}})
		}(i)
	}
	wg.Wait()

	waitForLabel(t, h.sub, "db/A/p1", "materialized")

	require.Eventually(t, func() bool {
		return len(h.notifications()) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), maxInFlight)
	assert.Equal(t, int32(1), calls)
}

func clientName(n int) string {
	if n == 0 {
		return "client-a"
	}
	return "client-b"
}

// property: a fan-out materialize routes through the router's lazy
// creation, and a dependency's completion reaches its dependent even if
// the dependent view was only just created.
func TestSupervisor_DependencyFanOut(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, v scheduling.View) (bool, error) {
		return true, nil
	})
	h.graph.WithTransformLogic("db/A/p1", true)
	h.graph.WithTransformLogic("db/B/p1", true)
	h.graph.WithDependencies("db/B/p1", "db/A/p1")

	sup := h.router.LookupOrCreate("db/B/p1")
	sup.Send(scheduling.Materialize{Requester: scheduling.Listener{External: "client-1"}})

	waitForLabel(t, h.sub, "db/A/p1", "materialized")
	waitForLabel(t, h.sub, "db/B/p1", "materialized")
}

var assertErr = errors.New("transform failed")
