package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/viewmesh/scheduler/core"
	"github.com/viewmesh/scheduler/executor"
	"github.com/viewmesh/scheduler/listenerbus"
	"github.com/viewmesh/scheduler/metadata"
	"github.com/viewmesh/scheduler/resilience"
	"github.com/viewmesh/scheduler/router"
	"github.com/viewmesh/scheduler/scheduling"
	"github.com/viewmesh/scheduler/telemetry"
)

// ExternalNotifier delivers a terminal-event notification directly to a
// listener outside the view graph (an opaque client handle) rather than
// routing it through the router.
type ExternalNotifier func(listener scheduling.Listener, snapshot listenerbus.Snapshot)

// successFlagProber is satisfied by an Executor that can answer the
// NoOp-view readiness probe: whether a success marker already exists for
// a dependency-less, transform-less view. It is optional: an Executor
// that doesn't implement it is treated as always reporting no flag, so
// such a NoOp view always ends in NoData rather than Materialized.
type successFlagProber interface {
	CheckSuccessFlag(ctx context.Context, path string) (bool, error)
}

// Deps bundles every collaborator a Supervisor needs. All fields are
// required except Notifier, which defaults to a no-op, and Metrics, which
// may be nil to record nothing.
type Deps struct {
	Router          *router.Router
	MetadataStore   metadata.Store
	MetadataAdapter *metadata.Adapter
	Executor        executor.Executor
	Breakers        *resilience.BreakerRegistry
	Backoff         *resilience.BackoffCurve
	Bus             *listenerbus.Bus
	Logger          *telemetry.Logger
	Metrics         *telemetry.Metrics
	Graph           ViewGraph
	Notifier        ExternalNotifier
	Config          *core.Config
}

func (d *Deps) applyDefaults() {
	if d.Notifier == nil {
		d.Notifier = func(scheduling.Listener, listenerbus.Snapshot) {}
	}
}

// Supervisor is the per-view actor: one goroutine, one inbox, one
// in-memory scheduling.State. All state mutation happens on the inbox's
// draining goroutine, which is this type's entire concurrency story.
type Supervisor struct {
	view  scheduling.View
	state scheduling.State

	inbox chan scheduling.Event
	deps  Deps
	log   *telemetry.Logger

	pendingBreakerDone func(success bool)
	transformStarted   time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Supervisor for view in its bootstrap state and starts
// its run loop. initial is ReadFromSchemaManager when metadata already
// knows the view, CreatedFromScratch otherwise — the caller (router
// factory / bootstrap) decides which, since that requires a metadata
// lookup the constructor itself should not block on.
func New(view scheduling.View, initial scheduling.State, deps Deps) *Supervisor {
	deps.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		view:   view,
		state:  initial,
		inbox:  make(chan scheduling.Event, deps.Config.InboxBufferSize),
		deps:   deps,
		log:    deps.Logger.WithComponent(fmt.Sprintf("supervisor:%s", view.URLPath)),
		ctx:    ctx,
		cancel: cancel,
	}

	go s.run()
	return s
}

// View returns the view this supervisor owns, satisfying router.Supervisor.
func (s *Supervisor) View() scheduling.View { return s.view }

// Send enqueues ev on this supervisor's inbox, blocking only as long as
// the inbox is full. Messages from a single sender arrive in the order
// Send was called, which is all the causal ordering this system requires.
func (s *Supervisor) Send(ev scheduling.Event) {
	select {
	case s.inbox <- ev:
	case <-s.ctx.Done():
	}
}

// Stop ends the supervisor's run loop. Buffered messages are dropped.
func (s *Supervisor) Stop() { s.cancel() }

// State returns the supervisor's current state, for tests and diagnostics.
// Reading it from outside the inbox goroutine is inherently racy with
// respect to in-flight messages; callers needing a consistent snapshot
// should instead subscribe to the listener bus.
func (s *Supervisor) State() scheduling.State { return s.state }

func (s *Supervisor) run() {
	for {
		select {
		case ev := <-s.inbox:
			s.handle(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

// handle applies one event: resolve contextual params, call the pure
// state machine, publish notifications on variant change, and dispatch
// the resulting actions. A panic anywhere in this step is the crash
// isolation boundary: it is recovered, logged, and turns the view Failed
// rather than taking down every other view's goroutine.
func (s *Supervisor) handle(ev scheduling.Event) {
	prev := s.state

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("supervisor panic recovered", map[string]interface{}{
				"event": fmt.Sprintf("%T", ev),
				"panic": r,
			})
			s.state = scheduling.Failed{View: s.view}
			if prev.Label() != s.state.Label() {
				s.publishStateChanged(prev, s.state)
			}
		}
	}()

	switch ev.(type) {
	case scheduling.TransformationSucceeded:
		s.reportBreakerResult(true, time.Since(s.transformStarted))
	case scheduling.TransformationFailed:
		s.reportBreakerResult(false, time.Since(s.transformStarted))
	}

	params := s.resolveStepParams(ev)
	result := scheduling.Step(s.state, ev, params)
	s.state = result.Next

	if prev.Label() != result.Next.Label() {
		s.publishStateChanged(prev, result.Next)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordTransition(s.ctx, s.view.TableName, prev.Label(), result.Next.Label())
		}
	}

	if len(result.Actions) > 0 {
		s.deps.Bus.PublishActionsScheduled(listenerbus.ActionsScheduled{
			View: s.view, Previous: prev, Next: result.Next, Actions: result.Actions, Timestamp: params.Now,
		})
		s.dispatchActions(prev, result.Next, result.Actions)
	}

	// Retrying's backoff timer is an effect of the resulting state, not
	// an emitted action (C1 returns no actions for Transforming->Retrying).
	if retrying, ok := result.Next.(scheduling.Retrying); ok && prev.Label() != result.Next.Label() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordRetry(s.ctx, s.view.TableName)
		}
		s.armRetryTimer(retrying.Retry)
	}
}

// armRetryTimer schedules a Retry() event to arrive back on this
// supervisor's own inbox after the backoff curve's delay for attempt.
// A stale timer firing after the view has moved on is harmless: Step
// treats Retry as a no-op outside Retrying (see scheduling.stepRetry).
func (s *Supervisor) armRetryTimer(attempt int) {
	delay := s.deps.Backoff.DelayForRetry(attempt)
	time.AfterFunc(delay, func() {
		s.Send(scheduling.Retry{})
	})
}

func (s *Supervisor) publishStateChanged(prev, next scheduling.State) {
	s.deps.Bus.PublishStateChanged(listenerbus.StateChanged{View: s.view, Previous: prev, Next: next})
}

// resolveStepParams gathers the contextual inputs Step needs for ev.
// Metadata and graph lookups only happen for the event kinds that
// actually consult them, so a Retry or TransformationSucceeded doesn't
// pay for a round trip it never uses.
func (s *Supervisor) resolveStepParams(ev scheduling.Event) scheduling.StepParams {
	params := scheduling.StepParams{
		Now:        time.Now(),
		MaxRetries: s.deps.Config.MaxRetries,
	}

	switch ev.(type) {
	case scheduling.Materialize:
		params.Dependencies = s.deps.Graph.Dependencies(s.view.URLPath)
		params.HasTransformLogic = s.deps.Graph.HasTransformLogic(s.view.URLPath)
		params.CodeVersion = s.deps.Graph.CodeVersion(s.view.URLPath)
		s.resolveMetadata(&params)
		if len(params.Dependencies) == 0 && !params.HasTransformLogic && !s.view.IsExternal {
			params.SuccessFlagExists = s.probeSuccessFlag()
		}
	case scheduling.ViewMaterialized, scheduling.ViewHasNoData, scheduling.ViewFailed:
		params.CodeVersion = s.deps.Graph.CodeVersion(s.view.URLPath)
		s.resolveMetadata(&params)
	}

	return params
}

func (s *Supervisor) resolveMetadata(params *scheduling.StepParams) {
	ctx, cancel := context.WithTimeout(s.ctx, s.deps.Config.MetadataFetchTimeout)
	defer cancel()

	check, err := s.deps.MetadataStore.CheckVersion(ctx, s.view, params.CodeVersion)
	if err != nil {
		s.log.Warn("metadata version check failed, forcing transform", map[string]interface{}{"error": err.Error()})
		return
	}
	params.PersistedVersion = check.PersistedVersion
	params.PersistedTimestamp = check.PersistedTimestamp
}

func (s *Supervisor) probeSuccessFlag() bool {
	prober, ok := s.deps.Executor.(successFlagProber)
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.deps.Config.MetadataFetchTimeout)
	defer cancel()
	exists, err := prober.CheckSuccessFlag(ctx, s.view.URLPath)
	if err != nil {
		return false
	}
	return exists
}
