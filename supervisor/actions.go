package supervisor

import (
	"context"
	"time"

	"github.com/viewmesh/scheduler/listenerbus"
	"github.com/viewmesh/scheduler/scheduling"
)

// dispatchActions interprets the actions a Step call returned. Every
// branch is non-blocking beyond the current goroutine's own work: routing
// enqueues on another
// supervisor's inbox, executor/metadata calls that can take a while run
// on their own goroutine and report back via an event.
func (s *Supervisor) dispatchActions(prev, next scheduling.State, actions []scheduling.Action) {
	for _, a := range actions {
		switch act := a.(type) {
		case scheduling.MaterializeDep:
			s.deps.Router.LookupOrCreate(act.Dep).Send(scheduling.Materialize{
				Mode:      act.Mode,
				Requester: scheduling.Listener{ViewPath: s.view.URLPath},
			})

		case scheduling.Transform:
			s.dispatchTransform()

		case scheduling.WriteTransformationTimestamp:
			go s.writeTimestamp(act.Ts)

		case scheduling.WriteTransformationChecksum:
			go s.writeChecksum()

		case scheduling.TouchSuccessFlag:
			go s.touchSuccessFlag()

		case scheduling.ReportMaterialized:
			s.report(act.Listeners, next, func(l scheduling.Listener) scheduling.Event {
				return scheduling.ViewMaterialized{Dep: s.view.URLPath, TransformTs: act.Ts, WithErrors: act.WithErrors, Incomplete: act.Incomplete}
			})

		case scheduling.ReportNoDataAvailable:
			s.report(act.Listeners, next, func(l scheduling.Listener) scheduling.Event {
				return scheduling.ViewHasNoData{Dep: s.view.URLPath}
			})

		case scheduling.ReportFailed:
			s.report(act.Listeners, next, func(l scheduling.Listener) scheduling.Event {
				return scheduling.ViewFailed{Dep: s.view.URLPath}
			})

		case scheduling.ReportInvalidated:
			s.notifyExternalOnly(act.Listeners, next)

		case scheduling.ReportNotInvalidated:
			s.notifyExternalOnly(act.Listeners, next)

		case scheduling.FetchExternalMetadata:
			s.deps.MetadataAdapter.HandleFetchExternalMetadata(act)

		case scheduling.CheckSuccessFlag:
			// Never emitted: the supervisor resolves this synchronously
			// before calling Step (see resolveStepParams). Nothing to do.
		}
	}
}

// report delivers the dependency-completion event eventFor(l) to every
// listener that addresses another view, and the current snapshot to
// every external listener via Notifier.
func (s *Supervisor) report(listeners []scheduling.Listener, next scheduling.State, eventFor func(scheduling.Listener) scheduling.Event) {
	snap := listenerbus.ToSnapshot(next)
	for _, l := range listeners {
		if l.IsView() {
			s.deps.Router.LookupOrCreate(l.ViewPath).Send(eventFor(l))
			continue
		}
		s.deps.Notifier(l, snap)
	}
}

// notifyExternalOnly handles ReportInvalidated/ReportNotInvalidated: the
// fan-in protocol has no defined event a dependent view would do anything
// with for an invalidate acknowledgment, so only external listeners are
// notified.
func (s *Supervisor) notifyExternalOnly(listeners []scheduling.Listener, next scheduling.State) {
	snap := listenerbus.ToSnapshot(next)
	for _, l := range listeners {
		if l.IsView() {
			continue
		}
		s.deps.Notifier(l, snap)
	}
}

// dispatchTransform submits the view's transformation, gated by the
// per-table circuit breaker. If the breaker is open, the rejection is
// folded back in as a TransformationFailed so the state machine's own
// Retrying backoff still applies rather than the view getting stuck.
func (s *Supervisor) dispatchTransform() {
	done, err := s.deps.Breakers.Allow(s.view.TableName)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordCircuitRejection(s.ctx, s.view.TableName)
		}
		s.log.Warn("transform rejected by open circuit breaker", map[string]interface{}{"table": s.view.TableName})
		s.Send(scheduling.TransformationFailed{})
		return
	}
	s.pendingBreakerDone = done
	s.transformStarted = time.Now()

	if err := s.deps.Executor.Submit(s.ctx, s.view); err != nil {
		s.reportBreakerResult(false, time.Since(s.transformStarted))
		s.Send(scheduling.TransformationFailed{})
	}
}

// reportBreakerResult feeds a Transform outcome back to the breaker that
// gated it and records latency. success is only known once the
// executor's Completion for this view arrives on the bridge.
func (s *Supervisor) reportBreakerResult(success bool, elapsed time.Duration) {
	if s.pendingBreakerDone == nil {
		return
	}
	s.pendingBreakerDone(success)
	s.pendingBreakerDone = nil
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordTransformLatency(s.ctx, s.view.TableName, elapsed.Seconds(), success)
	}
}

func (s *Supervisor) writeTimestamp(ts time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.MetadataFetchTimeout)
	defer cancel()
	if err := s.deps.MetadataStore.LogTransformationTimestamp(ctx, s.view, ts); err != nil {
		s.log.Warn("failed to log transformation timestamp", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Supervisor) writeChecksum() {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.MetadataFetchTimeout)
	defer cancel()
	version := s.deps.Graph.CodeVersion(s.view.URLPath)
	if err := s.deps.MetadataStore.SetViewVersion(ctx, s.view, version); err != nil {
		s.log.Warn("failed to persist transformation checksum", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Supervisor) touchSuccessFlag() {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.MetadataFetchTimeout)
	defer cancel()
	if err := s.deps.Executor.Touch(ctx, s.view.URLPath); err != nil {
		s.log.Warn("failed to touch success flag", map[string]interface{}{"error": err.Error()})
	}
}
