package scheduling

import "time"

// ExternalDep is the pseudo-dependency key used to drive an external
// view's metadata round trip through the Waiting state, rather than
// inventing a tenth named state: an external view waiting on its
// metadata lookup is simply Waiting with a single pseudo-dependency.
// A successful lookup resolves through the same path as any other
// fan-in; Step special-cases a ViewFailed against this key to fail the
// view outright instead of folding it into the generic fan-in outcome.
// Exported so the metadata adapter can report a timed-out or errored
// fetch as a ViewFailed against this same key.
const ExternalDep = "$external"

const externalDep = ExternalDep

// StepParams carries the contextual inputs Step needs but must not read
// from ambient state: the wall clock, configured limits, the view's
// declared dependency list, and whatever the metadata adapter/storage
// probe already resolved for this call. Step never touches a clock or a
// store itself — the caller (the supervisor) gathers these first.
type StepParams struct {
	Now time.Time

	// MaxRetries bounds Transforming -> Retrying before Failed.
	MaxRetries int

	// Dependencies are the view's declared inputs. Empty means the view
	// has no dependencies; combined with HasTransformLogic=false it is
	// the "NoOp" case resolved via a storage probe instead
	// of a transformation.
	Dependencies []string

	// HasTransformLogic is false only for a NoOp, dependency-less view
	// (e.g. a raw-storage leaf) whose readiness is entirely determined
	// by SuccessFlagExists.
	HasTransformLogic bool

	// CodeVersion is the view's current transformation checksum.
	CodeVersion string
	// PersistedVersion/PersistedTimestamp are what metadata last recorded.
	PersistedVersion   string
	PersistedTimestamp time.Time

	// SuccessFlagExists is the result of the C5-mediated _SUCCESS probe,
	// only consulted for NoOp views.
	SuccessFlagExists bool
}

// Result is the pure output of a single Step call.
type Result struct {
	Next    State
	Actions []Action
}

func noop(s State) Result { return Result{Next: s, Actions: nil} }

// Step is the sole entry point to the state machine: total over every
// reachable (State, Event) pair, deterministic, side-effect free.
func Step(state State, event Event, params StepParams) Result {
	switch e := event.(type) {
	case Materialize:
		return stepMaterialize(state, e, params)
	case Invalidate:
		return stepInvalidate(state, e)
	case ViewMaterialized:
		return stepWaitingFanIn(state, e.Dep, params, fanInOutcome{hasData: true, depWithErrors: e.WithErrors, depIncomplete: e.Incomplete})
	case ViewHasNoData:
		return stepWaitingFanIn(state, e.Dep, params, fanInOutcome{hasData: false, depIncomplete: true})
	case ViewFailed:
		if e.Dep == ExternalDep {
			return stepExternalMetadataFailed(state)
		}
		return stepWaitingFanIn(state, e.Dep, params, fanInOutcome{hasData: false, depWithErrors: true})
	case TransformationSucceeded:
		return stepTransformationSucceeded(state, e, params)
	case TransformationFailed:
		return stepTransformationFailed(state, params)
	case Retry:
		return stepRetry(state)
	case MetaDataForMaterialize:
		return stepExternalMetadata(state, e, params)
	default:
		return noop(state)
	}
}

// stepMaterialize handles a Materialize event: enqueue the requester if
// already in flight, otherwise kick off NoOp/external/fan-out logic.
func stepMaterialize(state State, e Materialize, params StepParams) Result {
	switch s := state.(type) {
	case Waiting:
		s.Listeners = append(append([]Listener{}, s.Listeners...), e.Requester)
		return noop(s)
	case Transforming:
		s.Listeners = append(append([]Listener{}, s.Listeners...), e.Requester)
		return noop(s)
	case Retrying:
		s.Listeners = append(append([]Listener{}, s.Listeners...), e.Requester)
		return noop(s)
	}

	view := state.ViewOf()
	mode := e.Mode
	if mode == "" {
		mode = ModeDefault
	}

	if view.IsExternal {
		waiting := Waiting{
			View:                      view,
			Listeners:                 []Listener{e.Requester},
			DependenciesMaterializing: map[string]struct{}{externalDep: {}},
			Mode:                      mode,
		}
		return Result{
			Next:    waiting,
			Actions: []Action{FetchExternalMetadata{View: view, Mode: mode, Requester: e.Requester}},
		}
	}

	if len(params.Dependencies) == 0 && !params.HasTransformLogic {
		if params.SuccessFlagExists {
			return Result{
				Next: Materialized{View: view, TransformationTimestamp: params.Now},
				Actions: []Action{
					ReportMaterialized{View: view, Listeners: []Listener{e.Requester}, Ts: params.Now},
				},
			}
		}
		return Result{
			Next:    NoData{View: view},
			Actions: []Action{ReportNoDataAvailable{View: view, Listeners: []Listener{e.Requester}}},
		}
	}

	if len(params.Dependencies) == 0 {
		// Has transform logic but nothing to wait on: proceed straight to
		// the post-fan-in decision with an implicit "data available".
		return resolveFanInComplete(view, []Listener{e.Requester}, mode, false, false, params)
	}

	deps := make(map[string]struct{}, len(params.Dependencies))
	actions := make([]Action, 0, len(params.Dependencies))
	for _, d := range params.Dependencies {
		deps[d] = struct{}{}
		actions = append(actions, MaterializeDep{Dep: d, Mode: mode})
	}

	return Result{
		Next: Waiting{
			View:                      view,
			Listeners:                 []Listener{e.Requester},
			DependenciesMaterializing: deps,
			Mode:                      mode,
		},
		Actions: actions,
	}
}

// stepInvalidate handles an Invalidate event: during {Waiting,
// Transforming, Retrying} it always yields ReportNotInvalidated;
// everywhere else it yields Invalidated.
func stepInvalidate(state State, e Invalidate) Result {
	switch s := state.(type) {
	case Waiting:
		return Result{Next: s, Actions: []Action{ReportNotInvalidated{View: s.View, Listeners: []Listener{e.Requester}}}}
	case Transforming:
		return Result{Next: s, Actions: []Action{ReportNotInvalidated{View: s.View, Listeners: []Listener{e.Requester}}}}
	case Retrying:
		return Result{Next: s, Actions: []Action{ReportNotInvalidated{View: s.View, Listeners: []Listener{e.Requester}}}}
	}

	view := state.ViewOf()
	return Result{
		Next:    Invalidated{View: view},
		Actions: []Action{ReportInvalidated{View: view, Listeners: []Listener{e.Requester}}},
	}
}

type fanInOutcome struct {
	hasData       bool
	depWithErrors bool
	depIncomplete bool
}

// stepWaitingFanIn handles ViewMaterialized/ViewHasNoData/ViewFailed for
// a real dependency. A ViewFailed against the external metadata
// pseudo-dependency never reaches here: Step routes it to
// stepExternalMetadataFailed instead.
func stepWaitingFanIn(state State, dep string, params StepParams, outcome fanInOutcome) Result {
	w, ok := state.(Waiting)
	if !ok {
		return noop(state)
	}
	if _, tracked := w.DependenciesMaterializing[dep]; !tracked {
		return noop(state)
	}

	remaining := make(map[string]struct{}, len(w.DependenciesMaterializing)-1)
	for k := range w.DependenciesMaterializing {
		if k != dep {
			remaining[k] = struct{}{}
		}
	}

	withErrors := w.WithErrors || outcome.depWithErrors
	incomplete := w.Incomplete || outcome.depIncomplete
	oneReturnedData := w.OneDependencyReturnedData || outcome.hasData

	if len(remaining) > 0 {
		w.DependenciesMaterializing = remaining
		w.WithErrors = withErrors
		w.Incomplete = incomplete
		w.OneDependencyReturnedData = oneReturnedData
		return noop(w)
	}

	return resolveFanInComplete(w.View, w.Listeners, w.Mode, withErrors, incomplete, params, withData(oneReturnedData))
}

type fanInCompleteOpt func(*fanInCompleteState)
type fanInCompleteState struct{ oneReturnedData bool }

func withData(v bool) fanInCompleteOpt {
	return func(s *fanInCompleteState) { s.oneReturnedData = v }
}

// resolveFanInComplete is the "when empty" branch of Waiting's fan-in
// handling, also reused for the zero-dependency Materialize
// shortcut and for Retrying->Transforming's checksum recheck is NOT
// needed there (only on initial fan-in), so this is only called once per
// materialize attempt.
func resolveFanInComplete(view View, listeners []Listener, mode MaterializationMode, withErrors, incomplete bool, params StepParams, opts ...fanInCompleteOpt) Result {
	st := fanInCompleteState{oneReturnedData: true}
	for _, o := range opts {
		o(&st)
	}

	if !st.oneReturnedData {
		return Result{
			Next:    NoData{View: view},
			Actions: []Action{ReportNoDataAvailable{View: view, Listeners: listeners}},
		}
	}

	if mode == ModeSetOnly {
		return Result{
			Next: Materialized{View: view, TransformationTimestamp: params.Now, WithErrors: withErrors, Incomplete: incomplete},
			Actions: []Action{
				WriteTransformationTimestamp{View: view, Ts: params.Now},
				WriteTransformationChecksum{View: view},
				ReportMaterialized{View: view, Listeners: listeners, Ts: params.Now, WithErrors: withErrors, Incomplete: incomplete},
			},
		}
	}

	nothingChanged := params.PersistedVersion == params.CodeVersion && !params.PersistedTimestamp.IsZero()
	if nothingChanged && !mode.ForcesTransform() {
		return Result{
			Next: Materialized{View: view, TransformationTimestamp: params.PersistedTimestamp, WithErrors: withErrors, Incomplete: incomplete},
			Actions: []Action{
				ReportMaterialized{View: view, Listeners: listeners, Ts: params.PersistedTimestamp, WithErrors: withErrors, Incomplete: incomplete},
			},
		}
	}

	return Result{
		Next: Transforming{View: view, Listeners: listeners, Retry: 0, WithErrors: withErrors, Incomplete: incomplete, Mode: mode},
		Actions: []Action{
			Transform{View: view},
		},
	}
}

// stepExternalMetadata handles the MetaDataForMaterialize response for an
// external view's pending pseudo-dependency.
func stepExternalMetadata(state State, e MetaDataForMaterialize, params StepParams) Result {
	w, ok := state.(Waiting)
	if !ok {
		return noop(state)
	}
	if _, pending := w.DependenciesMaterializing[externalDep]; !pending {
		return noop(state)
	}

	return Result{
		Next: Materialized{View: w.View, TransformationTimestamp: e.Timestamp, WithErrors: false, Incomplete: false},
		Actions: []Action{
			ReportMaterialized{View: w.View, Listeners: w.Listeners, Ts: e.Timestamp, WithErrors: false, Incomplete: false},
		},
	}
}

// stepExternalMetadataFailed handles a ViewFailed reported against the
// external metadata pseudo-dependency: an external view's metadata fetch
// erroring or timing out fails the view outright, distinct from a real
// dependency failing, which only contributes to the fan-in outcome.
func stepExternalMetadataFailed(state State) Result {
	w, ok := state.(Waiting)
	if !ok {
		return noop(state)
	}
	if _, pending := w.DependenciesMaterializing[externalDep]; !pending {
		return noop(state)
	}

	return Result{
		Next:    Failed{View: w.View},
		Actions: []Action{ReportFailed{View: w.View, Listeners: w.Listeners}},
	}
}

func stepTransformationSucceeded(state State, e TransformationSucceeded, params StepParams) Result {
	t, ok := state.(Transforming)
	if !ok {
		return noop(state)
	}

	if !e.HasData {
		return Result{
			Next:    NoData{View: t.View},
			Actions: []Action{ReportNoDataAvailable{View: t.View, Listeners: t.Listeners}},
		}
	}

	return Result{
		Next: Materialized{View: t.View, TransformationTimestamp: params.Now, WithErrors: t.WithErrors, Incomplete: t.Incomplete},
		Actions: []Action{
			WriteTransformationTimestamp{View: t.View, Ts: params.Now},
			WriteTransformationChecksum{View: t.View},
			TouchSuccessFlag{View: t.View},
			ReportMaterialized{View: t.View, Listeners: t.Listeners, Ts: params.Now, WithErrors: t.WithErrors, Incomplete: t.Incomplete},
		},
	}
}

func stepTransformationFailed(state State, params StepParams) Result {
	t, ok := state.(Transforming)
	if !ok {
		return noop(state)
	}

	if t.Retry < params.MaxRetries {
		return noop(Retrying{
			View:       t.View,
			Listeners:  t.Listeners,
			Retry:      t.Retry + 1,
			WithErrors: t.WithErrors,
			Incomplete: t.Incomplete,
			Mode:       t.Mode,
		})
	}

	return Result{
		Next:    Failed{View: t.View},
		Actions: []Action{ReportFailed{View: t.View, Listeners: t.Listeners}},
	}
}

func stepRetry(state State) Result {
	r, ok := state.(Retrying)
	if !ok {
		return noop(state)
	}

	return Result{
		Next: Transforming{
			View:       r.View,
			Listeners:  r.Listeners,
			Retry:      r.Retry,
			WithErrors: r.WithErrors,
			Incomplete: r.Incomplete,
			Mode:       r.Mode,
		},
		Actions: []Action{Transform{View: r.View}},
	}
}
