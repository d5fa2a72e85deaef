package metadata

import (
	"context"
	"time"

	"github.com/viewmesh/scheduler/scheduling"
)

// Forwarder delivers an event to a view's supervisor. router.Router
// satisfies this via its Forward method.
type Forwarder func(urlPath string, ev scheduling.Event)

// Adapter converts a Store's synchronous calls into the asynchronous
// GetMetaDataForMaterialize/MetaDataForMaterialize message pair the state
// machine expects for external views. A fetch that errors or doesn't
// complete in time is reported back as a ViewFailed against the external
// pseudo-dependency, which the state machine fails the view outright on,
// so a stuck metadata call never leaves the view waiting forever.
type Adapter struct {
	store        Store
	fetchTimeout time.Duration
	forward      Forwarder
}

// NewAdapter builds an Adapter. fetchTimeout corresponds to
// core.Config.MetadataFetchTimeout.
func NewAdapter(store Store, fetchTimeout time.Duration, forward Forwarder) *Adapter {
	return &Adapter{store: store, fetchTimeout: fetchTimeout, forward: forward}
}

// HandleFetchExternalMetadata executes a's FetchExternalMetadata action.
// It runs asynchronously (the supervisor must not block dispatching
// actions on a metadata round trip), delivering exactly one event back to
// the requesting view via Forwarder.
func (a *Adapter) HandleFetchExternalMetadata(action scheduling.FetchExternalMetadata) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.fetchTimeout)
		defer cancel()

		snap, err := a.store.GetMetaDataForMaterialize(ctx, action.View, action.Mode, action.Requester.External)
		if err != nil || ctx.Err() != nil {
			a.forward(action.View.URLPath, scheduling.ViewFailed{Dep: scheduling.ExternalDep})
			return
		}

		a.forward(action.View.URLPath, scheduling.MetaDataForMaterialize{
			Version:   snap.Version,
			Timestamp: snap.Timestamp,
			Mode:      action.Mode,
			Origin:    action.Requester,
		})
	}()
}

// ResolveStepParams returns the metadata-derived fields of
// scheduling.StepParams for view ahead of a Materialize call: the
// persisted version and timestamp.
func (a *Adapter) ResolveStepParams(ctx context.Context, view scheduling.View, codeVersion string) (version string, timestamp time.Time, err error) {
	check, err := a.store.CheckVersion(ctx, view, codeVersion)
	if err != nil {
		return "", time.Time{}, err
	}
	return check.PersistedVersion, check.PersistedTimestamp, nil
}
