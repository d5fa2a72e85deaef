package supervisor

import (
	"context"

	"github.com/viewmesh/scheduler/executor"
	"github.com/viewmesh/scheduler/router"
	"github.com/viewmesh/scheduler/scheduling"
)

// PumpCompletions drains exec's Completions channel and forwards each one
// to its originating view's supervisor as a TransformationSucceeded or
// TransformationFailed event. It never creates a supervisor — a
// completion can only exist for a view whose supervisor submitted the
// Transform in the first place, so router.Forward's buffering handles
// the (harmless) case where that supervisor briefly doesn't exist, such
// as immediately after a crash-recovery restart.
func PumpCompletions(ctx context.Context, exec executor.Executor, r *router.Router) {
	completions := exec.Completions()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-completions:
			if !ok {
				return
			}
			if c.Err != nil {
				r.Forward(c.View.URLPath, scheduling.TransformationFailed{})
				continue
			}
			r.Forward(c.View.URLPath, scheduling.TransformationSucceeded{HasData: c.HasData})
		}
	}
}
