// Package executor implements the transformation executor: the boundary
// between a view's scheduling state and whatever actually runs its
// transformation logic (a Hive job, a MapReduce step, a shell script —
// none of which this package concerns itself with). Executor only has to
// submit work and report completion; what it submits to is a
// caller-supplied function.
package executor

import (
	"context"

	"github.com/viewmesh/scheduler/scheduling"
)

// Completion is delivered on Executor.Completions() once a Submit call
// finishes, successfully or not.
type Completion struct {
	View    scheduling.View
	HasData bool
	Err     error
}

// Executor submits a view's transformation and reports completions
// asynchronously; Submit itself must not block on the transformation
// running to completion, since the supervisor dispatching it cannot
// afford to stall its inbox loop.
type Executor interface {
	Submit(ctx context.Context, view scheduling.View) error
	Touch(ctx context.Context, path string) error
	Completions() <-chan Completion
}
