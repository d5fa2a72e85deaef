package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/viewmesh/scheduler/scheduling"
)

// TransformFunc runs a view's transformation logic and reports whether it
// produced data. It stands in for whatever actual transformation driver
// a deployment plugs in (Hive, MapReduce, a shell script, and so on).
type TransformFunc func(ctx context.Context, view scheduling.View) (hasData bool, err error)

// LocalExecutorConfig configures a LocalExecutor.
type LocalExecutorConfig struct {
	// WorkerCount bounds how many transformations run concurrently.
	// Default: 5.
	WorkerCount int
	// Root is the filesystem directory Touch writes _SUCCESS markers
	// under, one subdirectory per view's URLPath.
	Root string
	// Transform is invoked for every Submit call. A nil Transform always
	// reports hasData=true with no error, useful for tests that only
	// care about the scheduling around submission.
	Transform TransformFunc
}

func (c *LocalExecutorConfig) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 5
	}
	if c.Transform == nil {
		c.Transform = func(context.Context, scheduling.View) (bool, error) { return true, nil }
	}
}

type submission struct {
	ctx  context.Context
	view scheduling.View
}

// LocalExecutor is the reference Executor: an in-process worker pool that
// runs TransformFunc for each submitted view and a real filesystem Touch.
type LocalExecutor struct {
	cfg LocalExecutorConfig

	queue       chan submission
	completions chan Completion

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewLocalExecutor starts cfg.WorkerCount worker goroutines draining a
// submission queue.
func NewLocalExecutor(cfg LocalExecutorConfig) *LocalExecutor {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &LocalExecutor{
		cfg:         cfg,
		queue:       make(chan submission, cfg.WorkerCount*4),
		completions: make(chan Completion, cfg.WorkerCount*4),
		cancel:      cancel,
	}
	e.running.Store(true)

	for i := 0; i < cfg.WorkerCount; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}

	return e
}

func (e *LocalExecutor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-e.queue:
			hasData, err := e.cfg.Transform(sub.ctx, sub.view)
			e.completions <- Completion{View: sub.view, HasData: hasData, Err: err}
		}
	}
}

// Submit enqueues view for transformation. It returns immediately;
// completion arrives later on Completions().
func (e *LocalExecutor) Submit(ctx context.Context, view scheduling.View) error {
	if !e.running.Load() {
		return fmt.Errorf("executor: submit after shutdown")
	}
	select {
	case e.queue <- submission{ctx: ctx, view: view}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Touch creates the _SUCCESS marker file at <Root>/<path>/_SUCCESS.
func (e *LocalExecutor) Touch(ctx context.Context, path string) error {
	dir := filepath.Join(e.cfg.Root, path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("executor: touch mkdir %s: %w", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, "_SUCCESS"))
	if err != nil {
		return fmt.Errorf("executor: touch create %s: %w", dir, err)
	}
	return f.Close()
}

// Completions returns the channel completed submissions are reported on.
func (e *LocalExecutor) Completions() <-chan Completion { return e.completions }

// CheckSuccessFlag reports whether <Root>/<path>/_SUCCESS exists. This
// satisfies the optional probe interface a supervisor uses to resolve a
// NoOp, dependency-less view's readiness without running a transform.
func (e *LocalExecutor) CheckSuccessFlag(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(filepath.Join(e.cfg.Root, path, "_SUCCESS"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Shutdown stops accepting new submissions and waits for in-flight
// workers to drain.
func (e *LocalExecutor) Shutdown() {
	e.running.Store(false)
	e.cancel()
	e.wg.Wait()
	close(e.completions)
}
