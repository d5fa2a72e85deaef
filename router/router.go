// Package router implements the router: a sharded concurrent map
// from view identity to its supervisor's inbox, with message buffering
// for views that haven't been supervised yet.
package router

import (
	"context"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/viewmesh/scheduler/scheduling"
)

const shardCount = 16

// Supervisor is the subset of the per-view actor's API the router needs
// to address it. supervisor.Supervisor implements this.
type Supervisor interface {
	Send(scheduling.Event)
	View() scheduling.View
}

// Factory creates a supervisor for a view the router has not seen before.
// Lookups that race on the same view are serialized by the owning shard's
// lock, so Factory is called at most once per view.
type Factory func(v scheduling.View) Supervisor

type shard struct {
	mu      sync.Mutex
	handles map[string]Supervisor
	pending map[string][]scheduling.Event
}

// Router addresses per-view supervisors by urlPath, creating them lazily
// and buffering events addressed to a view whose supervisor doesn't exist
// yet, draining the buffer in arrival order once it is created.
type Router struct {
	shards  [shardCount]*shard
	factory Factory
	views   func(urlPath string) scheduling.View
}

// New constructs a Router. viewOf resolves a bare urlPath into a fully
// populated scheduling.View (table name, external flag) the first time
// the router needs to create a supervisor for it.
func New(factory Factory, viewOf func(urlPath string) scheduling.View) *Router {
	r := &Router{factory: factory, views: viewOf}
	for i := range r.shards {
		r.shards[i] = &shard{handles: make(map[string]Supervisor), pending: make(map[string][]scheduling.Event)}
	}
	return r
}

func (r *Router) shardFor(urlPath string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(urlPath))
	return r.shards[h.Sum32()%shardCount]
}

// Lookup returns the supervisor handle for urlPath if one already exists.
func (r *Router) Lookup(urlPath string) (Supervisor, bool) {
	s := r.shardFor(urlPath)
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[urlPath]
	return h, ok
}

// LookupOrCreate returns the existing supervisor for urlPath, or creates
// one via the router's Factory and drains any events buffered while no
// supervisor existed, in the order they arrived.
func (r *Router) LookupOrCreate(urlPath string) Supervisor {
	s := r.shardFor(urlPath)
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[urlPath]; ok {
		return h
	}

	h := r.factory(r.views(urlPath))
	s.handles[urlPath] = h

	for _, ev := range s.pending[urlPath] {
		h.Send(ev)
	}
	delete(s.pending, urlPath)

	return h
}

// Forward delivers ev to urlPath's supervisor, buffering it if the
// supervisor does not exist yet rather than creating one — a dependency
// should not spring a downstream view into existence just by reporting
// completion to it.
func (r *Router) Forward(urlPath string, ev scheduling.Event) {
	s := r.shardFor(urlPath)
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[urlPath]; ok {
		h.Send(ev)
		return
	}
	s.pending[urlPath] = append(s.pending[urlPath], ev)
}

// Broadcast delivers ev to every existing supervisor. Used for nothing in
// the base protocol today; kept for operational tooling (e.g. draining on
// shutdown) that needs to reach every live view.
func (r *Router) Broadcast(ev scheduling.Event) {
	for _, s := range r.shards {
		s.mu.Lock()
		for _, h := range s.handles {
			h.Send(ev)
		}
		s.mu.Unlock()
	}
}

// Bootstrap primes supervisors for every view path in urlPaths concurrently,
// bounded by parallelism, so a process restart doesn't serialize supervisor
// creation for a large view graph.
func (r *Router) Bootstrap(ctx context.Context, urlPaths []string, parallelism int) error {
	if parallelism <= 0 {
		parallelism = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, p := range urlPaths {
		urlPath := p
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			r.LookupOrCreate(urlPath)
			return nil
		})
	}
	return g.Wait()
}
