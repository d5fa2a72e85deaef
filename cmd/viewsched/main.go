// Command viewsched runs the view materialization scheduler as a
// standalone process: one HTTP surface for Materialize/Invalidate
// requests, backed by the router/supervisor actor system.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/viewmesh/scheduler/core"
	"github.com/viewmesh/scheduler/executor"
	"github.com/viewmesh/scheduler/listenerbus"
	"github.com/viewmesh/scheduler/metadata"
	"github.com/viewmesh/scheduler/resilience"
	"github.com/viewmesh/scheduler/router"
	"github.com/viewmesh/scheduler/scheduling"
	"github.com/viewmesh/scheduler/supervisor"
	"github.com/viewmesh/scheduler/telemetry"
)

func main() {
	cfg, err := core.NewConfig(configOptions()...)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat).WithComponent("main")

	metrics, err := telemetry.NewMetrics("viewsched")
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	store, closeStore, err := newMetadataStore(cfg)
	if err != nil {
		log.Fatalf("metadata store: %v", err)
	}
	if closeStore != nil {
		defer closeStore()
	}

	storageRoot := os.Getenv("VIEWSCHED_STORAGE_ROOT")
	if storageRoot == "" {
		storageRoot = "./data"
	}
	exec := executor.NewLocalExecutor(executor.LocalExecutorConfig{
		WorkerCount: cfg.TransformWorkerCount,
		Root:        storageRoot,
	})
	defer exec.Shutdown()

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		VolumeThreshold: uint32(cfg.CircuitBreakerVolumeThreshold),
	})
	backoff := resilience.NewBackoffCurve(cfg.RetryBackoffCap)

	bus := listenerbus.NewBus()
	unsubscribe := bus.Subscribe(&loggingSubscriber{log: logger})
	defer unsubscribe()

	graph, err := loadGraph(os.Getenv("VIEWSCHED_GRAPH_FILE"))
	if err != nil {
		log.Fatalf("view graph: %v", err)
	}

	var r *router.Router

	forward := func(urlPath string, ev scheduling.Event) { r.Forward(urlPath, ev) }
	adapter := metadata.NewAdapter(store, cfg.MetadataFetchTimeout, forward)

	notifier := func(l scheduling.Listener, snap listenerbus.Snapshot) {
		logger.Info("external listener notified", map[string]interface{}{
			"external": l.External,
			"view":     snap.ViewPath,
			"label":    snap.Label,
		})
	}

	deps := func(v scheduling.View) supervisor.Deps {
		return supervisor.Deps{
			Router:          r,
			MetadataStore:   store,
			MetadataAdapter: adapter,
			Executor:        exec,
			Breakers:        breakers,
			Backoff:         backoff,
			Bus:             bus,
			Logger:          logger,
			Metrics:         metrics,
			Graph:           graph,
			Notifier:        notifier,
			Config:          cfg,
		}
	}

	r = router.New(func(v scheduling.View) router.Supervisor {
		initial, err := initialStateFor(context.Background(), store, v, graph.CodeVersion(v.URLPath))
		if err != nil {
			logger.Warn("bootstrap metadata lookup failed, starting from scratch", map[string]interface{}{
				"view": v.URLPath, "error": err.Error(),
			})
			initial = scheduling.CreatedFromScratch{View: v}
		}
		return supervisor.New(v, initial, deps(v))
	}, func(urlPath string) scheduling.View {
		return scheduling.View{
			URLPath:    urlPath,
			TableName:  scheduling.TableOf(urlPath),
			IsExternal: graph.IsExternalView(urlPath),
		}
	})

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	defer pumpCancel()
	go supervisor.PumpCompletions(pumpCtx, exec, r)

	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if paths := graph.AllViewPaths(); len(paths) > 0 {
		if err := r.Bootstrap(bootstrapCtx, paths, cfg.BootstrapParallelism); err != nil {
			logger.Warn("bootstrap did not complete cleanly", map[string]interface{}{"error": err.Error()})
		}
	}
	bootstrapCancel()

	srv := newServer(r, logger)

	port := os.Getenv("VIEWSCHED_PORT")
	if port == "" {
		port = "8080"
	}
	httpServer := &http.Server{Addr: ":" + port, Handler: srv}

	go func() {
		logger.Info("listening", map[string]interface{}{"port": port})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", map[string]interface{}{"error": err.Error()})
	}
}

func configOptions() []core.Option {
	var opts []core.Option
	if path := os.Getenv("VIEWSCHED_CONFIG_FILE"); path != "" {
		opt, err := core.LoadYAMLFile(path)
		if err != nil {
			log.Fatalf("config file: %v", err)
		}
		opts = append(opts, opt)
	}
	return opts
}

func newMetadataStore(cfg *core.Config) (metadata.Store, func(), error) {
	if cfg.RedisURL == "" {
		return metadata.NewMemoryStore(), nil, nil
	}
	store, err := metadata.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

// initialStateFor resolves whether a newly-created supervisor should
// start fresh or already believes it knows the view's last materialized
// version, by consulting metadata before the supervisor's run loop starts.
func initialStateFor(ctx context.Context, store metadata.Store, view scheduling.View, codeVersion string) (scheduling.State, error) {
	check, err := store.CheckVersion(ctx, view, codeVersion)
	if err != nil {
		return nil, err
	}
	if check.PersistedTimestamp.IsZero() {
		return scheduling.CreatedFromScratch{View: view}, nil
	}
	return scheduling.ReadFromSchemaManager{
		View:              view,
		Version:           check.PersistedVersion,
		LastTransformedAt: check.PersistedTimestamp,
	}, nil
}

// loggingSubscriber renders every bus event as a structured log line; a
// deployment wanting dashboards or alerts subscribes its own Subscriber
// alongside this one.
type loggingSubscriber struct {
	log *telemetry.Logger
}

func (s *loggingSubscriber) OnStateChanged(e listenerbus.StateChanged) {
	s.log.Info("state changed", map[string]interface{}{
		"view": e.View.URLPath,
		"from": e.Previous.Label(),
		"to":   e.Next.Label(),
	})
}

func (s *loggingSubscriber) OnActionsScheduled(e listenerbus.ActionsScheduled) {
	s.log.Debug("actions scheduled", map[string]interface{}{
		"view":    e.View.URLPath,
		"count":   len(e.Actions),
		"toState": e.Next.Label(),
	})
}

// viewGraphFile is the on-disk shape of a statically declared view graph,
// standing in for a real DSL/discovery mechanism. A deployment without
// VIEWSCHED_GRAPH_FILE gets an empty graph: every view is then treated as
// a NoOp leaf (no dependencies, no transform logic).
type viewGraphFile struct {
	Views []struct {
		Path         string   `yaml:"path"`
		Dependencies []string `yaml:"dependencies"`
		Transform    bool     `yaml:"transform"`
		CodeVersion  string   `yaml:"codeVersion"`
		External     bool     `yaml:"external"`
	} `yaml:"views"`
}

// demoGraph wraps supervisor.StaticGraph with the bootstrap path list and
// external-view membership a viewGraphFile declares, neither of which
// StaticGraph itself tracks.
type demoGraph struct {
	*supervisor.StaticGraph
	paths    []string
	external map[string]bool
}

func (g *demoGraph) AllViewPaths() []string { return g.paths }
func (g *demoGraph) IsExternalView(urlPath string) bool {
	return g.external[urlPath]
}

func loadGraph(path string) (*demoGraph, error) {
	g := &demoGraph{StaticGraph: supervisor.NewStaticGraph(), external: make(map[string]bool)}
	if path == "" {
		return g, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph file %s: %w", path, err)
	}
	var vgf viewGraphFile
	if err := yaml.Unmarshal(data, &vgf); err != nil {
		return nil, fmt.Errorf("parsing graph file %s: %w", path, err)
	}

	for _, v := range vgf.Views {
		g.paths = append(g.paths, v.Path)
		g.WithDependencies(v.Path, v.Dependencies...)
		g.WithTransformLogic(v.Path, v.Transform)
		g.WithCodeVersion(v.Path, v.CodeVersion)
		if v.External {
			g.external[v.Path] = true
		}
	}
	return g, nil
}

// newServer builds the HTTP surface for issuing Materialize/Invalidate
// requests against the running view graph.
func newServer(r *router.Router, logger *telemetry.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/materialize", func(w http.ResponseWriter, req *http.Request) {
		handleRequest(w, req, r, logger, func(view string, requester scheduling.Listener, mode scheduling.MaterializationMode) scheduling.Event {
			return scheduling.Materialize{Mode: mode, Requester: requester}
		})
	})

	mux.HandleFunc("/invalidate", func(w http.ResponseWriter, req *http.Request) {
		handleRequest(w, req, r, logger, func(view string, requester scheduling.Listener, mode scheduling.MaterializationMode) scheduling.Event {
			return scheduling.Invalidate{Requester: requester}
		})
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

type materializeRequest struct {
	View       string                        `json:"view"`
	Mode       scheduling.MaterializationMode `json:"mode,omitempty"`
	ExternalID string                         `json:"externalId"`
}

func handleRequest(w http.ResponseWriter, req *http.Request, r *router.Router, logger *telemetry.Logger, build func(view string, requester scheduling.Listener, mode scheduling.MaterializationMode) scheduling.Event) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body materializeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.View == "" {
		http.Error(w, "view is required", http.StatusBadRequest)
		return
	}
	mode := body.Mode
	if mode == "" {
		mode = scheduling.ModeDefault
	}
	if !mode.Valid() {
		http.Error(w, fmt.Sprintf("unknown mode %q", body.Mode), http.StatusBadRequest)
		return
	}
	externalID := body.ExternalID
	if externalID == "" {
		externalID = core.NewID()
	}

	ev := build(body.View, scheduling.Listener{External: externalID}, mode)
	r.LookupOrCreate(body.View).Send(ev)

	logger.Info("request accepted", map[string]interface{}{"view": body.View, "externalId": externalID})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"view": body.View, "externalId": externalID})
}
