package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
	"github.com/specialistvlad/gridtune/internal/dupcheck"
	"github.com/specialistvlad/gridtune/internal/hclconfig"
	"github.com/specialistvlad/gridtune/internal/observability"
	"github.com/specialistvlad/gridtune/internal/runner"
	"github.com/specialistvlad/gridtune/internal/scheduler"
	"github.com/specialistvlad/gridtune/internal/session"
	"github.com/specialistvlad/gridtune/internal/statestore"
	"github.com/specialistvlad/gridtune/internal/workers"
)

// Option customizes an App.
type Option func(*App)

// WithRunner replaces the configured runner transport.
func WithRunner(r runner.Runner) Option {
	return func(a *App) { a.runner = r }
}

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	ctx      context.Context
	config   *Config
	registry *workers.Registry
	store    *statestore.Store
	metrics  *observability.Metrics
	sessions *session.Manager
	runner   runner.Runner

	mu            sync.Mutex
	scheduler     *scheduler.Scheduler
	stopRequested bool
	httpServer    *http.Server
}

// NewApp is the constructor for the main application. It configures an
// isolated logger and loads the worker registry.
func NewApp(outW io.Writer, cfg *Config, opts ...Option) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	registry, err := workers.Load(ctx, cfg.WorkersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load workers: %w", err)
	}
	logger.Debug("Worker registry loaded.", "path", cfg.WorkersFile, "count", registry.Len())

	a := &App{
		outW:     outW,
		logger:   logger,
		ctx:      ctx,
		config:   cfg,
		registry: registry,
		store:    statestore.New(cfg.StateFile),
		metrics:  observability.NewMetrics(),
		sessions: session.NewManager(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Workers returns the worker registry in file order.
func (a *App) Workers() []workers.Worker {
	return a.registry.All()
}

// Metrics returns the application's collectors.
func (a *App) Metrics() *observability.Metrics {
	return a.metrics
}

// Status reads the persisted tuning state.
func (a *App) Status(ctx context.Context) (scheduler.Status, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	return scheduler.ReadStatus(ctx, a.store, a.registry, a.sessions.Active())
}

// Init derives and persists the tuning state if it is missing. It reports
// the resulting counts and whether a fresh state was written.
func (a *App) Init(ctx context.Context) (statestore.Counts, bool, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	doc, fresh, err := a.store.InitializeIfAbsent(ctx, a.registry.IDs())
	if err != nil {
		return statestore.Counts{}, false, err
	}
	return doc.State.Counts(), fresh, nil
}

// Stop asks a running tuning loop to finish its current pass and return. A
// Stop that arrives before Run has built its scheduler is held and applied
// once it has.
func (a *App) Stop() {
	a.mu.Lock()
	sched := a.scheduler
	if sched == nil {
		a.stopRequested = true
	}
	a.mu.Unlock()
	if sched == nil {
		a.logger.Info("Stop requested before tuning started.")
		return
	}
	a.logger.Info("Stop requested; finishing the current pass.")
	sched.Stop()
}

// buildRunner returns the configured transport and a function releasing it.
func (a *App) buildRunner(ctx context.Context) (runner.Runner, func(), error) {
	if a.runner != nil {
		return a.runner, func() {}, nil
	}
	rc := a.config.Runner
	switch rc.Type {
	case hclconfig.RunnerSocketIO:
		r, err := runner.DialSocketIO(ctx, runner.SocketIOConfig{
			URL:                rc.URL,
			Namespace:          rc.Namespace,
			Timeout:            rc.Timeout,
			InsecureSkipVerify: rc.InsecureSkipVerify,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		r, err := runner.NewExec(rc.Command, rc.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return r, func() {}, nil
	}
}

func (a *App) newScheduler(r runner.Runner) *scheduler.Scheduler {
	launcher := runner.NewLauncher(r, a.config.SettleDelay)
	launcher.OnDone = a.recordSubmission

	opts := []scheduler.Option{
		scheduler.WithMetrics(a.metrics),
		scheduler.WithSessions(a.sessions),
	}
	if seed := a.config.Seed; seed != nil {
		rng := rand.New(rand.NewPCG(*seed, *seed))
		opts = append(opts, scheduler.WithPicker(rng.IntN))
	}

	return scheduler.New(a.store, a.registry, dupcheck.New(r), launcher, scheduler.Config{
		LaunchDelay:   a.config.LaunchDelay,
		RoundCooldown: a.config.RoundCooldown,
		ForceNewRun:   a.config.ForceNewRun,
	}, opts...)
}

func (a *App) recordSubmission(req runner.Request, res runner.Result, err error) {
	kind := "resume"
	if req.ForceConfig {
		kind = "new"
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.TimedOut:
		outcome = "timeout"
	}
	a.metrics.RecordSubmission(kind, outcome)
}
