package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
	"github.com/specialistvlad/gridtune/internal/dupcheck"
	"github.com/specialistvlad/gridtune/internal/observability"
	"github.com/specialistvlad/gridtune/internal/runner"
	"github.com/specialistvlad/gridtune/internal/session"
	"github.com/specialistvlad/gridtune/internal/statestore"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
	"github.com/specialistvlad/gridtune/internal/tuning"
	"github.com/specialistvlad/gridtune/internal/workers"
)

// Default delays of the round loop.
const (
	DefaultLaunchDelay   = 5 * time.Minute
	DefaultRoundCooldown = 4 * time.Hour
)

// Config tunes the round loop.
type Config struct {
	// LaunchDelay separates consecutive workers within a pass.
	LaunchDelay time.Duration
	// RoundCooldown separates passes.
	RoundCooldown time.Duration
	// ForceNewRun asks resumed jobs to start a new run. It applies to the
	// first pass of Run only.
	ForceNewRun bool
}

// DefaultConfig returns the production delays.
func DefaultConfig() Config {
	return Config{LaunchDelay: DefaultLaunchDelay, RoundCooldown: DefaultRoundCooldown}
}

// Status is a point-in-time view of the tuning run.
type Status struct {
	statestore.Counts
	Initialized bool           `json:"initialized"`
	Active      bool           `json:"active"`
	Workers     []WorkerStatus `json:"workers"`
}

// WorkerStatus is one worker's slot.
type WorkerStatus struct {
	ID          string `json:"id"`
	Identity    string `json:"identity"`
	Combination string `json:"combination,omitempty"`
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithPicker replaces the uniform random choice of an unassigned index.
// pick(n) must return a value in [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(s *Scheduler) { s.pick = pick }
}

// WithMetrics records scheduler activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSessions shares a lease manager with other components.
func WithSessions(m *session.Manager) Option {
	return func(s *Scheduler) { s.sessions = m }
}

// Scheduler assigns combinations to workers.
type Scheduler struct {
	store     *statestore.Store
	registry  *workers.Registry
	checker   Checker
	submitter Submitter
	cfg       Config

	pick     func(n int) int
	metrics  *observability.Metrics
	sessions *session.Manager

	forceNewRun atomic.Bool

	mu       sync.Mutex
	stopCh   chan struct{}
	stopping bool
}

// New creates a scheduler over the given collaborators.
func New(store *statestore.Store, registry *workers.Registry, checker Checker, submitter Submitter, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		registry:  registry,
		checker:   checker,
		submitter: submitter,
		cfg:       cfg,
		pick:      rand.IntN,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = session.NewManager()
	}
	return s
}

// Sessions returns the lease manager guarding Run.
func (s *Scheduler) Sessions() *session.Manager {
	return s.sessions
}

// Run initializes the tuning state if needed and repeats passes until ctx is
// cancelled or Stop is called. Configuration and persistence problems found
// during initialization abort Run before the first pass. Run returns nil
// after a graceful stop and waits for in-flight submissions before
// returning.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	stop := s.stopSignal()

	lease, err := s.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)
	defer s.rearmStop()
	s.metrics.SetRoundActive(true)
	defer s.metrics.SetRoundActive(false)

	doc, fresh, err := s.store.InitializeIfAbsent(ctx, s.registry.IDs())
	if err != nil {
		return fmt.Errorf("initialize tuning state: %w", err)
	}
	counts := doc.State.Counts()
	s.metrics.RecordCounts(counts)
	logger.Info("🚀 Tuning started.", "fresh", fresh, "workers", s.registry.Len(),
		"unassigned", counts.Unassigned, "assigned", counts.Assigned, "finished", counts.Finished)

	defer func() {
		logger.Debug("Waiting for in-flight submissions...")
		if err := s.submitter.Wait(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Stopped waiting for submissions.", "error", err)
		}
	}()
	stopped := func(rounds int) error {
		logger.Info("🏁 Tuning stopped.", "rounds", rounds, "elapsed", time.Since(lease.Started()).Round(time.Second))
		return nil
	}

	for round := 1; ; round++ {
		if isClosed(stop) {
			return stopped(round - 1)
		}
		s.forceNewRun.Store(s.cfg.ForceNewRun && round == 1)
		roundCtx, roundLogger := ctxlog.With(ctx, "round", round)
		roundLogger.Info("Starting round.", "workers", s.registry.Len())

		if err := s.Pass(roundCtx); err != nil {
			return err
		}
		s.metrics.RecordRound()

		if isClosed(stop) {
			return stopped(round)
		}
		roundLogger.Info("All workers serviced. Waiting before next round.", "cooldown", s.cfg.RoundCooldown)
		woken, err := sleep(ctx, s.cfg.RoundCooldown, stop)
		if err != nil {
			return err
		}
		if woken {
			return stopped(round)
		}
	}
}

// Stop ends Run after the current pass. The cooldown wait wakes at once. A
// Stop issued while Run is still starting up ends it before the first
// round.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopping {
		s.stopping = true
		close(s.stopCh)
	}
}

func (s *Scheduler) stopSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}

// rearmStop gives the next Run a fresh stop signal.
func (s *Scheduler) rearmStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.stopping = false
}

// Pass services every worker once, in registry order. A failing worker is
// logged and counted and the pass moves on after the usual launch delay.
// Only cancellation of ctx ends a pass early.
func (s *Scheduler) Pass(ctx context.Context) error {
	all := s.registry.All()
	for i, w := range all {
		if err := s.Turn(ctx, w); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.recordFailure(ctx, w, err)
		}
		if i == len(all)-1 {
			break
		}
		if _, err := sleep(ctx, s.cfg.LaunchDelay, nil); err != nil {
			return err
		}
	}
	return nil
}

// Turn services one worker: it reloads the state, then resumes or finishes
// the worker's active combination, or draws a new one from the pool.
func (s *Scheduler) Turn(ctx context.Context, w workers.Worker) error {
	ctx, logger := ctxlog.With(ctx, "worker", w.ID)
	logger.Debug("Worker turn started.")

	for restarts := 0; ; restarts++ {
		doc, _, err := s.store.InitializeIfAbsent(ctx, s.registry.IDs())
		if err != nil {
			return err
		}
		st := doc.State
		s.metrics.RecordCounts(st.Counts())

		combo, ok := st.Assignment(w.ID)
		if !ok {
			return s.assignFresh(ctx, doc, w)
		}

		retry, err := s.serviceAssigned(ctx, doc, w, combo)
		if err != nil || !retry {
			return err
		}
		if limit := st.Counts().Total + 1; restarts >= limit {
			return &tuneerr.ProtocolError{Worker: w.ID, Reason: fmt.Sprintf("turn restarted %d times without settling", restarts)}
		}
		logger.Debug("Restarting turn with a fresh pick.")
	}
}

// serviceAssigned handles a worker that already holds combo. It reports
// whether the turn should restart with a fresh pick.
func (s *Scheduler) serviceAssigned(ctx context.Context, doc *statestore.Document, w workers.Worker, combo tuning.Combination) (bool, error) {
	ctx, logger := ctxlog.With(ctx, "combination", combo.Key())

	cfg, overrides, err := doc.ConfigFor(combo)
	if err != nil {
		return false, err
	}
	verdict, err := s.checker.Check(ctx, w, cfg, tuning.KeysToOverride(overrides))
	if err != nil {
		return false, err
	}
	s.metrics.RecordVerdict(verdict.String())
	logger.Info("Checked active assignment.", "verdict", verdict)

	switch verdict {
	case dupcheck.DuplicateFinished:
		doc.State.FinishAssigned(w.ID)
		if err := s.store.Save(ctx, doc); err != nil {
			return false, err
		}
		s.metrics.RecordCounts(doc.State.Counts())
		logger.Info("Assigned combination finished.")
		return true, nil
	case dupcheck.DuplicateUnfinished:
		// The tracked run is always resumed as is; force_new_run never
		// applies to it.
		logger.Info("Continuing previous run.")
		return false, s.submitter.Launch(ctx, runner.Request{Action: runner.ActionTrain, Worker: w})
	default:
		return false, &tuneerr.ProtocolError{Worker: w.ID, Reason: "active assignment has no run on worker"}
	}
}

// assignFresh draws unassigned combinations until one can be started.
func (s *Scheduler) assignFresh(ctx context.Context, doc *statestore.Document, w workers.Worker) error {
	logger := ctxlog.FromContext(ctx)
	st := doc.State

	for {
		if len(st.Unassigned) == 0 {
			return &tuneerr.PoolExhaustedError{Worker: w.ID}
		}
		idx := s.pick(len(st.Unassigned))
		combo := st.Unassigned[idx]
		comboLogger := logger.With("combination", combo.Key())

		cfg, overrides, err := doc.ConfigFor(combo)
		if err != nil {
			return err
		}
		verdict, err := s.checker.Check(ctx, w, cfg, tuning.KeysToOverride(overrides))
		if err != nil {
			return err
		}
		s.metrics.RecordVerdict(verdict.String())
		comboLogger.Info("Checked candidate combination.", "verdict", verdict)

		switch verdict {
		case dupcheck.NoDuplicate:
			if _, err := st.Assign(w.ID, idx); err != nil {
				return err
			}
			if err := s.store.Save(ctx, doc); err != nil {
				return err
			}
			s.metrics.RecordCounts(st.Counts())
			comboLogger.Info("Starting a new run.")
			return s.submitter.Launch(ctx, runner.Request{
				Action:      runner.ActionTrain,
				Worker:      w,
				Config:      cfg,
				ForceConfig: true,
			})
		case dupcheck.DuplicateUnfinished:
			// The run is resumed but the combination stays unassigned; it
			// will be drawn again later.
			comboLogger.Warn("Unfinished run found for an unassigned combination; resuming it untracked.")
			return s.submitter.Launch(ctx, s.untrackedResume(w))
		default:
			if _, err := st.FinishUnassigned(idx); err != nil {
				return err
			}
			if err := s.store.Save(ctx, doc); err != nil {
				return err
			}
			s.metrics.RecordCounts(st.Counts())
			comboLogger.Info("Combination already finished; picking again.")
		}
	}
}

// untrackedResume restarts whatever run the worker holds. During the first
// round of a force_new_run session it asks for a new run instead.
func (s *Scheduler) untrackedResume(w workers.Worker) runner.Request {
	return runner.Request{
		Action:      runner.ActionTrain,
		Worker:      w,
		ForceNewRun: s.forceNewRun.Load(),
	}
}

func (s *Scheduler) recordFailure(ctx context.Context, w workers.Worker, err error) {
	logger := ctxlog.FromContext(ctx).With("worker", w.ID, "error", err)
	switch {
	case tuneerr.IsTimeout(err):
		s.metrics.RecordWorkerFailure("timeout")
		logger.Warn("Worker turn timed out.")
	case errors.Is(err, tuneerr.ErrPoolExhausted):
		s.metrics.RecordWorkerFailure("pool_exhausted")
		logger.Warn("No unassigned combinations left for worker.")
	case errors.Is(err, tuneerr.ErrProtocol):
		s.metrics.RecordWorkerFailure("protocol")
		logger.Error("Worker turn failed.")
	case errors.Is(err, tuneerr.ErrRunner):
		s.metrics.RecordWorkerFailure("runner")
		logger.Error("Worker turn failed.")
	case errors.Is(err, tuneerr.ErrPersistence):
		s.metrics.RecordWorkerFailure("persistence")
		logger.Error("Worker turn failed.")
	case errors.Is(err, tuneerr.ErrConfig):
		s.metrics.RecordWorkerFailure("config")
		logger.Error("Worker turn failed.")
	default:
		s.metrics.RecordWorkerFailure("other")
		logger.Error("Worker turn failed.")
	}
}

// Status reports the persisted counts and each worker's slot. It never
// writes the document.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	return ReadStatus(ctx, s.store, s.registry, s.sessions.Active())
}

// ReadStatus builds a Status from the document at store.
func ReadStatus(ctx context.Context, store *statestore.Store, registry *workers.Registry, active bool) (Status, error) {
	doc, err := store.Load(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{Active: active, Workers: make([]WorkerStatus, 0, registry.Len())}
	if doc.State != nil {
		status.Initialized = true
		status.Counts = doc.State.Counts()
	}
	for _, w := range registry.All() {
		ws := WorkerStatus{ID: w.ID, Identity: w.Identity}
		if doc.State != nil {
			if combo, ok := doc.State.Assignment(w.ID); ok {
				ws.Combination = combo.Key()
			}
		}
		status.Workers = append(status.Workers, ws)
	}
	return status, nil
}

// sleep waits for d, returning early when stop is closed (stopped=true) or
// ctx is done (err set).
func sleep(ctx context.Context, d time.Duration, stop <-chan struct{}) (stopped bool, err error) {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return isClosed(stop), nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false, nil
	case <-stop:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
