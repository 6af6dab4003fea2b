package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
)

// Run starts the operator server and the tuning loop, and blocks until the
// loop stops. A graceful Stop or a cancelled ctx both end Run without error.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	r, release, err := a.buildRunner(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up runner: %w", err)
	}
	defer release()

	sched := a.newScheduler(r)
	a.mu.Lock()
	a.scheduler = sched
	if a.stopRequested {
		a.stopRequested = false
		sched.Stop()
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.scheduler = nil
		a.mu.Unlock()
	}()

	a.startOperatorServer(ctx)
	defer func() {
		if err := a.closeOperatorServer(ctx); err != nil {
			a.logger.Warn("Operator server did not shut down cleanly.", "error", err)
		}
	}()

	a.logger.Info("Worker registry ready.", "workers", a.registry.Len(), "runner", a.config.Runner.Type, "state_file", a.store.Path())
	err = sched.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		a.logger.Info("🏁 Tuning cancelled.")
		return nil
	case err != nil:
		return fmt.Errorf("tuning failed: %w", err)
	}

	a.logger.Debug("App.Run method finished.")
	return nil
}
