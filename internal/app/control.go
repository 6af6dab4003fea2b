package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/runner"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
	"github.com/specialistvlad/gridtune/internal/workers"
)

// statusStopped is the runner's status answer for an idle worker.
const statusStopped = "Stopped"

// WorkerCall is a single runner action applied to a set of workers outside
// the tuning loop.
type WorkerCall struct {
	Action runner.Action
	// Config, when set, is forced onto the worker. Only train uses it.
	Config      *ordered.Object
	ForceNewRun bool
	// Params are extra string parameters passed through to the runner.
	Params map[string]string
}

// WorkerResult is the outcome of a WorkerCall on one worker.
type WorkerResult struct {
	Worker   workers.Worker
	Output   string
	TimedOut bool
	Err      error
}

// ResolveWorkers looks ids up in the registry, in the given order. With all
// set it returns every worker and ids must be empty.
func (a *App) ResolveWorkers(ids []string, all bool) ([]workers.Worker, error) {
	switch {
	case all && len(ids) > 0:
		return nil, tuneerr.Configf("name workers or pass --all, not both")
	case all:
		return a.registry.All(), nil
	case len(ids) == 0:
		return nil, tuneerr.Configf("no worker named; pass worker ids or --all")
	}
	out := make([]workers.Worker, 0, len(ids))
	for _, id := range ids {
		w, ok := a.registry.Get(id)
		if !ok {
			return nil, &tuneerr.ConfigError{Path: id, Msg: fmt.Sprintf("unknown worker; known workers are %s", strings.Join(a.registry.IDs(), ", "))}
		}
		out = append(out, w)
	}
	return out, nil
}

// CallWorkers runs call against each worker in turn over the configured
// runner. A failure on one worker is kept in its result and the remaining
// workers are still called.
func (a *App) CallWorkers(ctx context.Context, ws []workers.Worker, call WorkerCall) ([]WorkerResult, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	r, release, err := a.buildRunner(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to set up runner: %w", err)
	}
	defer release()

	out := make([]WorkerResult, 0, len(ws))
	for _, w := range ws {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res := WorkerResult{Worker: w}
		res.Output, res.TimedOut, res.Err = a.callWorker(ctx, r, w, call)
		out = append(out, res)
	}
	return out, nil
}

func (a *App) callWorker(ctx context.Context, r runner.Runner, w workers.Worker, call WorkerCall) (string, bool, error) {
	logger := ctxlog.FromContext(ctx).With("worker", w.ID, "action", call.Action)

	// A worker only starts training from the stopped state.
	if call.Action == runner.ActionTrain {
		status, err := r.Run(ctx, runner.Request{Action: runner.ActionStatus, Worker: w})
		if err != nil {
			return "", false, err
		}
		if !strings.Contains(status.Output, statusStopped) {
			logger.Warn("Worker is busy; not starting training.", "status", status.Output)
			return status.Output, false, fmt.Errorf("worker %s is not stopped; stop it before training", w.ID)
		}
	}

	res, err := r.Run(ctx, runner.Request{
		Action:      call.Action,
		Worker:      w,
		Config:      call.Config,
		ForceConfig: call.Config != nil,
		ForceNewRun: call.ForceNewRun,
		Timeboxed:   timeboxed(call.Action),
		Extra:       call.Params,
	})
	if err != nil {
		logger.Error("Worker action failed.", "error", err)
		return "", false, err
	}
	if res.TimedOut {
		logger.Warn("Worker action timed out.")
	} else {
		logger.Info("Worker action finished.")
	}
	return res.Output, res.TimedOut, nil
}

// timeboxed reports whether action may run long enough to need the runner's
// time box. Status and stop answer promptly.
func timeboxed(action runner.Action) bool {
	switch action {
	case runner.ActionStatus, runner.ActionStop:
		return false
	default:
		return true
	}
}
