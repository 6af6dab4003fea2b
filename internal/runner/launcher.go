package runner

import (
	"context"
	"sync"
	"time"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
)

// Launcher submits fire-and-forget jobs: it starts the runner call in the
// background and returns once the settle delay has passed, without waiting
// for training to finish. Submissions are always time-boxed.
type Launcher struct {
	runner Runner
	settle time.Duration
	wg     sync.WaitGroup

	// OnDone, when set, observes every finished submission.
	OnDone func(req Request, res Result, err error)
}

// NewLauncher wraps r.
func NewLauncher(r Runner, settle time.Duration) *Launcher {
	return &Launcher{runner: r, settle: settle}
}

// Launch starts req in the background. The call outlives cancellation of
// ctx; only its time box bounds it. Launch itself waits for the settle
// delay and returns early with ctx's error if ctx is cancelled meanwhile.
func (l *Launcher) Launch(ctx context.Context, req Request) error {
	req.Timeboxed = true
	logger := ctxlog.FromContext(ctx).With("action", req.Action, "worker", req.Worker.ID)
	runCtx := context.WithoutCancel(ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		res, err := l.runner.Run(runCtx, req)
		switch {
		case err != nil:
			logger.Error("Submission failed.", "error", err)
		case res.TimedOut:
			logger.Warn("Submission timed out.", "error", &tuneerr.RunnerError{Worker: req.Worker.Identity, Action: string(req.Action), Timeout: true})
		default:
			logger.Info("Submission finished.", "output", res.Output)
		}
		if l.OnDone != nil {
			l.OnDone(req, res, err)
		}
	}()

	if l.settle <= 0 {
		return nil
	}
	timer := time.NewTimer(l.settle)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every launched submission has returned or ctx is done.
func (l *Launcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
