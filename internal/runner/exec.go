package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
)

// Exec runs the collaborator as a subprocess: Command followed by the JSON
// payload as the final argument.
type Exec struct {
	Command []string
	Timeout time.Duration
}

// NewExec validates command and applies the default timeout.
func NewExec(command []string, timeout time.Duration) (*Exec, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, tuneerr.Configf("exec runner needs a command")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Exec{Command: append([]string(nil), command...), Timeout: timeout}, nil
}

// Run spawns the process and waits for it. A time-boxed call that exceeds
// the timeout kills the process and resolves with TimedOut set.
func (e *Exec) Run(ctx context.Context, req Request) (Result, error) {
	logger := ctxlog.FromContext(ctx).With("runner", "exec", "action", req.Action, "worker", req.Worker.ID)

	params, err := Payload(req)
	if err != nil {
		return Result{}, err
	}
	paramJSON, err := json.Marshal(params)
	if err != nil {
		return Result{}, fmt.Errorf("runner: encode payload: %w", err)
	}

	runCtx := ctx
	if req.Timeboxed {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), e.Command[1:]...), string(paramJSON))
	cmd := exec.CommandContext(runCtx, e.Command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherit the pipes must not keep Wait blocked after a kill.
	cmd.WaitDelay = 2 * time.Second

	logger.Debug("Spawning runner process.", "timeboxed", req.Timeboxed)
	start := time.Now()
	runErr := cmd.Run()

	if req.Timeboxed && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		logger.Warn("Runner process timed out and was killed.", "timeout", e.Timeout)
		return Result{
			Output:   fmt.Sprintf("%s: process timed out after %s", req.Worker.Identity, e.Timeout),
			TimedOut: true,
		}, nil
	}

	if runErr != nil {
		rerr := &tuneerr.RunnerError{Worker: req.Worker.Identity, Action: string(req.Action), Stderr: stderr.String()}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			rerr.ExitCode = exitErr.ExitCode()
		} else {
			rerr.Err = runErr
			if ctx.Err() != nil {
				rerr.Err = ctx.Err()
			}
		}
		return Result{}, rerr
	}

	logger.Debug("Runner process finished.", "duration", time.Since(start))
	return Result{Output: fmt.Sprintf("%s: %s", req.Worker.Identity, stdout.String())}, nil
}
