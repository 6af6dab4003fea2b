package runner

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
	"github.com/specialistvlad/gridtune/internal/workers"
)

var testWorker = workers.Worker{
	ID:          "alpha",
	Identity:    "alpha-user",
	Credentials: json.RawMessage(`{"user":"alpha-user","apiKey":"k"}`),
}

func TestPayload_MatchesCollaboratorContract(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	cfg := ordered.New()
	cfg.Set("epochs", json.Number("3"))
	keys := ordered.New()
	keys.Set("lr", json.Number("0.1"))

	// --- Act ---
	p, err := Payload(Request{
		Action:         ActionCheckDuplicate,
		Worker:         testWorker,
		Config:         cfg,
		KeysToOverride: keys,
		ForceConfig:    true,
	})

	// --- Assert ---
	require.NoError(t, err)
	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"action": "check_duplicate_config",
		"credentials": "{\"user\":\"alpha-user\",\"apiKey\":\"k\"}",
		"config": "{\"epochs\":3}",
		"keysToOverride": {"lr": 0.1},
		"forceConfig": true
	}`, string(out))
}

func TestPayload_ExtraParams(t *testing.T) {
	t.Parallel()

	p, err := Payload(Request{
		Action: ActionUploadResults,
		Worker: testWorker,
		Extra:  map[string]string{"chatId": "42", "botToken": "t"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"action", "credentials", "botToken", "chatId"}, p.Keys())

	_, err = Payload(Request{Action: ActionStop, Worker: testWorker, Extra: map[string]string{"action": "train_single"}})
	require.ErrorContains(t, err, `parameter "action" is reserved`)
}

func TestPayload_RequiresAction(t *testing.T) {
	t.Parallel()

	_, err := Payload(Request{Worker: testWorker})

	require.Error(t, err)
}

func TestExec_PassesPayloadAndPrefixesIdentity(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	r, err := NewExec([]string{"sh", "-c", `printf '%s' "$1"`, "sh"}, time.Second)
	require.NoError(t, err)

	// --- Act ---
	res, err := r.Run(context.Background(), Request{Action: ActionStatus, Worker: testWorker, Timeboxed: true})

	// --- Assert ---
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	require.True(t, strings.HasPrefix(res.Output, "alpha-user: "))
	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(res.Output, "alpha-user: ")), &params))
	assert.Equal(t, "status_single", params["action"])
}

func TestExec_NonZeroExitIsRunnerError(t *testing.T) {
	t.Parallel()

	r, err := NewExec([]string{"sh", "-c", "echo boom >&2; exit 3", "sh"}, time.Second)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), Request{Action: ActionStatus, Worker: testWorker})

	var rerr *tuneerr.RunnerError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 3, rerr.ExitCode)
	assert.Equal(t, "boom\n", rerr.Stderr)
	assert.ErrorIs(t, err, tuneerr.ErrRunner)
	assert.False(t, tuneerr.IsTimeout(err))
}

func TestExec_TimeboxedCallResolvesAsTimeout(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	r, err := NewExec([]string{"sh", "-c", "exec sleep 5", "sh"}, 100*time.Millisecond)
	require.NoError(t, err)

	// --- Act ---
	start := time.Now()
	res, err := r.Run(context.Background(), Request{Action: ActionTrain, Worker: testWorker, Timeboxed: true})

	// --- Assert ---
	require.NoError(t, err, "a timeout resolves rather than failing")
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Output, "timed out")
	assert.Less(t, time.Since(start), 4*time.Second, "the process must be killed at the bound")
}

func TestExec_StartFailure(t *testing.T) {
	t.Parallel()

	r, err := NewExec([]string{"/definitely/not/a/binary"}, time.Second)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), Request{Action: ActionStatus, Worker: testWorker})

	var rerr *tuneerr.RunnerError
	require.ErrorAs(t, err, &rerr)
	assert.NotNil(t, rerr.Err)
}

func TestNewExec_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewExec(nil, 0)
	require.ErrorIs(t, err, tuneerr.ErrConfig)

	r, err := NewExec([]string{"true"}, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, r.Timeout)
}

type funcRunner func(ctx context.Context, req Request) (Result, error)

func (f funcRunner) Run(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

func TestLauncher_FireAndForget(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	release := make(chan struct{})
	var calls atomic.Int32
	var sawTimebox atomic.Bool
	r := funcRunner(func(ctx context.Context, req Request) (Result, error) {
		calls.Add(1)
		sawTimebox.Store(req.Timeboxed)
		<-release
		return Result{Output: "ok"}, nil
	})
	l := NewLauncher(r, 0)
	done := make(chan struct{}, 1)
	l.OnDone = func(Request, Result, error) { done <- struct{}{} }

	// --- Act ---
	err := l.Launch(context.Background(), Request{Action: ActionTrain, Worker: testWorker})

	// --- Assert ---
	require.NoError(t, err, "Launch must not wait for the job")
	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(waitCtx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, l.Wait(context.Background()))
	<-done
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, sawTimebox.Load(), "submissions are always time-boxed")
}

func TestLauncher_SettleHonorsCancellation(t *testing.T) {
	t.Parallel()

	r := funcRunner(func(ctx context.Context, req Request) (Result, error) {
		return Result{}, ctx.Err()
	})
	l := NewLauncher(r, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Launch(ctx, Request{Action: ActionTrain, Worker: testWorker})

	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, l.Wait(context.Background()))
}

func TestSocketIO_DispatchRoutesByID(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	r := &SocketIO{pending: make(map[string]chan reply)}
	ch := make(chan reply, 1)
	r.pending["7"] = ch

	// --- Act ---
	r.dispatch(context.Background(), []any{map[string]any{"id": "99", "output": "stray"}})
	r.dispatch(context.Background(), []any{map[string]any{"id": "7", "output": "done", "verdict": "finished"}})
	r.dispatch(context.Background(), nil)

	// --- Assert ---
	select {
	case rep := <-ch:
		assert.Equal(t, "done", rep.Output)
		assert.Equal(t, "finished", rep.Verdict)
	default:
		t.Fatal("result was not routed to the pending request")
	}
	assert.Empty(t, r.pending)
}

func TestDialSocketIO_InvalidURLIsConfigError(t *testing.T) {
	t.Parallel()

	_, err := DialSocketIO(context.Background(), SocketIOConfig{URL: "://missing-scheme"})

	require.ErrorIs(t, err, tuneerr.ErrConfig)
}
