package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/gridtune/internal/app"
	"github.com/specialistvlad/gridtune/internal/dupcheck"
	"github.com/specialistvlad/gridtune/internal/runner"
	"github.com/specialistvlad/gridtune/internal/statestore"
	"github.com/specialistvlad/gridtune/internal/testutil"
	"github.com/specialistvlad/gridtune/internal/version"
)

const stateDoc = `{
    "tune": true,
    "continue_run": false,
    "tuning": {"tuning_options": {"lr": [0.1, 0.01], "batch": [32, 64, 128]}}
}`

const workersDoc = `{
    "alpha": {"user": "alpha-user", "apiKey": "k1"},
    "beta":  {"user": "beta-user",  "apiKey": "k2"}
}`

// execute runs the command tree with the given args against fresh state and
// worker files. It returns stdout, stderr and the error.
func execute(t *testing.T, ctx context.Context, args []string, appOpts ...app.Option) (string, string, string, error) {
	t.Helper()

	dir := testutil.WriteFiles(t, map[string]string{
		"tune_params.json": stateDoc,
		"studios.json":     workersDoc,
	})
	statePath := filepath.Join(dir, "tune_params.json")
	base := []string{
		"--state-file", statePath,
		"--workers-file", filepath.Join(dir, "studios.json"),
		"--log-format", "text",
	}

	cmd := NewRootCmd(appOpts...)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append(args, base...))

	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), statePath, err
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	err := cmd.Execute()

	require.NoError(t, err)
	assert.Contains(t, buf.String(), version.Full())
}

func TestWorkersCommand(t *testing.T) {
	t.Parallel()

	out, _, _, err := execute(t, context.Background(), []string{"workers"})

	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "beta-user")
}

func TestInitThenStatus(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := testutil.WriteFiles(t, map[string]string{
		"tune_params.json": stateDoc,
		"studios.json":     workersDoc,
	})
	files := []string{
		"--state-file", filepath.Join(dir, "tune_params.json"),
		"--workers-file", filepath.Join(dir, "studios.json"),
	}
	run := func(args ...string) string {
		cmd := NewRootCmd()
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append(args, files...))
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	// --- Act ---
	before := run("status")
	first := run("init")
	second := run("init")
	text := run("status")
	raw := run("status", "--json")

	// --- Assert ---
	assert.Contains(t, before, "not initialized")
	assert.Contains(t, first, "Initialized tuning state with 6 combinations.")
	assert.Contains(t, second, "already initialized: 6 total, 6 unassigned")
	assert.Contains(t, text, "6 total, 6 unassigned, 0 assigned, 0 finished")
	assert.Contains(t, text, "alpha-user")

	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &status))
	assert.Equal(t, 6.0, status["total"])
	assert.Equal(t, true, status["initialized"])
}

func TestRunCommand_CancelledContextExitsCleanly(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	fake := &testutil.FakeRunner{Handle: testutil.Phrases(nil, dupcheck.PhraseNone)}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// --- Act ---
	_, logs, statePath, err := execute(t, ctx, []string{"run", "--launch-delay", "1h", "--seed", "7"}, app.WithRunner(fake))

	// --- Assert ---
	require.NoError(t, err)
	assert.Contains(t, logs, "Tuning started.")
	require.Len(t, fake.CallsFor(runner.ActionTrain), 1)

	doc, err := statestore.New(statePath).Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, doc.State)
	assert.Equal(t, 1, doc.State.Counts().Assigned)
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		args     []string
		wantCode int
		wantMsg  string
	}{
		{name: "bad log format", args: []string{"status", "--log-format", "xml"}, wantCode: 2, wantMsg: "log-format"},
		{name: "negative launch delay", args: []string{"run", "--launch-delay", "-1s"}, wantCode: 2, wantMsg: "negative"},
		{name: "missing config", args: []string{"status", "--config", "/does/not/exist.hcl"}, wantCode: 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cmd := NewRootCmd()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(tc.args)

			err := cmd.Execute()

			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, tc.wantCode, exitErr.Code)
			assert.Contains(t, exitErr.Message, tc.wantMsg)
		})
	}
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := testutil.WriteFiles(t, map[string]string{
		"gridtune.hcl": `
state_file = "from-file.json"
scheduler {
  launch_delay = "30s"
}
`,
	})
	configPath := filepath.Join(dir, "gridtune.hcl")
	root := NewRootCmd()
	runCmd, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, runCmd.ParseFlags([]string{"--config", configPath, "--state-file", "from-flag.json"}))
	opts := &Options{ConfigPath: configPath, StateFile: "from-flag.json"}

	// --- Act ---
	cfg, err := loadConfig(runCmd, opts, &runOptions{})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, "from-flag.json", cfg.StateFile)
	assert.Equal(t, 30*time.Second, cfg.LaunchDelay)
}

// workerFake answers status checks with status and every other action with
// "ok".
func workerFake(status string) *testutil.FakeRunner {
	return &testutil.FakeRunner{Handle: func(_ context.Context, req runner.Request) (runner.Result, error) {
		if req.Action == runner.ActionStatus {
			return runner.Result{Output: status}, nil
		}
		return runner.Result{Output: "ok"}, nil
	}}
}

func TestWorkerStatus_All(t *testing.T) {
	t.Parallel()

	fake := workerFake("Running")

	out, _, _, err := execute(t, context.Background(), []string{"worker", "status", "--all"}, app.WithRunner(fake))

	require.NoError(t, err)
	assert.Contains(t, out, "alpha (alpha-user): Running")
	assert.Contains(t, out, "beta (beta-user): Running")
	calls := fake.CallsFor(runner.ActionStatus)
	require.Len(t, calls, 2)
	assert.False(t, calls[0].Timeboxed)
}

func TestWorkerTrain_RefusesBusyWorker(t *testing.T) {
	t.Parallel()

	fake := workerFake("Running")

	out, _, _, err := execute(t, context.Background(), []string{"worker", "train", "beta"}, app.WithRunner(fake))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "train failed on 1 of 1 workers")
	assert.Contains(t, out, "beta (beta-user): error: worker beta is not stopped")
	assert.Empty(t, fake.CallsFor(runner.ActionTrain))
}

func TestWorkerTrain_StoppedWorkerWithForcedConfig(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := testutil.WriteFiles(t, map[string]string{"override.json": `{"epochs": 7, "lr": 0.05}`})
	fake := workerFake("Stopped")

	// --- Act ---
	out, _, _, err := execute(t, context.Background(), []string{
		"worker", "train", "alpha", "--force-new-run", "--with-config", filepath.Join(dir, "override.json"),
	}, app.WithRunner(fake))

	// --- Assert ---
	require.NoError(t, err)
	assert.Contains(t, out, "alpha (alpha-user): ok")
	trains := fake.CallsFor(runner.ActionTrain)
	require.Len(t, trains, 1)
	req := trains[0]
	assert.Equal(t, "alpha", req.Worker.ID)
	assert.True(t, req.ForceNewRun)
	assert.True(t, req.ForceConfig)
	assert.True(t, req.Timeboxed)
	assert.Equal(t, []string{"epochs", "lr"}, req.Config.Keys())
}

func TestWorkerStat_PassesParams(t *testing.T) {
	t.Parallel()

	fake := workerFake("Stopped")

	_, _, _, err := execute(t, context.Background(), []string{"worker", "stat", "alpha", "--param", "chatId=42"}, app.WithRunner(fake))

	require.NoError(t, err)
	calls := fake.CallsFor(runner.ActionTrainingStat)
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]string{"chatId": "42"}, calls[0].Extra)
}

func TestWorkerCommand_TargetErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		args    []string
		wantMsg string
	}{
		{name: "unknown worker", args: []string{"worker", "stop", "gamma"}, wantMsg: "unknown worker"},
		{name: "no target", args: []string{"worker", "stop"}, wantMsg: "--all"},
		{name: "ids and all", args: []string{"worker", "upload", "alpha", "--all"}, wantMsg: "not both"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fake := workerFake("Stopped")

			_, _, _, err := execute(t, context.Background(), tc.args, app.WithRunner(fake))

			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tc.wantMsg)
			assert.Empty(t, fake.Calls())
		})
	}
}
