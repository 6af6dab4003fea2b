package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/gridtune/internal/testutil"
)

// SetupAppTest writes the given state and worker documents to a temp
// directory, points cfg at them, and builds an App logging to a buffer.
func SetupAppTest(t *testing.T, cfg Config, stateDoc, workersDoc string, opts ...Option) (*App, *testutil.SafeBuffer) {
	t.Helper()

	dir := testutil.WriteFiles(t, map[string]string{
		"tune_params.json": stateDoc,
		"studios.json":     workersDoc,
	})
	cfg.StateFile = filepath.Join(dir, "tune_params.json")
	cfg.WorkersFile = filepath.Join(dir, "studios.json")
	cfg.LogLevel = "debug"
	cfg.LogFormat = "text"

	validated, err := NewConfig(cfg)
	require.NoError(t, err)

	logBuffer := &testutil.SafeBuffer{}
	testApp, err := NewApp(logBuffer, validated, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		if os.Getenv("GRIDTUNE_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
		}
	})

	return testApp, logBuffer
}
