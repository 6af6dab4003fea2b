package statestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/testutil"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
	"github.com/specialistvlad/gridtune/internal/tuning"
)

const baseDoc = `{
    "tune": true,
    "continue_run": false,
    "epochs": 10,
    "optimizer": {"name": "adam", "lr": 0.5},
    "tuning": {
        "tuning_options": {"optimizer": {"lr": [0.1, 0.01]}, "batch": [32, 64]}
    }
}`

func writeDoc(t *testing.T, body string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tune_params.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return New(path)
}

func TestInitializeIfAbsent_DerivesFreshState(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx := context.Background()
	store := writeDoc(t, baseDoc)

	// --- Act ---
	doc, fresh, err := store.InitializeIfAbsent(ctx, []string{"alpha", "beta"})

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.True(t, doc.ContinueRun(), "continue_run is forced on in tuning mode")
	require.NotNil(t, doc.State)
	assert.Equal(t, []string{"optimizer.lr", "batch"}, doc.State.Spec.Paths)
	assert.Equal(t, []tuning.Combination{{0, 0}, {0, 1}, {1, 0}, {1, 1}}, doc.State.Unassigned)
	assert.Empty(t, doc.State.Finished)
	assert.Equal(t, map[string]tuning.Combination{"alpha": nil, "beta": nil}, doc.State.Assigned)

	reloaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, reloaded.State)
	assert.Equal(t, []string{"alpha", "beta"}, reloaded.Workers)
	assert.True(t, reloaded.ContinueRun())

	// A second call finds everything in place.
	_, fresh, err = store.InitializeIfAbsent(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestInitializeIfAbsent_WritesExpectedLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := writeDoc(t, baseDoc)

	_, _, err := store.InitializeIfAbsent(ctx, []string{"alpha"})
	require.NoError(t, err)

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	var root ordered.Object
	require.NoError(t, json.Unmarshal(data, &root))
	assert.Equal(t, []string{"tune", "continue_run", "epochs", "optimizer", "tuning"}, root.Keys(),
		"document key order must survive a rewrite")

	section, _ := root.Get("tuning")
	assert.Equal(t,
		[]string{"tuning_options", "compact", "availableWorkers", "spec", "unassigned", "assigned", "finished"},
		section.(*ordered.Object).Keys())
	assert.Contains(t, string(data), "\n    \"tune\": true", "document is written with four-space indentation")
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx := context.Background()
	store := writeDoc(t, baseDoc)
	doc, _, err := store.InitializeIfAbsent(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)

	_, err = doc.State.Assign("alpha", 2)
	require.NoError(t, err)
	_, err = doc.State.FinishUnassigned(0)
	require.NoError(t, err)

	// --- Act ---
	require.NoError(t, store.Save(ctx, doc))
	reloaded, err := store.Load(ctx)

	// --- Assert ---
	require.NoError(t, err)
	if diff := cmp.Diff(doc.State, reloaded.State, cmp.Comparer(func(a, b json.Number) bool { return a == b })); diff != "" {
		t.Fatalf("state changed across save/load (-saved +loaded):\n%s", diff)
	}
	assert.Equal(t, Counts{Unassigned: 2, Assigned: 1, Finished: 1, Total: 4}, reloaded.State.Counts())
}

func TestLoad_MissingSectionsAreRederived(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// An operator deleted `finished` by hand: the whole state is recomputed.
	ctx := context.Background()
	store := writeDoc(t, `{
        "tune": true,
        "tuning": {
            "tuning_options": {"lr": [1, 2, 3]},
            "availableWorkers": ["alpha"],
            "spec": {"paths": ["lr"], "values": [[1, 2, 3]]},
            "unassigned": [[1]],
            "assigned": {"alpha": [[0]]}
        }
    }`)

	// --- Act ---
	doc, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, doc.State)
	doc, fresh, err := store.InitializeIfAbsent(ctx, []string{"alpha"})

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Len(t, doc.State.Unassigned, 3)
}

func TestLoad_AcceptsLegacyWorkerKey(t *testing.T) {
	t.Parallel()

	store := writeDoc(t, `{
        "tune": true,
        "tuning": {
            "tuning_options": {"lr": [1, 2]},
            "availibleStudios": ["alpha"],
            "spec": {"paths": ["lr"], "values": [[1, 2]]},
            "unassigned": [[1]],
            "assigned": {"alpha": [[0]]},
            "finished": []
        }
    }`)

	doc, err := store.Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, doc.Workers)
	require.NotNil(t, doc.State)
	combo, ok := doc.State.Assignment("alpha")
	assert.True(t, ok)
	assert.Equal(t, tuning.Combination{0}, combo)
}

func TestLoad_WarnsOnDuplicateCombinations(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, logs := testutil.Context(t)
	store := writeDoc(t, `{
        "tune": true,
        "tuning": {
            "tuning_options": {"lr": [1, 2, 3]},
            "availableWorkers": ["alpha"],
            "spec": {"paths": ["lr"], "values": [[1, 2, 3]]},
            "unassigned": [[1], [2]],
            "assigned": {"alpha": [[2]]},
            "finished": [[1]]
        }
    }`)

	// --- Act ---
	doc, err := store.Load(ctx)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{"(1)", "(2)"}, doc.State.Duplicates())
	assert.Contains(t, logs.String(), "Tuning state holds duplicate combinations.")
}

func TestInitializeIfAbsent_NewWorkerGetsEmptySlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := writeDoc(t, baseDoc)
	_, _, err := store.InitializeIfAbsent(ctx, []string{"alpha"})
	require.NoError(t, err)

	doc, fresh, err := store.InitializeIfAbsent(ctx, []string{"alpha", "gamma"})

	require.NoError(t, err)
	assert.False(t, fresh)
	_, ok := doc.State.Assigned["gamma"]
	assert.True(t, ok)
	assert.Len(t, doc.State.Unassigned, 4)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		body   string
		target error
	}{
		{name: "malformed json", body: `{"tune": true,`, target: tuneerr.ErrPersistence},
		{name: "tune false", body: `{"tune": false, "tuning": {}}`, target: tuneerr.ErrConfig},
		{name: "no tuning section", body: `{"tune": true}`, target: tuneerr.ErrConfig},
		{name: "tuning options not an object", body: `{"tune": true, "tuning": {"tuning_options": [1]}}`, target: tuneerr.ErrConfig},
		{
			name: "combination outside spec",
			body: `{"tune": true, "tuning": {"availableWorkers": [], "spec": {"paths": ["a"], "values": [[1]]},
                "unassigned": [[5]], "assigned": {}, "finished": []}}`,
			target: tuneerr.ErrPersistence,
		},
		{
			name: "two assignments for one worker",
			body: `{"tune": true, "tuning": {"availableWorkers": ["w"], "spec": {"paths": ["a"], "values": [[1, 2]]},
                "unassigned": [], "assigned": {"w": [[0], [1]]}, "finished": []}}`,
			target: tuneerr.ErrPersistence,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := writeDoc(t, tc.body)

			_, err := store.Load(context.Background())

			require.ErrorIs(t, err, tc.target)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	store := New(filepath.Join(t.TempDir(), "absent.json"))

	_, err := store.Load(context.Background())

	var perr *tuneerr.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "read", perr.Op)
}

func TestInitializeIfAbsent_BadLeafIsConfigError(t *testing.T) {
	t.Parallel()

	store := writeDoc(t, `{"tune": true, "tuning": {"tuning_options": {"lr": 0.1}}}`)

	_, _, err := store.InitializeIfAbsent(context.Background(), []string{"alpha"})

	require.ErrorIs(t, err, tuneerr.ErrConfig)
}

func TestDocument_ConfigFor(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx := context.Background()
	store := writeDoc(t, baseDoc)
	doc, _, err := store.InitializeIfAbsent(ctx, []string{"alpha"})
	require.NoError(t, err)

	// --- Act ---
	cfg, overrides, err := doc.ConfigFor(tuning.Combination{1, 0})

	// --- Assert ---
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	assert.False(t, cfg.Has("tune"))
	assert.False(t, cfg.Has("tuning"))
	lr, err := tuning.Lookup(cfg, "optimizer.lr")
	require.NoError(t, err)
	assert.Equal(t, json.Number("0.01"), lr)
	name, err := tuning.Lookup(cfg, "optimizer.name")
	require.NoError(t, err)
	assert.Equal(t, "adam", name)
	batch, err := tuning.Lookup(cfg, "batch")
	require.NoError(t, err)
	assert.Equal(t, json.Number("32"), batch)
	cr, _ := cfg.Get("continue_run")
	assert.Equal(t, true, cr)
}

func TestState_Transitions(t *testing.T) {
	t.Parallel()

	st, err := Fresh(tuning.Spec{Paths: []string{"a"}, Values: [][]any{{1, 2, 3}}}, []string{"w"})
	require.NoError(t, err)

	combo, err := st.Assign("w", 1)
	require.NoError(t, err)
	assert.Equal(t, tuning.Combination{1}, combo)

	_, err = st.Assign("w", 0)
	require.Error(t, err, "a worker holds at most one combination")

	finished, ok := st.FinishAssigned("w")
	require.True(t, ok)
	assert.Equal(t, tuning.Combination{1}, finished)
	_, ok = st.FinishAssigned("w")
	assert.False(t, ok)

	_, err = st.FinishUnassigned(5)
	require.Error(t, err)

	assert.Equal(t, Counts{Unassigned: 2, Assigned: 0, Finished: 1, Total: 3}, st.Counts())
	assert.Len(t, st.Combos(), 3)
}
