package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/specialistvlad/gridtune/internal/runner"
)

// FakeRunner is a scripted runner.Runner that records every request.
type FakeRunner struct {
	// Handle answers a request. When nil every call succeeds with empty
	// output.
	Handle func(ctx context.Context, req runner.Request) (runner.Result, error)

	mu    sync.Mutex
	calls []runner.Request
}

// Run implements runner.Runner.
func (f *FakeRunner) Run(ctx context.Context, req runner.Request) (runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	handle := f.Handle
	f.mu.Unlock()

	if handle == nil {
		return runner.Result{}, nil
	}
	return handle(ctx, req)
}

// Calls returns a copy of the recorded requests.
func (f *FakeRunner) Calls() []runner.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Request(nil), f.calls...)
}

// CallsFor returns the recorded requests for one action.
func (f *FakeRunner) CallsFor(action runner.Action) []runner.Request {
	var out []runner.Request
	for _, c := range f.Calls() {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// OverrideKey renders a request's keysToOverride as compact JSON, e.g.
// {"lr":0.1,"batch":32}. It returns "" when the request has none.
func OverrideKey(req runner.Request) string {
	if req.KeysToOverride == nil {
		return ""
	}
	data, err := json.Marshal(req.KeysToOverride)
	if err != nil {
		return ""
	}
	return string(data)
}

// Phrases answers duplicate checks with the runner's literal phrase looked
// up by OverrideKey, falling back to fallback. Other actions succeed.
func Phrases(byKey map[string]string, fallback string) func(context.Context, runner.Request) (runner.Result, error) {
	return func(_ context.Context, req runner.Request) (runner.Result, error) {
		if req.Action != runner.ActionCheckDuplicate {
			return runner.Result{Output: req.Worker.Identity + ": started"}, nil
		}
		phrase, ok := byKey[OverrideKey(req)]
		if !ok {
			phrase = fallback
		}
		return runner.Result{Output: req.Worker.Identity + ": " + phrase}, nil
	}
}
