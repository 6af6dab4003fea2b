// Package runner is the client side of the job-runner collaborator: the
// component that actually starts, inspects, and stops training on a worker.
//
// The collaborator is opaque. It is invoked as run(action, credentials,
// payload) and answers with text (or, for transports that support it, a
// structured verdict). Two transports are provided: Exec spawns the runner
// script as a subprocess, SocketIO talks to a remote runner agent.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/workers"
)

// DefaultTimeout bounds time-boxed invocations.
const DefaultTimeout = 10 * time.Minute

// Action names understood by the runner.
type Action string

const (
	ActionCheckDuplicate Action = "check_duplicate_config"
	ActionTrain          Action = "train_single"
	ActionStatus         Action = "status_single"
	ActionStart          Action = "start_single"
	ActionStop           Action = "stop_single"
	ActionTrainingStat   Action = "training_stat"
	ActionUploadResults  Action = "upload_results"
)

// Request is one runner invocation.
type Request struct {
	Action Action
	Worker workers.Worker
	// Config is the concrete worker config, sent as a JSON string.
	Config *ordered.Object
	// KeysToOverride is the flat {path: value} view of the combination.
	KeysToOverride *ordered.Object
	// ForceConfig makes the worker train with Config instead of its own.
	ForceConfig bool
	// ForceNewRun starts a new run instead of resuming the latest one.
	ForceNewRun bool
	// Timeboxed bounds the call by the transport's timeout.
	Timeboxed bool
	// Extra carries action-specific string parameters, such as the
	// notification target of training_stat and upload_results. Keys must not
	// shadow the standard payload fields.
	Extra map[string]string
}

// Result is a completed invocation.
type Result struct {
	Output string
	// Verdict is set by transports that return a structured duplicate-check
	// answer: "finished", "unfinished" or "none".
	Verdict string
	// TimedOut is set when a time-boxed call hit its bound. The call is
	// resolved, not failed, and Output describes the timeout.
	TimedOut bool
}

// Runner invokes the job-runner collaborator.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Payload builds the parameter object the collaborator expects. Credentials
// and config travel as JSON strings.
func Payload(req Request) (*ordered.Object, error) {
	if req.Action == "" {
		return nil, fmt.Errorf("runner: request has no action")
	}
	p := ordered.New()
	p.Set("action", string(req.Action))

	creds := req.Worker.Credentials
	if creds == nil {
		creds = json.RawMessage(`{}`)
	}
	p.Set("credentials", string(creds))

	if req.Config != nil {
		cfg, err := json.Marshal(req.Config)
		if err != nil {
			return nil, fmt.Errorf("runner: encode config: %w", err)
		}
		p.Set("config", string(cfg))
	}
	if req.KeysToOverride != nil {
		p.Set("keysToOverride", req.KeysToOverride)
	}
	if req.ForceConfig {
		p.Set("forceConfig", true)
	}
	if req.ForceNewRun {
		p.Set("forceNewRun", true)
	}
	for _, k := range slices.Sorted(maps.Keys(req.Extra)) {
		if p.Has(k) {
			return nil, fmt.Errorf("runner: parameter %q is reserved", k)
		}
		p.Set(k, req.Extra[k])
	}
	return p, nil
}
