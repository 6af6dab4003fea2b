// Package dupcheck asks a worker whether a candidate config has already been
// run there, and classifies the answer.
//
// The runner collaborator answers in free text. All knowledge of its exact
// phrases lives in Classify; transports that return a structured verdict
// bypass the text entirely.
package dupcheck

import (
	"context"
	"strings"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/runner"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
	"github.com/specialistvlad/gridtune/internal/workers"
)

// Verdict is the outcome of a duplicate check.
type Verdict int

const (
	// NoDuplicate means no equivalent run exists; submit with a forced config.
	NoDuplicate Verdict = iota + 1
	// DuplicateUnfinished means an equivalent run exists but is incomplete;
	// resume it.
	DuplicateUnfinished
	// DuplicateFinished means an equivalent run already completed.
	DuplicateFinished
)

func (v Verdict) String() string {
	switch v {
	case NoDuplicate:
		return "no_duplicate"
	case DuplicateUnfinished:
		return "duplicate_unfinished"
	case DuplicateFinished:
		return "duplicate_finished"
	default:
		return "unknown"
	}
}

// Literal phrases printed by the runner's duplicate check.
const (
	PhraseFinished   = "true: finished duplicate found"
	PhraseUnfinished = "false: unfinished duplicate found"
	PhraseNone       = "false: no duplicates found"
)

var phrases = []struct {
	text    string
	verdict Verdict
}{
	{PhraseFinished, DuplicateFinished},
	{PhraseUnfinished, DuplicateUnfinished},
	{PhraseNone, NoDuplicate},
}

// Classify maps runner output to a verdict. Exactly one of the known phrases
// must appear; anything else is a protocol error.
func Classify(output string) (Verdict, error) {
	var found Verdict
	for _, p := range phrases {
		if !strings.Contains(output, p.text) {
			continue
		}
		if found != 0 && found != p.verdict {
			return 0, &tuneerr.ProtocolError{Reason: "duplicate check output matches more than one outcome", Response: output}
		}
		found = p.verdict
	}
	if found == 0 {
		return 0, &tuneerr.ProtocolError{Reason: "unrecognized duplicate check output", Response: output}
	}
	return found, nil
}

// ParseVerdict maps a structured verdict to a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "finished":
		return DuplicateFinished, nil
	case "unfinished":
		return DuplicateUnfinished, nil
	case "none":
		return NoDuplicate, nil
	default:
		return 0, &tuneerr.ProtocolError{Reason: "unknown structured verdict", Response: s}
	}
}

// Resolver runs duplicate checks through a runner.
type Resolver struct {
	runner runner.Runner
}

// New creates a resolver on top of r.
func New(r runner.Runner) *Resolver {
	return &Resolver{runner: r}
}

// Check asks worker whether config has been run there. keysToOverride may
// be nil.
func (res *Resolver) Check(ctx context.Context, worker workers.Worker, config, keysToOverride *ordered.Object) (Verdict, error) {
	logger := ctxlog.FromContext(ctx)

	result, err := res.runner.Run(ctx, runner.Request{
		Action:         runner.ActionCheckDuplicate,
		Worker:         worker,
		Config:         config,
		KeysToOverride: keysToOverride,
		Timeboxed:      true,
	})
	if err != nil {
		return 0, err
	}
	if result.TimedOut {
		return 0, &tuneerr.RunnerError{Worker: worker.Identity, Action: string(runner.ActionCheckDuplicate), Timeout: true}
	}

	var verdict Verdict
	if result.Verdict != "" {
		verdict, err = ParseVerdict(result.Verdict)
	} else {
		verdict, err = Classify(result.Output)
	}
	if err != nil {
		if perr, ok := err.(*tuneerr.ProtocolError); ok {
			perr.Worker = worker.ID
		}
		return 0, err
	}
	logger.Debug("Duplicate check classified.", "worker", worker.ID, "verdict", verdict)
	return verdict, nil
}
