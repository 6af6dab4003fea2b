package scheduler

import (
	"context"

	"github.com/specialistvlad/gridtune/internal/dupcheck"
	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/runner"
	"github.com/specialistvlad/gridtune/internal/workers"
)

// Checker decides whether a config has already been run on a worker.
// *dupcheck.Resolver implements it.
type Checker interface {
	Check(ctx context.Context, worker workers.Worker, config, keysToOverride *ordered.Object) (dupcheck.Verdict, error)
}

// Submitter starts training jobs without waiting for them to finish.
// *runner.Launcher implements it.
type Submitter interface {
	// Launch starts req and returns after the settle delay.
	Launch(ctx context.Context, req runner.Request) error
	// Wait blocks until every launched job has returned.
	Wait(ctx context.Context) error
}
