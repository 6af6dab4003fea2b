package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/specialistvlad/gridtune/internal/app"
	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/runner"
)

// workerCallOptions holds the flags shared by the per-worker commands.
type workerCallOptions struct {
	All         bool
	ForceNewRun bool
	ConfigFile  string
	Params      map[string]string
}

func newWorkerCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single runner action on one or more workers",
		Long: `worker talks to individual workers through the configured runner, outside
the tuning loop. Name the workers by id, or pass --all.`,
	}

	cmd.AddCommand(newWorkerActionCmd(opts, "status", "Show whether each worker is running", runner.ActionStatus))
	cmd.AddCommand(newWorkerActionCmd(opts, "stop", "Stop each worker", runner.ActionStop))
	cmd.AddCommand(newWorkerActionCmd(opts, "start", "Start each worker without training", runner.ActionStart))
	cmd.AddCommand(newWorkerActionCmd(opts, "train", "Start training on each stopped worker", runner.ActionTrain))
	cmd.AddCommand(newWorkerActionCmd(opts, "stat", "Report training statistics of each worker", runner.ActionTrainingStat))
	cmd.AddCommand(newWorkerActionCmd(opts, "upload", "Upload all results of each worker", runner.ActionUploadResults))
	return cmd
}

func newWorkerActionCmd(opts *Options, use, short string, action runner.Action) *cobra.Command {
	wo := &workerCallOptions{}

	cmd := &cobra.Command{
		Use:   use + " [worker-id...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, nil)
			if err != nil {
				return err
			}
			targets, err := a.ResolveWorkers(args, wo.All)
			if err != nil {
				return usageError("%v", err)
			}
			call := app.WorkerCall{Action: action, ForceNewRun: wo.ForceNewRun, Params: wo.Params}
			if wo.ConfigFile != "" {
				if call.Config, err = readConfigFile(wo.ConfigFile); err != nil {
					return usageError("%v", err)
				}
			}

			results, err := a.CallWorkers(commandContext(cmd), targets, call)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, res := range results {
				switch {
				case res.Err != nil:
					failed++
					fmt.Fprintf(out, "%s (%s): error: %v\n", res.Worker.ID, res.Worker.Identity, res.Err)
				case res.TimedOut:
					fmt.Fprintf(out, "%s (%s): timed out: %s\n", res.Worker.ID, res.Worker.Identity, res.Output)
				default:
					fmt.Fprintf(out, "%s (%s): %s\n", res.Worker.ID, res.Worker.Identity, res.Output)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%s failed on %d of %d workers", use, failed, len(results))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&wo.All, "all", false, "Apply to every worker in the registry.")
	switch action {
	case runner.ActionTrain:
		flags.BoolVar(&wo.ForceNewRun, "force-new-run", false, "Start a new run instead of resuming the latest one.")
		flags.StringVar(&wo.ConfigFile, "with-config", "", "Path to a JSON config the worker is forced to train with.")
	case runner.ActionTrainingStat, runner.ActionUploadResults:
		flags.StringToStringVar(&wo.Params, "param", nil, "Extra key=value parameter passed to the runner (repeatable).")
	}
	return cmd
}

// readConfigFile loads a JSON object, keeping its key order.
func readConfigFile(path string) (*ordered.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	v, err := ordered.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	obj, ok := v.(*ordered.Object)
	if !ok {
		return nil, fmt.Errorf("config %s must hold a JSON object", path)
	}
	return obj, nil
}
