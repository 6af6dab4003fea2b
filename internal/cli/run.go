package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/specialistvlad/gridtune/internal/scheduler"
)

func newRunCmd(opts *Options) *cobra.Command {
	ro := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run tuning rounds until every combination is finished or a stop is requested",
		Long: `run walks the worker registry once per round, asking each worker for its
next combination and submitting it. The first interrupt finishes the current
pass and exits; a second interrupt aborts immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, ro)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(commandContext(cmd))
			defer cancel()

			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					a.Stop()
				case <-ctx.Done():
					return
				}
				select {
				case <-sigCh:
					cancel()
				case <-ctx.Done():
				}
			}()

			return a.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&ro.LaunchDelay, "launch-delay", scheduler.DefaultLaunchDelay, "Pause between submissions to consecutive workers.")
	flags.DurationVar(&ro.RoundCooldown, "round-cooldown", scheduler.DefaultRoundCooldown, "Pause between full passes over the workers.")
	flags.IntVar(&ro.OperatorPort, "operator-port", 0, "Port for the operator HTTP server (health, status, stop, metrics). 0 disables it.")
	flags.BoolVar(&ro.ForceNewRun, "force-new-run", false, "Ask workers to start fresh runs instead of resuming during the first round.")
	flags.Uint64Var(&ro.Seed, "seed", 0, "Seed the combination picker for reproducible assignment order.")

	return cmd
}
