package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Derive and persist the tuning state without contacting any worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, nil)
			if err != nil {
				return err
			}
			counts, fresh, err := a.Init(commandContext(cmd))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if fresh {
				fmt.Fprintf(out, "Initialized tuning state with %d combinations.\n", counts.Total)
			} else {
				fmt.Fprintf(out, "Tuning state already initialized: %d total, %d unassigned, %d assigned, %d finished.\n",
					counts.Total, counts.Unassigned, counts.Assigned, counts.Finished)
			}
			return nil
		},
	}
}
