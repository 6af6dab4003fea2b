package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *Options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tuning progress from the state document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, nil)
			if err != nil {
				return err
			}
			status, err := a.Status(commandContext(cmd))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			if !status.Initialized {
				fmt.Fprintln(out, "Tuning state not initialized. Run 'gridtune init' or 'gridtune run'.")
				return nil
			}
			fmt.Fprintf(out, "Combinations: %d total, %d unassigned, %d assigned, %d finished\n",
				status.Total, status.Unassigned, status.Assigned, status.Finished)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKER\tIDENTITY\tCOMBINATION")
			for _, w := range status.Workers {
				combo := w.Combination
				if combo == "" {
					combo = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", w.ID, w.Identity, combo)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON.")
	return cmd
}
