package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newWorkersCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List the workers from the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, nil)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tIDENTITY")
			for _, w := range a.Workers() {
				fmt.Fprintf(tw, "%s\t%s\n", w.ID, w.Identity)
			}
			return tw.Flush()
		},
	}
}
