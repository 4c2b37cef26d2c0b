package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newReportCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the revenue and usage analysis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				now, err := a.manager.Now(ctx)
				if err != nil {
					return err
				}
				snap, err := a.manager.ComputeSnapshot(ctx, now)
				if err != nil {
					return err
				}
				report, err := a.manager.RevenueReport(ctx, now)
				if err != nil {
					return err
				}

				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]interface{}{
						"snapshot": snap,
						"report":   report,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderReport(snap, report, newReportStyles()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of the formatted report")
	return cmd
}
