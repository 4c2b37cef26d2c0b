package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/scrapemeter/internal/config"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

func newTiersCommand(opts *rootOptions) *cobra.Command {
	var export string
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "List the tier table, or export the built-in one as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if export != "" {
				if err := config.WriteTiers(export, scrapemeter.DefaultTiers()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", export)
				return nil
			}

			cfg, err := config.Load(opts.viper, config.Options{ConfigFile: opts.configFile, EnvFile: opts.envFile})
			if err != nil {
				return err
			}
			defs := scrapemeter.DefaultTiers()
			if cfg.Quota.TiersFile != "" {
				if defs, err = config.LoadTiers(cfg.Quota.TiersFile); err != nil {
					return err
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIER\tALLOWANCE\tPRICE")
			for _, def := range defs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", def.Name, allowance(def.MonthlyAllowance), def.MonthlyPrice)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&export, "export", "", "write the built-in tiers to this TOML file")
	return cmd
}
