// Package cmd implements the scrapemeter command line
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version   string
	BuildTime string
)

// NewRootCommand builds the command tree. Each call returns an independent tree.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	opts := &rootOptions{viper: v}

	root := &cobra.Command{
		Use:   "scrapemeter",
		Short: "Metered web scraping API with quota enforcement and revenue reporting",
		Long: `scrapemeter serves a pay-per-tier scraping API. Each account gets a
monthly request allowance; every request is checked against it and recorded
in a usage ledger that also backs the revenue reports.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default is ./scrapemeter.yaml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().String("storage", "", "storage driver (memory, sqlite, postgres, redis, firestore)")
	root.PersistentFlags().String("sqlite-path", "", "sqlite database file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	_ = v.BindPFlag("storage.driver", root.PersistentFlags().Lookup("storage"))
	_ = v.BindPFlag("storage.sqlite_path", root.PersistentFlags().Lookup("sqlite-path"))
	_ = v.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(
		newServeCommand(opts),
		newSignupCommand(opts),
		newUpgradeCommand(opts),
		newUsageCommand(opts),
		newReportCommand(opts),
		newSeedCommand(opts),
		newTiersCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scrapemeter %s (built %s)\n", orDefault(Version, "dev"), orDefault(BuildTime, "unknown"))
		},
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
