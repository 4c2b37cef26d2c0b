package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/scrapemeter/internal/server"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
	"github.com/mihaimyh/scrapemeter/pkg/scraper"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().String("host", "", "server host")
	cmd.Flags().Int("port", 0, "server port")
	_ = opts.viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = opts.viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}

	a.logger.Info("starting scrapemeter",
		scrapemeter.Field{Key: "version", Value: orDefault(Version, "dev")},
		scrapemeter.Field{Key: "addr", Value: a.cfg.Server.Addr()},
		scrapemeter.Field{Key: "storage", Value: a.backend.Driver},
	)

	srv, err := server.New(a.cfg, server.Options{
		Manager: a.manager,
		Scraper: scraper.New(scraper.Config{
			UserAgent: a.cfg.Scraper.UserAgent,
			Timeout:   a.cfg.Scraper.Timeout,
		}),
		Logger:   a.logger,
		Gatherer: a.registry,
	})
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}

	runErr := srv.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
