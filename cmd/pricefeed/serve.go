package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coachpo/pricefeed/internal/app/feed"
	"github.com/coachpo/pricefeed/internal/infra/config"
	"github.com/coachpo/pricefeed/internal/infra/logging"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the price feed server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			configPath := resolveConfigPath(opts.configPath, os.LookupEnv)

			cfg, err := config.Resolve(ctx, configPath, os.LookupEnv)
			if err != nil {
				return err
			}

			logger, err := logging.New(logging.Config{
				Level:       cfg.Logging.Level,
				Format:      cfg.Logging.Format,
				Environment: string(cfg.Environment),
			})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("configuration initialised",
				zap.String("path", configPath),
				zap.String("env", string(cfg.Environment)),
				zap.String("addr", cfg.Server.Addr),
				zap.Int("tickers", cfg.Generator.TickerCount),
				zap.Int("history_size", cfg.History.MaxSize))

			app, err := feed.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
}
