package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/logging"
	"github.com/tehmaze/x84/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the board until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logging.For("main")
			cfg, db, err := openBBS()
			if err != nil {
				return err
			}
			logger.Info().Str("config", config.Cfg.ConfigPath).Str("data", config.Cfg.DataPath).
				Str("name", cfg.System.Name).Msg("starting")

			srv, err := server.New(cfg, db)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}
