package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/database"
	"github.com/tehmaze/x84/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "x84",
		Short:        "x/84 multi-protocol bulletin board server",
		Long:         "x84 serves a menu-driven bulletin board over telnet, ssh, sftp and websocket, backed by a shared message base and user directory.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Process(); err != nil {
				return fmt.Errorf("environment: %w", err)
			}
			if configPath != "" {
				config.Cfg.ConfigPath = configPath
			}
			logging.Init()
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			database.Close()
			logging.Close()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (default $X84_CONFIG or /etc/x84/x84.toml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newUserCmd(),
		newConfigCmd(),
		newMsgNetCmd(),
	)
	return rootCmd
}

// openBBS reads the configuration file and opens the database into
// database.DB.
func openBBS() (*config.BBS, *gorm.DB, error) {
	cfg, err := config.LoadBBS(config.Cfg.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Init(config.DataFile(cfg.System.DatabasePath)); err != nil {
		return nil, nil, fmt.Errorf("database init: %w", err)
	}
	return cfg, database.DB, nil
}
