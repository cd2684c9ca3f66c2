package main

import (
	"fmt"
	"os"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/pkg/config"
	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=..." at build time.
var (
	version = "dev"
	commit  = "none"
)

// Global flags
var configFile string

var rootCmd = &cobra.Command{
	Use:   "cerver",
	Short: "cerver - packet server with authentication and admin tables",
	Long: `cerver is a TCP packet server. Connections exchange framed packets,
authenticate through an on-hold table and are served from a main or an admin
table once promoted.

Configuration is read from $XDG_CONFIG_HOME/cerver/config.yaml unless --config
is given. Environment variables override the file (CERVER_<SECTION>_<KEY>).`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints any error.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (default $XDG_CONFIG_HOME/cerver/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the configuration and configures the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := logger.Configure(cfg.Logging.LoggerOptions()); err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}
	return cfg, nil
}
