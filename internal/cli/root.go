// Package cli defines Cobra command definitions for the sluice CLI.
// This file contains the root command, version flag, and shared helpers.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/sluice-dev/sluice/internal/api"
	"github.com/sluice-dev/sluice/internal/config"
)

var (
	addrFlag string
	version  = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "sluice",
	Short: "Approval-gated task orchestration",
	Long: `Sluice runs plans of concurrent task waves behind approval gates.
Each task's output becomes a checkpoint a reviewer must approve before
the session moves on; 'sluice serve' runs the orchestrator and the
other commands drive it over HTTP.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Server address (default: listen address from .sluice/config.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cleanCmd)
}

// client resolves the server address from --addr or the local config and
// returns an API client for it.
func client() (*api.Client, error) {
	addr := addrFlag
	if addr == "" {
		cfg, err := config.ReadConfig(".")
		switch {
		case err == nil:
			addr = cfg.Server.Listen
		case errors.Is(err, fs.ErrNotExist):
			addr = config.DefaultConfig().Server.Listen
		default:
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return api.NewClient(addr), nil
}
