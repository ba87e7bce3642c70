package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/uiagate/internal/config"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "uiagate",
	Short: "uiagate is a user-interactive authentication gateway for Matrix",
	Long: `A gateway that sits in front of a Matrix homeserver and runs
user-interactive authentication for registration, login and other
privileged requests before they reach the homeserver.`,
	SilenceUsage: true,
}

// loadConfig is the PersistentPreRunE of commands that need configuration.
func loadConfig(*cobra.Command, []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return nil
}

// newLogger returns a JSON logger at the configured level. Unknown levels
// fall back to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
}
