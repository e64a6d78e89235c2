// Package commands implements the zpico CLI commands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	zenohpico "github.com/eclipse-zenoh/zenoh-pico-go"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/config"
)

// Global flags shared by every command.
var (
	flagConnect  string
	flagMode     string
	flagLogLevel string
	flagConfig   string
)

// rootCmd is the zpico entry point.
var rootCmd = &cobra.Command{
	Use:           "zpico",
	Short:         "Zenoh client utility",
	Long:          "zpico scouts, subscribes, publishes, and queries against a Zenoh router or peer.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConnect, "connect", "e",
		"tcp/127.0.0.1:7447", "locator to connect to")
	rootCmd.PersistentFlags().StringVarP(&flagMode, "mode", "m",
		"client", "session mode (client|peer)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level",
		"info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c",
		"", "YAML configuration file (overrides the other flags)")

	rootCmd.AddCommand(scoutCmd)
	rootCmd.AddCommand(subCmd)
	rootCmd.AddCommand(pubCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(infoCmd)
}

// setupLogger applies the log-level flag to the default logger.
func setupLogger() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(flagLogLevel),
	})))
}

// sessionProps builds the property map from the global flags.
func sessionProps() zenohpico.Properties {
	return zenohpico.Properties{
		zenohpico.ConfigConnectKey: flagConnect,
		zenohpico.ConfigModeKey:    flagMode,
	}
}

// openSession opens from the config file when given, else from flags.
func openSession(ctx context.Context) (*zenohpico.Session, error) {
	if flagConfig != "" {
		return zenohpico.OpenConfigFile(ctx, flagConfig)
	}
	return zenohpico.Open(ctx, sessionProps())
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
}
