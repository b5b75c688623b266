package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/studiowebux/lanebench/internal/config"
	"github.com/studiowebux/lanebench/internal/version"
)

// Exit codes
const (
	exitError       = 1
	exitConfigError = 2
)

var (
	flagConfig   string
	flagEnvFile  string
	flagLogLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var ce *config.ConfigError
	if errors.As(err, &ce) {
		return exitConfigError
	}
	return exitError
}

var rootCmd = &cobra.Command{
	Use:   "lanebench",
	Short: "lanebench - closed-loop HTTP load generator",
	Long: `lanebench drives sustained HTTP load against a single endpoint.

Load is spread over parallel lanes (one per CPU by default). Each lane sends
batches of concurrent requests and waits for the whole batch before sending
the next, so throughput follows the target's latency.

Examples:
  lanebench run http://localhost:8080/health            # 60s, 50 per lane
  lanebench run http://api.local/ -c 200 -w 8 --duration 5m
  lanebench run --config bench.yaml -o json             # JSON lines on stdout
  lanebench target --port 8080 --delay 10               # local target server
  lanebench runs list                                   # past runs`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file (default ~/.lanebench/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "Load environment variables from file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug/info/warn/error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(targetCmd)
	rootCmd.AddCommand(versionCmd)
}

// newLogger returns a text logger on stderr so stdout stays clean for reports
func newLogger(level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, &config.ConfigError{Field: "log-level", Reason: err.Error()}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
