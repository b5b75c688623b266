package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/studiowebux/lanebench/internal/target"
)

var (
	targetRoutes  string
	targetHost    string
	targetPort    int
	targetDelay   int
	targetLogging bool
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Run a local HTTP target to benchmark against",
	Long: `Run a local HTTP server to point load runs at.

Without --routes every request gets 200 "ok" after --delay milliseconds.
A routes file (YAML or JSON) defines per-path status, body, headers, delay,
jitter and injected error rates.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(flagLogLevel)
		if err != nil {
			return err
		}

		cfg := target.DefaultConfig(targetHost, targetPort, targetDelay)
		workdir, _ := os.Getwd()
		if targetRoutes != "" {
			cfg, err = target.LoadConfig(targetRoutes)
			if err != nil {
				return err
			}
			workdir = filepath.Dir(targetRoutes)
			if cmd.Flags().Changed("host") || cfg.Host == "" {
				cfg.Host = targetHost
			}
			if cmd.Flags().Changed("port") || cfg.Port == 0 {
				cfg.Port = targetPort
			}
		}
		if cmd.Flags().Changed("log-requests") {
			cfg.Logging = targetLogging
		}

		srv, err := target.NewServer(cfg, workdir, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := srv.Run(ctx); err != nil {
			return err
		}

		stats := srv.Stats()
		fmt.Printf("Served %d requests (%d unmatched, %d injected errors)\n", stats.Requests, stats.Unmatched, stats.Injected)
		return nil
	},
}

func init() {
	targetCmd.Flags().StringVar(&targetRoutes, "routes", "", "Routes file (.yaml, .yml or .json)")
	targetCmd.Flags().StringVar(&targetHost, "host", "localhost", "Listen host")
	targetCmd.Flags().IntVarP(&targetPort, "port", "p", 8080, "Listen port")
	targetCmd.Flags().IntVar(&targetDelay, "delay", 0, "Response delay in milliseconds for the default route")
	targetCmd.Flags().BoolVar(&targetLogging, "log-requests", false, "Log every request (needs --log-level debug)")
}
