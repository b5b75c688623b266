package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/studiowebux/lanebench/internal/config"
	"github.com/studiowebux/lanebench/internal/coordinator"
	"github.com/studiowebux/lanebench/internal/issuer"
	"github.com/studiowebux/lanebench/internal/lane"
	"github.com/studiowebux/lanebench/internal/sink"
	"github.com/studiowebux/lanebench/internal/store"
)

const (
	redisConnectTimeout = 5 * time.Second
	metricsShutdownWait = 5 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run [url]",
	Short: "Send load to a target URL",
	Long: `Send load to a target URL until the duration elapses or the run is interrupted.

Settings come from flags, then LANEBENCH_* environment variables (TARGET_URL,
DURATION_SECONDS and CONCURRENCY_PER_WORKER are also read), then the YAML
config file, then defaults. Durations accept Go syntax (90s, 5m) or bare
seconds.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLoad,
}

func init() {
	f := runCmd.Flags()
	f.String("name", "", "Name recorded with the run")
	f.String("target", "", "Target URL (alternative to the positional argument)")
	f.StringP("method", "X", config.DefaultMethod, "HTTP method")
	f.StringArrayP("header", "H", nil, "Request header (Key: Value), can be repeated")
	f.StringP("body", "b", "", "Request body")

	f.StringP("duration", "d", config.DefaultDuration.String(), "Run duration")
	f.IntP("concurrency", "c", config.DefaultConcurrency, "Concurrent requests per lane")
	f.IntP("workers", "w", 0, "Number of lanes (default: number of CPUs)")
	f.String("report-interval", config.DefaultReportInterval.String(), "Time between reports")
	f.String("grace", config.DefaultGracePeriod.String(), "How long to wait for in-flight requests on stop")
	f.String("timeout", config.DefaultRequestTimeout.String(), "Per-request timeout (0 disables)")
	f.Float64("batch-rate", 0, "Max batches per second per lane (0 = unpaced)")

	f.BoolP("insecure", "k", false, "Skip TLS certificate verification")
	f.Bool("http2", false, "Negotiate HTTP/2 over TLS")
	f.String("cert", "", "Client certificate file")
	f.String("key", "", "Client key file")
	f.String("ca", "", "CA bundle file")

	f.StringSlice("accept-status", nil, "Statuses counted as success (e.g. 2xx,304 or 200-299)")
	f.Bool("accept-any-status", false, "Count every response as success")
	f.String("expect-contains", "", "Response body must contain this text")
	f.String("expect-pattern", "", "Response body must match this regex")
	f.StringArray("expect-field", nil, "JMESPath assertion on JSON bodies (expr=value, value may be /regex/)")

	f.StringP("output", "o", config.DefaultOutput, "Report format (text/json/yaml)")
	f.BoolP("quiet", "q", false, "Only print the final report")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	f.String("metrics-linger", config.DefaultMetricsLinger.String(), "Keep serving metrics this long after the run ends")
	f.String("redis-addr", "", "Publish reports to Redis at this address")
	f.String("redis-channel", config.DefaultRedisChannel, "Redis channel for reports")
	f.String("db", "", "Run history database (default ~/.lanebench/lanebench.db)")
	f.Bool("no-store", false, "Do not record the run in the history database")
}

func runLoad(cmd *cobra.Command, args []string) error {
	v := config.NewViper()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	if len(args) > 0 {
		v.Set("target", args[0])
	}

	configFile := flagConfig
	if configFile == "" {
		configFile = config.DefaultConfigFile()
	}
	if err := config.ReadFiles(v, flagEnvFile, configFile); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()

	sinks, metrics, cleanup, err := buildSinks(ctx, cfg, runID, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	coord, err := coordinator.New(cfg, laneFactory(cfg), coordinator.Options{RunID: runID, Logger: logger}, sinks...)
	if err != nil {
		return err
	}

	var ln net.Listener
	if metrics != nil {
		ln, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics on %s: %w", cfg.MetricsAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runDone := make(chan struct{})

	g.Go(func() error {
		defer close(runDone)
		_, err := coord.Run(gctx)
		return err
	})

	if metrics != nil {
		g.Go(func() error {
			return serveMetrics(cmd.Context(), ln, metrics, runDone, cfg.MetricsLinger, logger)
		})
	}

	return g.Wait()
}

// serveMetrics serves p on ln for the whole run and for linger after it, so
// the final values are still there for the next scrape. A signal during the
// linger, or cancelling parent, shuts the server down early.
func serveMetrics(parent context.Context, ln net.Listener, p *sink.Prometheus, runDone <-chan struct{}, linger time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           metricsMux(p),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-runDone:
	}

	if linger > 0 {
		// Only a signal received after the run cuts the linger short
		ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("run finished, still serving metrics", "addr", ln.Addr().String(), "linger", linger)
		timer := time.NewTimer(linger)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownWait)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// laneFactory gives every lane its own client, and with it its own
// connection pool, plus its own compiled policy.
func laneFactory(cfg config.Config) func(int) (lane.Requester, error) {
	return func(laneID int) (lane.Requester, error) {
		client, err := issuer.NewHTTPClient(cfg.TransportOptions())
		if err != nil {
			return nil, err
		}
		policy, err := cfg.Policy()
		if err != nil {
			return nil, err
		}
		return issuer.New(cfg.IssuerTarget(), client, policy)
	}
}

func metricsMux(p *sink.Prometheus) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// buildSinks wires every configured report destination. cleanup releases
// whatever was opened and is safe to call when err is nil.
func buildSinks(ctx context.Context, cfg config.Config, runID string, logger *slog.Logger) ([]coordinator.Sink, *sink.Prometheus, func(), error) {
	var sinks []coordinator.Sink
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Output {
	case "json", "yaml":
		s, err := sink.NewStructured(os.Stdout, cfg.Output)
		if err != nil {
			return nil, nil, cleanup, err
		}
		sinks = append(sinks, s)
		closers = append(closers, func() { s.Close() })
	default:
		sinks = append(sinks, sink.NewConsole(os.Stdout, cfg.Quiet))
	}

	var metrics *sink.Prometheus
	if cfg.MetricsAddr != "" {
		metrics = sink.NewPrometheus(runID)
		sinks = append(sinks, metrics)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			client.Close()
			cleanup()
			return nil, nil, func() {}, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		sinks = append(sinks, sink.NewRedis(client, cfg.RedisChannel))
		closers = append(closers, func() { client.Close() })
	}

	if !cfg.NoStore {
		s, closeStore, err := openStoreSink(ctx, cfg, runID)
		if err != nil {
			// History is best effort; the run itself can proceed
			logger.Warn("run history disabled", "error", err)
		} else {
			sinks = append(sinks, s)
			closers = append(closers, closeStore)
		}
	}

	return sinks, metrics, cleanup, nil
}

func openStoreSink(ctx context.Context, cfg config.Config, runID string) (*sink.Store, func(), error) {
	dbPath, err := databasePath(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	if err := config.EnsureDir(dbPath); err != nil {
		return nil, nil, err
	}

	manager, err := store.NewManager(dbPath)
	if err != nil {
		return nil, nil, err
	}

	run := &store.Run{
		RunID:          runID,
		Name:           cfg.Name,
		Target:         cfg.Target,
		Method:         cfg.Method,
		Workers:        cfg.Workers,
		Concurrency:    cfg.Concurrency,
		Duration:       cfg.Duration,
		ReportInterval: cfg.ReportInterval,
		StartedAt:      time.Now(),
	}
	if err := manager.CreateRun(run); err != nil {
		manager.Close()
		return nil, nil, err
	}

	s := sink.NewStore(manager, run.ID)
	s.Interrupted = func() bool { return ctx.Err() != nil }
	return s, func() { manager.Close() }, nil
}

// databasePath resolves the history database, defaulting to ~/.lanebench
func databasePath(path string) (string, error) {
	if path != "" {
		return config.ExpandHome(path)
	}
	paths, err := config.DefaultPaths()
	if err != nil {
		return "", err
	}
	return paths.DatabasePath, nil
}
