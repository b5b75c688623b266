package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/studiowebux/lanebench/internal/aggregate"
	"github.com/studiowebux/lanebench/internal/config"
	"github.com/studiowebux/lanebench/internal/coordinator"
	"github.com/studiowebux/lanebench/internal/sink"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"config error", &config.ConfigError{Field: "target", Reason: "required"}, exitConfigError},
		{"wrapped config error", fmt.Errorf("failed to load: %w", &config.ConfigError{Field: "x"}), exitConfigError},
		{"joined config errors", errors.Join(&config.ConfigError{Field: "a"}, &config.ConfigError{Field: "b"}), exitConfigError},
		{"runtime error", coordinator.ErrAllLanesLost, exitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("Expected exit code %d, got: %d", tt.want, got)
			}
		})
	}
}

func TestDatabasePath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	path, err := databasePath("")
	if err != nil {
		t.Fatalf("databasePath failed: %v", err)
	}
	if filepath.Base(path) != "lanebench.db" {
		t.Errorf("Expected default database lanebench.db, got: %s", path)
	}

	explicit := filepath.Join(t.TempDir(), "runs.db")
	path, err = databasePath(explicit)
	if err != nil {
		t.Fatalf("databasePath failed: %v", err)
	}
	if path != explicit {
		t.Errorf("Expected %s, got: %s", explicit, path)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug"); err != nil {
		t.Errorf("Expected debug to be accepted, got: %v", err)
	}

	_, err := newLogger("chatty")
	var ce *config.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("Expected ConfigError for unknown level, got: %v", err)
	}
}

func TestLaneFactory(t *testing.T) {
	cfg := config.Default()
	cfg.Target = "http://127.0.0.1:1/"

	factory := laneFactory(cfg)
	r1, err := factory(0)
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	r2, err := factory(1)
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if r1 == r2 {
		t.Error("Expected a distinct requester per lane")
	}
}

func scrape(t *testing.T, addr string) (string, error) {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func TestServeMetrics_LingersAfterRun(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()

	metrics := sink.NewPrometheus("run-1")
	runDone := make(chan struct{})
	served := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		served <- serveMetrics(context.Background(), ln, metrics, runDone, 400*time.Millisecond, logger)
	}()

	final := aggregate.Report{RunID: "run-1", Seq: 3, TickSuccess: 40, TotalSuccess: 120, Final: true}
	if err := metrics.Emit(context.Background(), final); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	close(runDone)

	time.Sleep(100 * time.Millisecond)
	out, err := scrape(t, addr)
	if err != nil {
		t.Fatalf("Expected metrics to be served after the run, got: %v", err)
	}
	if !strings.Contains(out, `lanebench_run_finished{run_id="run-1"} 1`) {
		t.Errorf("Expected the finished gauge after the run:\n%s", out)
	}

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Expected clean shutdown, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the server to stop once the linger elapsed")
	}
	if _, err := scrape(t, addr); err == nil {
		t.Error("Expected the endpoint to be gone after the linger")
	}
}

func TestServeMetrics_ParentCancelEndsLinger(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	close(runDone)
	served := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		served <- serveMetrics(ctx, ln, sink.NewPrometheus("run-2"), runDone, time.Hour, logger)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Expected clean shutdown, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected cancel to cut the linger short")
	}
}
