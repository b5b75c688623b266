package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/studiowebux/lanebench/internal/issuer"
)

func TestLoad_Defaults(t *testing.T) {
	v := NewViper()
	v.Set("target", "http://localhost:8080/health")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}

	if cfg.Method != "GET" {
		t.Errorf("Expected GET, got: %s", cfg.Method)
	}
	if cfg.Duration != DefaultDuration {
		t.Errorf("Expected default duration, got: %s", cfg.Duration)
	}
	if cfg.ReportInterval != 10*time.Second {
		t.Errorf("Expected 10s report interval, got: %s", cfg.ReportInterval)
	}
	if cfg.Workers != runtime.NumCPU() {
		t.Errorf("Expected one worker per CPU (%d), got: %d", runtime.NumCPU(), cfg.Workers)
	}
	if cfg.GracePeriod != DefaultGracePeriod {
		t.Errorf("Expected default grace, got: %s", cfg.GracePeriod)
	}
	if cfg.MetricsLinger != DefaultMetricsLinger {
		t.Errorf("Expected default metrics linger, got: %s", cfg.MetricsLinger)
	}
}

func TestLoad_ReferenceEnvNames(t *testing.T) {
	t.Setenv("TARGET_URL", "https://10.0.0.5/")
	t.Setenv("DURATION_SECONDS", "30")
	t.Setenv("CONCURRENCY_PER_WORKER", "200")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}

	if cfg.Target != "https://10.0.0.5/" {
		t.Errorf("Expected target from TARGET_URL, got: %s", cfg.Target)
	}
	if cfg.Duration != 30*time.Second {
		t.Errorf("Expected 30s from DURATION_SECONDS, got: %s", cfg.Duration)
	}
	if cfg.Concurrency != 200 {
		t.Errorf("Expected 200 from CONCURRENCY_PER_WORKER, got: %d", cfg.Concurrency)
	}
}

func TestLoad_PrefixedEnv(t *testing.T) {
	t.Setenv("LANEBENCH_TARGET", "http://example.com")
	t.Setenv("LANEBENCH_REPORT_INTERVAL", "2s")
	t.Setenv("LANEBENCH_WORKERS", "3")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}
	if cfg.ReportInterval != 2*time.Second {
		t.Errorf("Expected 2s, got: %s", cfg.ReportInterval)
	}
	if cfg.Workers != 3 {
		t.Errorf("Expected 3 workers, got: %d", cfg.Workers)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value interface{}
		field string
	}{
		{"zero duration", "duration", "0s", "duration"},
		{"negative concurrency", "concurrency", -1, "concurrency"},
		{"zero workers", "workers", 0, "workers"},
		{"bad interval", "report-interval", "soon", "report-interval"},
		{"bad output", "output", "xml", "output"},
		{"bad status", "accept-status", []string{"7xx"}, "policy"},
		{"bad header", "header", []string{"no-separator"}, "header"},
		{"bad pattern", "expect-pattern", "([", "policy"},
		{"bad log level", "log-level", "loud", "log-level"},
		{"negative linger", "metrics-linger", "-1s", "metrics-linger"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViper()
			v.Set("target", "http://localhost")
			v.Set(tt.key, tt.value)

			_, err := Load(v)
			if err == nil {
				t.Fatal("Expected error")
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Expected ConfigError, got: %T %v", err, err)
			}
			if ce.Field != tt.field {
				t.Errorf("Expected field %q, got: %q", tt.field, ce.Field)
			}
		})
	}
}

func TestValidate_Target(t *testing.T) {
	tests := []struct {
		target string
		valid  bool
	}{
		{"http://localhost:8080", true},
		{"https://198.51.100.7/", true},
		{"", false},
		{"localhost:8080", false},
		{"ftp://example.com", false},
		{"/relative/path", false},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			cfg := Default()
			cfg.Target = tt.target
			err := cfg.Validate()
			if (err == nil) != tt.valid {
				t.Errorf("Validate(%q) = %v, want valid=%v", tt.target, err, tt.valid)
			}
		})
	}
}

func TestPolicy(t *testing.T) {
	cfg := Default()
	cfg.Target = "http://localhost"

	p, err := cfg.Policy()
	if err != nil {
		t.Fatalf("Expected policy, got: %v", err)
	}
	if p.AcceptStatus(500) {
		t.Error("Expected default policy to reject 500")
	}

	cfg.AcceptAnyStatus = true
	p, _ = cfg.Policy()
	if !p.AcceptStatus(500) {
		t.Error("Expected permissive policy to accept 500")
	}

	cfg.AcceptAnyStatus = false
	cfg.AcceptStatus = []string{"204"}
	p, _ = cfg.Policy()
	if p.AcceptStatus(200) || !p.AcceptStatus(204) {
		t.Errorf("Expected only 204 accepted, got %+v", p.Statuses)
	}
}

func TestReadFiles(t *testing.T) {
	dir := t.TempDir()

	configPath := filepath.Join(dir, "bench.yaml")
	yaml := "target: http://from-file.local/\nconcurrency: 12\nheader:\n  - \"X-Run: nightly\"\naccept-status:\n  - 2xx\n"
	if err := os.WriteFile(configPath, []byte(yaml), FilePermissions); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("LANEBENCH_WORKERS=2\n"), FilePermissions); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("LANEBENCH_WORKERS") })

	v := NewViper()
	if err := ReadFiles(v, envPath, configPath); err != nil {
		t.Fatalf("Failed to read files: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}
	if cfg.Target != "http://from-file.local/" {
		t.Errorf("Expected target from file, got: %s", cfg.Target)
	}
	if cfg.Concurrency != 12 {
		t.Errorf("Expected 12, got: %d", cfg.Concurrency)
	}
	if cfg.Workers != 2 {
		t.Errorf("Expected 2 workers from env file, got: %d", cfg.Workers)
	}
	if cfg.Headers["X-Run"] != "nightly" {
		t.Errorf("Expected header from file, got: %v", cfg.Headers)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"60", 60 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestTransportOptions(t *testing.T) {
	cfg := Default()
	cfg.Concurrency = 64
	cfg.InsecureSkipVerify = true

	opts := cfg.TransportOptions()
	if opts.PoolSize != 64 {
		t.Errorf("Expected pool size to match concurrency, got: %d", opts.PoolSize)
	}
	if !opts.InsecureSkipVerify {
		t.Error("Expected insecure flag to carry over")
	}

	if cfg.IssuerTarget().Method != "GET" {
		t.Errorf("Expected GET target, got: %s", cfg.IssuerTarget().Method)
	}
	var _ issuer.TransportOptions = opts
}
