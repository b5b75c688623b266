// Package config resolves and validates the settings of a load run.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/studiowebux/lanebench/internal/issuer"
)

// Defaults
const (
	DefaultMethod         = "GET"
	DefaultDuration       = 60 * time.Second
	DefaultConcurrency    = 50
	DefaultReportInterval = 10 * time.Second
	DefaultGracePeriod    = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultOutput         = "text"
	DefaultRedisChannel   = "lanebench:reports"
	DefaultMetricsLinger  = 15 * time.Second

	// MaxConcurrency caps connections per lane
	MaxConcurrency = 10000
)

// Config is the resolved configuration of one run. It is passed by value
// and never modified once the run starts.
type Config struct {
	Name    string
	Target  string
	Method  string
	Headers map[string]string
	Body    string

	Duration       time.Duration
	Concurrency    int // requests per batch, per lane
	Workers        int // number of lanes
	ReportInterval time.Duration
	GracePeriod    time.Duration
	RequestTimeout time.Duration
	BatchRate      float64 // batches per second per lane, 0 = unpaced

	InsecureSkipVerify bool
	HTTP2              bool
	CertFile           string
	KeyFile            string
	CAFile             string

	AcceptStatus    []string
	AcceptAnyStatus bool
	ExpectContains  string
	ExpectPattern   string
	ExpectFields    map[string]string

	Output       string // text, json, yaml
	Quiet        bool
	MetricsAddr  string
	RedisAddr    string
	RedisChannel string
	DatabasePath string
	NoStore      bool
	LogLevel     string

	// MetricsLinger keeps the metrics endpoint up after the run so the
	// final values can still be scraped
	MetricsLinger time.Duration
}

// ConfigError reports one invalid setting
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Default returns a config with every default applied and no target
func Default() Config {
	return Config{
		Method:         DefaultMethod,
		Duration:       DefaultDuration,
		Concurrency:    DefaultConcurrency,
		Workers:        runtime.NumCPU(),
		ReportInterval: DefaultReportInterval,
		GracePeriod:    DefaultGracePeriod,
		RequestTimeout: DefaultRequestTimeout,
		Output:         DefaultOutput,
		RedisChannel:   DefaultRedisChannel,
		MetricsLinger:  DefaultMetricsLinger,
		LogLevel:       "info",
	}
}

// NewViper returns a viper instance with defaults and environment bindings.
// Environment variables use the LANEBENCH_ prefix; TARGET_URL,
// DURATION_SECONDS and CONCURRENCY_PER_WORKER are accepted as aliases.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("lanebench")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("method", d.Method)
	v.SetDefault("duration", d.Duration.String())
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("report-interval", d.ReportInterval.String())
	v.SetDefault("grace", d.GracePeriod.String())
	v.SetDefault("timeout", d.RequestTimeout.String())
	v.SetDefault("output", d.Output)
	v.SetDefault("redis-channel", d.RedisChannel)
	v.SetDefault("metrics-linger", d.MetricsLinger.String())
	v.SetDefault("log-level", d.LogLevel)

	v.BindEnv("target", "LANEBENCH_TARGET", "TARGET_URL")
	v.BindEnv("duration", "LANEBENCH_DURATION", "DURATION_SECONDS")
	v.BindEnv("concurrency", "LANEBENCH_CONCURRENCY", "CONCURRENCY_PER_WORKER")

	return v
}

// ReadFiles loads an optional dotenv file into the process environment and
// an optional YAML config file into v. An empty configFile is skipped.
func ReadFiles(v *viper.Viper, envFile, configFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	if configFile == "" {
		return nil
	}
	path, err := ExpandHome(configFile)
	if err != nil {
		return err
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// DefaultConfigFile returns ~/.lanebench/config.yaml when it exists
func DefaultConfigFile() string {
	paths, err := DefaultPaths()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(paths.ConfigFile); err != nil {
		return ""
	}
	return paths.ConfigFile
}

// Load resolves a Config from v and validates it
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	var errs []error

	duration := func(key string, dst *time.Duration) {
		if !v.IsSet(key) {
			return
		}
		d, err := ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, &ConfigError{Field: key, Reason: err.Error()})
			return
		}
		*dst = d
	}

	cfg.Name = v.GetString("name")
	cfg.Target = strings.TrimSpace(v.GetString("target"))
	cfg.Method = strings.ToUpper(v.GetString("method"))
	cfg.Body = v.GetString("body")

	duration("duration", &cfg.Duration)
	duration("report-interval", &cfg.ReportInterval)
	duration("grace", &cfg.GracePeriod)
	duration("timeout", &cfg.RequestTimeout)
	duration("metrics-linger", &cfg.MetricsLinger)

	cfg.Concurrency = v.GetInt("concurrency")
	cfg.Workers = v.GetInt("workers")
	cfg.BatchRate = v.GetFloat64("batch-rate")

	cfg.InsecureSkipVerify = v.GetBool("insecure")
	cfg.HTTP2 = v.GetBool("http2")
	cfg.CertFile = v.GetString("cert")
	cfg.KeyFile = v.GetString("key")
	cfg.CAFile = v.GetString("ca")

	cfg.AcceptStatus = v.GetStringSlice("accept-status")
	cfg.AcceptAnyStatus = v.GetBool("accept-any-status")
	cfg.ExpectContains = v.GetString("expect-contains")
	cfg.ExpectPattern = v.GetString("expect-pattern")

	cfg.Output = strings.ToLower(v.GetString("output"))
	cfg.Quiet = v.GetBool("quiet")
	cfg.MetricsAddr = v.GetString("metrics-addr")
	cfg.RedisAddr = v.GetString("redis-addr")
	cfg.RedisChannel = v.GetString("redis-channel")
	cfg.DatabasePath = v.GetString("db")
	cfg.NoStore = v.GetBool("no-store")
	cfg.LogLevel = v.GetString("log-level")

	headers, err := parsePairs(v.GetStringSlice("header"), ":")
	if err != nil {
		errs = append(errs, &ConfigError{Field: "header", Reason: err.Error()})
	}
	cfg.Headers = headers

	fields, err := parsePairs(v.GetStringSlice("expect-field"), "=")
	if err != nil {
		errs = append(errs, &ConfigError{Field: "expect-field", Reason: err.Error()})
	}
	cfg.ExpectFields = fields

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// ParseDuration accepts Go durations ("90s", "1m30s") and bare integers,
// which are read as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func parsePairs(items []string, sep string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		key, value, ok := strings.Cut(item, sep)
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key%svalue, got %q", sep, item)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

// Validate checks the invariants that must hold before any lane starts
func (c Config) Validate() error {
	var errs []error
	fail := func(field, reason string) {
		errs = append(errs, &ConfigError{Field: field, Reason: reason})
	}

	if c.Target == "" {
		fail("target", "is required")
	} else if u, err := url.Parse(c.Target); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		fail("target", fmt.Sprintf("%q is not an absolute http(s) URL", c.Target))
	}
	if c.Duration <= 0 {
		fail("duration", "must be greater than 0")
	}
	if c.Concurrency <= 0 {
		fail("concurrency", "must be greater than 0")
	}
	if c.Concurrency > MaxConcurrency {
		fail("concurrency", fmt.Sprintf("cannot exceed %d", MaxConcurrency))
	}
	if c.Workers < 1 {
		fail("workers", "must be at least 1")
	}
	if c.ReportInterval <= 0 {
		fail("report-interval", "must be greater than 0")
	}
	if c.GracePeriod < 0 {
		fail("grace", "cannot be negative")
	}
	if c.RequestTimeout < 0 {
		fail("timeout", "cannot be negative")
	}
	if c.MetricsLinger < 0 {
		fail("metrics-linger", "cannot be negative")
	}
	if c.BatchRate < 0 {
		fail("batch-rate", "cannot be negative")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		fail("cert", "cert and key must be provided together")
	}
	switch c.Output {
	case "text", "json", "yaml":
	default:
		fail("output", fmt.Sprintf("unknown format %q (text, json, yaml)", c.Output))
	}
	if _, err := c.Policy(); err != nil {
		fail("policy", err.Error())
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		fail("log-level", err.Error())
	}

	return errors.Join(errs...)
}

// ParseLogLevel maps debug, info, warn and error to slog levels
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q (debug, info, warn, error)", s)
	}
	return level, nil
}

// Policy builds the success policy from the accept/expect settings
func (c Config) Policy() (issuer.Policy, error) {
	var p issuer.Policy
	switch {
	case c.AcceptAnyStatus:
		p = issuer.PermissivePolicy()
	case len(c.AcceptStatus) > 0:
		ranges, err := issuer.ParseStatusRanges(c.AcceptStatus)
		if err != nil {
			return issuer.Policy{}, err
		}
		p.Statuses = ranges
	default:
		p = issuer.DefaultPolicy()
	}

	p.BodyContains = c.ExpectContains
	if c.ExpectPattern != "" {
		re, err := regexp.Compile(c.ExpectPattern)
		if err != nil {
			return issuer.Policy{}, fmt.Errorf("invalid body pattern: %w", err)
		}
		p.BodyPattern = re
	}
	p.BodyFields = c.ExpectFields

	if err := p.Compile(); err != nil {
		return issuer.Policy{}, err
	}
	return p, nil
}

// IssuerTarget returns the request every lane sends
func (c Config) IssuerTarget() issuer.Target {
	return issuer.Target{
		Method:  c.Method,
		URL:     c.Target,
		Headers: c.Headers,
		Body:    c.Body,
	}
}

// TransportOptions returns the per-lane client settings. The pool size is
// the lane's concurrency so every request of a batch gets a connection.
func (c Config) TransportOptions() issuer.TransportOptions {
	return issuer.TransportOptions{
		PoolSize:           c.Concurrency,
		RequestTimeout:     c.RequestTimeout,
		InsecureSkipVerify: c.InsecureSkipVerify,
		HTTP2:              c.HTTP2,
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		CAFile:             c.CAFile,
	}
}
