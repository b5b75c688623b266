package target

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfig answers every request on every path with 200 "ok" after
// delay milliseconds.
func DefaultConfig(host string, port, delay int) *Config {
	return &Config{
		Host: host,
		Port: port,
		Routes: []Route{{
			Name:     "default",
			Method:   "*",
			Path:     "/",
			PathType: "prefix",
			Status:   200,
			Body:     "ok",
			Delay:    delay,
		}},
	}
}

// LoadConfig loads a target configuration from a file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// validateConfig validates the target configuration
func validateConfig(config *Config) error {
	if len(config.Routes) == 0 {
		return fmt.Errorf("no routes defined")
	}

	for i, route := range config.Routes {
		if route.Method == "" {
			return fmt.Errorf("route %d: method is required", i)
		}
		if route.Path == "" {
			return fmt.Errorf("route %d: path is required", i)
		}
		switch route.PathType {
		case "", "exact", "prefix":
		case "regex":
			if _, err := regexp.Compile(route.Path); err != nil {
				return fmt.Errorf("route %d: invalid regex: %w", i, err)
			}
		default:
			return fmt.Errorf("route %d: pathType must be 'exact', 'prefix', or 'regex'", i)
		}
		if route.Delay < 0 || route.Jitter < 0 {
			return fmt.Errorf("route %d: delay and jitter cannot be negative", i)
		}
		if route.ErrorRate < 0 || route.ErrorRate > 1 {
			return fmt.Errorf("route %d: errorRate must be between 0 and 1", i)
		}
	}

	return nil
}
