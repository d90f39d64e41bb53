package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "polylsp.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Logging.Level, "POLYLSP_LOG_LEVEL")
	setString(&cfg.Logging.Service, "POLYLSP_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "POLYLSP_LOG_ASYNC")
	setDuration(&cfg.LSP.RequestTimeout, "POLYLSP_REQUEST_TIMEOUT")
	setDuration(&cfg.LSP.StartTimeout, "POLYLSP_START_TIMEOUT")
	setDuration(&cfg.LSP.ShutdownGrace, "POLYLSP_SHUTDOWN_GRACE")
	setInt(&cfg.LSP.MaxConcurrentStarts, "POLYLSP_MAX_CONCURRENT_STARTS")
	setInt(&cfg.LSP.MaxDiagnostics, "POLYLSP_MAX_DIAGNOSTICS")
	setInt64(&cfg.Cache.MaxSizeMB, "POLYLSP_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "POLYLSP_CACHE_TTL")
	setInt(&cfg.Breaker.MaxFailures, "POLYLSP_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "POLYLSP_BREAKER_TIMEOUT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.LSP.RequestTimeout <= 0 {
		return errors.New("lsp.request_timeout must be > 0")
	}
	if cfg.LSP.StartTimeout <= 0 {
		return errors.New("lsp.start_timeout must be > 0")
	}
	if cfg.LSP.ShutdownGrace <= 0 {
		return errors.New("lsp.shutdown_grace must be > 0")
	}
	if cfg.LSP.MaxConcurrentStarts < 1 {
		return errors.New("lsp.max_concurrent_starts must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	for lang, sc := range cfg.LSP.Servers {
		if len(sc.Command) == 0 {
			return fmt.Errorf("lsp.servers.%s.command must not be empty", lang)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
