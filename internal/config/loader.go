package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. ${VAR} references are expanded from the environment before
// decoding so secrets can stay out of the file.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), expandEnv)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv resolves ${VAR} to the environment value. "$$" stays a literal
// dollar sign.
func expandEnv(name string) string {
	if name == "$" {
		return "$"
	}
	return os.Getenv(name)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MediaPath != "" && !strings.HasPrefix(cfg.Server.MediaPath, "/") {
		errs = append(errs, fmt.Errorf("server.media_path %q must start with /", cfg.Server.MediaPath))
	}
	if cfg.Server.GracePeriod != nil && *cfg.Server.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("server.grace_period %v must not be negative", *cfg.Server.GracePeriod))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Realtime
	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required (e.g. api_key: ${OPENAI_API_KEY})"))
	}
	if td := cfg.Realtime.TurnDetection; td.Type != "" {
		if td.Threshold < 0 || td.Threshold > 1 {
			errs = append(errs, fmt.Errorf("realtime.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
		}
		if td.PrefixPaddingMs < 0 || td.SilenceDurationMs < 0 {
			errs = append(errs, errors.New("realtime.turn_detection durations must not be negative"))
		}
	}
	cb := cfg.Realtime.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("realtime.circuit_breaker values must not be negative"))
	}

	// Call log
	if cfg.CallLog.PostgresDSN == "" {
		slog.Debug("calllog.postgres_dsn is empty; call detail records will not be stored")
	}

	return errors.Join(errs...)
}
