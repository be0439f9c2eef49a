package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// validProviderNames lists the known transcription provider names.
var validProviderNames = []string{"openai", "deepgram", "whisper"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults and checks that cfg contains a coherent set of
// values. It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	cfg.ApplyDefaults()

	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ResetToken == "" {
		slog.Warn("server.reset_token is empty; the scheduled usage reset endpoint will be disabled")
	}

	// Providers
	if cfg.Providers.Primary == "" {
		errs = append(errs, errors.New("providers.primary is required"))
	} else if err := validateProvider(cfg, "providers.primary", cfg.Providers.Primary); err != nil {
		errs = append(errs, err)
	}
	if cfg.Providers.Fallback != "" {
		if err := validateProvider(cfg, "providers.fallback", cfg.Providers.Fallback); err != nil {
			errs = append(errs, err)
		}
		if cfg.Providers.Fallback == cfg.Providers.Primary {
			errs = append(errs, fmt.Errorf("providers.fallback %q duplicates providers.primary", cfg.Providers.Fallback))
		}
	} else {
		slog.Warn("providers.fallback is empty; transcription will fail hard when the primary provider is down")
	}

	// Segment producer sanity
	if cfg.Segment.FileSegmentSeconds < 30 {
		slog.Warn("segment.file_segment_seconds is very short; per-request provider overhead will dominate",
			"seconds", cfg.Segment.FileSegmentSeconds)
	}

	// Usage
	if cfg.Usage.PostgresDSN == "" {
		slog.Warn("usage.postgres_dsn is empty; usage accounting will use the in-memory store and reset on restart")
	}

	return errors.Join(errs...)
}

// validateProvider checks that name is a known provider and that its
// credential block is filled in.
func validateProvider(cfg *Config, field, name string) error {
	switch name {
	case "openai":
		if cfg.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("%s is %q but providers.openai.api_key is empty", field, name)
		}
	case "deepgram":
		if cfg.Providers.Deepgram.APIKey == "" {
			return fmt.Errorf("%s is %q but providers.deepgram.api_key is empty", field, name)
		}
	case "whisper":
		if cfg.Providers.Whisper.ServerURL == "" {
			return fmt.Errorf("%s is %q but providers.whisper.server_url is empty", field, name)
		}
	default:
		return fmt.Errorf("%s %q is unknown; valid values: %v", field, name, validProviderNames)
	}
	return nil
}
