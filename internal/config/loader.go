package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":     {"whisper", "deepgram"},
	"extract": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.SessionTTL < 0 {
		errs = append(errs, fmt.Errorf("server.session_ttl %s must not be negative", cfg.Server.SessionTTL))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("stt", cfg.Providers.STTFallback.Name)
	validateProviderName("extract", cfg.Providers.Extract.Name)
	validateProviderName("extract", cfg.Providers.ExtractFallback.Name)

	// Core stages must be configured; a fallback alone does nothing.
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required; captured audio cannot be transcribed without an STT provider"))
	}
	if cfg.Providers.Extract.Name == "" {
		errs = append(errs, errors.New("providers.extract.name is required; transcripts cannot be mapped to form fields without an extraction provider"))
	}
	if cfg.Providers.STTFallback.Name != "" && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt_fallback is set but providers.stt is not"))
	}
	if cfg.Providers.ExtractFallback.Name != "" && cfg.Providers.Extract.Name == "" {
		errs = append(errs, errors.New("providers.extract_fallback is set but providers.extract is not"))
	}

	// Circuit breaker
	cb := cfg.Providers.CircuitBreaker
	if cb.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("providers.circuit_breaker.max_failures %d must not be negative", cb.MaxFailures))
	}
	if cb.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("providers.circuit_breaker.reset_timeout %s must not be negative", cb.ResetTimeout))
	}
	if cb.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("providers.circuit_breaker.half_open_max %d must not be negative", cb.HalfOpenMax))
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [0, 2]", cfg.Capture.Channels))
	}
	if cfg.Capture.StatusInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.status_interval %s must not be negative", cfg.Capture.StatusInterval))
	}

	// Storage availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; form templates and submissions will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
