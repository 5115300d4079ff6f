package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

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
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	// Worker
	if cfg.Worker.Command == "" {
		errs = append(errs, errors.New("worker.command is required"))
	}

	// Resources
	if cfg.Resources.ReservedRAMBytes < 0 {
		errs = append(errs, fmt.Errorf("resources.reserved_ram_bytes %d must not be negative", cfg.Resources.ReservedRAMBytes))
	}
	if cfg.Resources.ReservedVRAMBytes < 0 {
		errs = append(errs, fmt.Errorf("resources.reserved_vram_bytes %d must not be negative", cfg.Resources.ReservedVRAMBytes))
	}

	if len(cfg.Models) == 0 {
		slog.Warn("no models configured; the registry will start empty")
	}

	// Model duplicate-ID detection
	idsSeen := make(map[string]int, len(cfg.Models))

	for i, m := range cfg.Models {
		prefix := fmt.Sprintf("models[%d]", i)
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[m.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of models[%d]", prefix, m.ID, prev))
			}
			idsSeen[m.ID] = i
		}
		if m.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path is required", prefix))
		}
		if err := validateModelSettings(prefix, m.DefaultSettings); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// validateModelSettings range-checks the optional loading-settings fields of
// a single model catalogue entry.
func validateModelSettings(prefix string, s ModelSettingsConfig) error {
	var errs []error
	if s.GPULayers != nil && *s.GPULayers < -1 {
		errs = append(errs, fmt.Errorf("%s.default_settings.gpu_layers %d must be >= -1 (-1 means auto)", prefix, *s.GPULayers))
	}
	if s.ContextSize != nil && *s.ContextSize <= 0 {
		errs = append(errs, fmt.Errorf("%s.default_settings.context_size %d must be positive", prefix, *s.ContextSize))
	}
	if s.BatchSize != nil && *s.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%s.default_settings.batch_size %d must be positive", prefix, *s.BatchSize))
	}
	if s.Threads != nil && *s.Threads <= 0 {
		errs = append(errs, fmt.Errorf("%s.default_settings.threads %d must be positive", prefix, *s.Threads))
	}
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2.0) {
		errs = append(errs, fmt.Errorf("%s.default_settings.temperature %.2f is out of range [0, 2.0]", prefix, *s.Temperature))
	}
	return errors.Join(errs...)
}
