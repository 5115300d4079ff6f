// Package config provides the configuration schema, loader, and polling
// file watcher for llamacore.
package config

// Config is the root configuration structure for llamacore.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Worker    WorkerConfig   `yaml:"worker"`
	Resources ResourceConfig `yaml:"resources"`
	Models    []ModelConfig  `yaml:"models"`
}

// ServerConfig holds network and logging settings shared by the
// controller and worker processes.
type ServerConfig struct {
	// ListenAddr is the TCP address the worker's metrics/health endpoint
	// listens on (e.g., ":9090"). Left empty, the worker skips starting
	// that listener; the envelope protocol itself always runs over
	// stdio regardless of this setting.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated slog verbosity name.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the known log level names.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// WorkerConfig describes how the controller launches and supervises the
// llamacore-worker subprocess.
type WorkerConfig struct {
	// Command is the worker executable path.
	Command string `yaml:"command"`

	// Args are additional arguments passed to Command.
	Args []string `yaml:"args"`

	// Env holds additional environment variables injected into the worker
	// subprocess. May be nil.
	Env map[string]string `yaml:"env"`
}

// ResourceConfig declares host resource headroom the resource planner
// should reserve when sizing context/GPU-layer/batch decisions, on top of
// whatever the host inspector reports as free.
type ResourceConfig struct {
	// ReservedRAMBytes is host RAM the planner must never plan to use,
	// left for the OS and other processes.
	ReservedRAMBytes int64 `yaml:"reserved_ram_bytes"`

	// ReservedVRAMBytes is the VRAM equivalent of ReservedRAMBytes.
	ReservedVRAMBytes int64 `yaml:"reserved_vram_bytes"`
}

// ModelConfig is one entry in the model catalogue: a GGUF file on disk
// plus optional default loading settings.
type ModelConfig struct {
	// ID is the model's stable identifier, used in API calls and logs.
	ID string `yaml:"id"`

	// DisplayName is a human-readable label shown in listings.
	DisplayName string `yaml:"display_name"`

	// Path is the absolute or relative path to the GGUF file.
	Path string `yaml:"path"`

	// DefaultSettings seeds the settings service's per-model store at
	// startup, before any setModelSettings call overrides it.
	DefaultSettings ModelSettingsConfig `yaml:"default_settings"`
}

// ModelSettingsConfig mirrors coremodel.ModelLoadingSettings' YAML-facing
// shape. All fields are optional; a nil pointer means "not set". A
// GPULayers value of -1 explicitly requests auto (the resource planner's
// computed value) and is distinguished from "not set" by HasGPULayers at
// the coremodel layer once loaded — see seedSettingsStore in
// cmd/llamacore-worker for the translation.
type ModelSettingsConfig struct {
	GPULayers   *int     `yaml:"gpu_layers"`
	ContextSize *int     `yaml:"context_size"`
	BatchSize   *int     `yaml:"batch_size"`
	Threads     *int     `yaml:"threads"`
	Temperature *float64 `yaml:"temperature"`
}
