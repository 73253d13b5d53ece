// Package config provides the configuration schema, loader, provider registry,
// and hot-reload watcher for the Red AI client.
package config

import "log/slog"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the slog level. Unknown values map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Audio backends understood by the default registry.
const (
	AudioFFmpeg = "ffmpeg"
	AudioNull   = "null"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultStatusAddr       = ":9464"
	DefaultFrameSamples     = 4096
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultMode             = "chat"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Audio     AudioConfig     `yaml:"audio"`

	// Modes overrides or extends the built-in assistant modes by name.
	Modes []ModeConfig `yaml:"modes"`

	// DefaultMode names the mode selected at startup.
	DefaultMode string `yaml:"default_mode"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// StatusAddr is the TCP address of the status server exposing /healthz,
	// /readyz and /metrics. Empty disables the server.
	StatusAddr string `yaml:"status_addr"`
}

// ProvidersConfig selects the remote model providers. Each entry names a
// factory registered in the [Registry].
type ProvidersConfig struct {
	// Live is the full-duplex voice provider (e.g. "gemini-live").
	Live ProviderEntry `yaml:"live"`

	// LLM is the primary text chat provider.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when LLM fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. When empty the
	// loader falls back to the provider's conventional environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above (e.g. "voice" for gemini-live).
	Options map[string]any `yaml:"options"`
}

// AudioConfig configures the local audio devices.
type AudioConfig struct {
	// Backend selects the device implementation: "ffmpeg" or "null".
	Backend string `yaml:"backend"`

	// InputFormat is the ffmpeg input format (pulse, alsa, avfoundation, dshow).
	InputFormat string `yaml:"input_format"`

	// InputDevice is the ffmpeg input device name.
	InputDevice string `yaml:"input_device"`

	FFmpegPath string `yaml:"ffmpeg_path"`
	FFplayPath string `yaml:"ffplay_path"`

	// Volume is the ffplay output volume, 0-100. Zero keeps ffplay's default.
	Volume int `yaml:"volume"`

	// FrameSamples is the capture frame size in samples.
	FrameSamples int `yaml:"frame_samples"`

	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`
}

// ModeConfig declares one assistant mode.
type ModeConfig struct {
	Name        string `yaml:"name"`
	Title       string `yaml:"title"`
	Instruction string `yaml:"instruction"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = AudioFFmpeg
	}
	if cfg.Audio.FrameSamples == 0 {
		cfg.Audio.FrameSamples = DefaultFrameSamples
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = DefaultMode
	}
}
