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
	"live":  {"gemini-live"},
	"llm":   {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"audio": {AudioFFmpeg, AudioNull},
}

// apiKeyEnv maps provider names to the environment variable consulted when a
// provider entry has no api_key.
var apiKeyEnv = map[string]string{
	"gemini-live": "GEMINI_API_KEY",
	"gemini":      "GEMINI_API_KEY",
	"openai":      "OPENAI_API_KEY",
	"anthropic":   "ANTHROPIC_API_KEY",
	"mistral":     "MISTRAL_API_KEY",
	"groq":        "GROQ_API_KEY",
	"deepseek":    "DEEPSEEK_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment fallbacks, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills empty API keys from the environment.
func applyEnv(cfg *Config) {
	fill := func(e *ProviderEntry) {
		if e.APIKey != "" || e.Name == "" {
			return
		}
		if env, ok := apiKeyEnv[e.Name]; ok {
			e.APIKey = os.Getenv(env)
		}
	}
	fill(&cfg.Providers.Live)
	fill(&cfg.Providers.LLM)
	for i := range cfg.Providers.LLMFallbacks {
		fill(&cfg.Providers.LLMFallbacks[i])
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	validateProviderName("live", cfg.Providers.Live.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	if cfg.Providers.Live.Name == "" {
		slog.Warn("no live provider configured; voice conversations are disabled")
	} else if cfg.Providers.Live.APIKey == "" {
		slog.Warn("live provider has no api key", "name", cfg.Providers.Live.Name)
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no llm provider configured; text chat is disabled")
	}

	// Audio
	a := cfg.Audio
	if a.Backend != "" && !slices.Contains(ValidProviderNames["audio"], a.Backend) {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: ffmpeg, null", a.Backend))
	}
	if a.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", a.FrameSamples))
	}
	if a.InputSampleRate < 0 || a.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio sample rates must be positive (input %d, output %d)", a.InputSampleRate, a.OutputSampleRate))
	}
	if a.Volume < 0 || a.Volume > 100 {
		errs = append(errs, fmt.Errorf("audio.volume %d is out of range [0, 100]", a.Volume))
	}

	// Modes
	seen := make(map[string]int, len(cfg.Modes))
	for i, m := range cfg.Modes {
		prefix := fmt.Sprintf("modes[%d]", i)
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[m.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of modes[%d]", prefix, m.Name, prev))
		}
		seen[m.Name] = i
		if m.Instruction == "" {
			errs = append(errs, fmt.Errorf("%s.instruction is required", prefix))
		}
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
