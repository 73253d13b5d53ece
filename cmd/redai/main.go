// Command redai is the Red AI voice assistant client: a console for text chat
// plus full-duplex voice conversations with the Gemini Live API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/dworldbd-stack/red698/internal/app"
	"github.com/dworldbd-stack/red698/internal/config"
	"github.com/dworldbd-stack/red698/internal/observe"
	"github.com/dworldbd-stack/red698/pkg/audio/ffmpeg"
	"github.com/dworldbd-stack/red698/pkg/audio/null"
	"github.com/dworldbd-stack/red698/pkg/provider/live"
	geminilive "github.com/dworldbd-stack/red698/pkg/provider/live/gemini"
	"github.com/dworldbd-stack/red698/pkg/provider/llm"
	"github.com/dworldbd-stack/red698/pkg/provider/llm/anyllm"
	geminillm "github.com/dworldbd-stack/red698/pkg/provider/llm/gemini"
	openaillm "github.com/dworldbd-stack/red698/pkg/provider/llm/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and modes when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "redai: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "redai: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(&level))

	slog.Info("redai starting",
		"version", version,
		"config", *configPath,
		"status_addr", cfg.Server.StatusAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	opts := []app.Option{app.WithMetrics(metrics), app.WithLevelVar(&level)}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the text vendors reached through any-llm-go. Gemini and
// OpenAI have native clients.
var anyllmBackends = []string{"anthropic", "deepseek", "mistral", "groq", "ollama", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────
	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini-live: api_key or GEMINI_API_KEY is required")
		}
		opts := []geminilive.Option{
			geminilive.WithModel(entry.Model),
			geminilive.WithBaseURL(entry.BaseURL),
			geminilive.WithVoice(optString(entry.Options, "voice")),
		}
		if n := optInt(entry.Options, "outbound_queue"); n > 0 {
			opts = append(opts, geminilive.WithOutboundQueue(n))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []geminillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, geminillm.WithBaseURL(entry.BaseURL))
		}
		return geminillm.New(ctx, entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openaillm.WithOrganization(org))
		}
		return openaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllmBackends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── Audio ─────────────────────────────────────────────────────────────────
	reg.RegisterAudio(config.AudioFFmpeg, func(a config.AudioConfig) (config.AudioDevices, error) {
		return config.AudioDevices{
			Input: ffmpeg.NewCapture(
				ffmpeg.WithFFmpegPath(a.FFmpegPath),
				ffmpeg.WithInputFormat(a.InputFormat),
				ffmpeg.WithInputDevice(a.InputDevice),
			),
			Output: ffmpeg.NewSpeaker(
				ffmpeg.WithFFplayPath(a.FFplayPath),
				ffmpeg.WithVolume(a.Volume),
			),
		}, nil
	})

	reg.RegisterAudio(config.AudioNull, func(config.AudioConfig) (config.AudioDevices, error) {
		return config.AudioDevices{Input: null.Input{}, Output: null.Output{}}, nil
	})

	slog.Debug("registered providers",
		"live", []string{"gemini-live"},
		"llm", append([]string{"gemini", "openai"}, anyllmBackends...),
		"audio", []string{config.AudioFFmpeg, config.AudioNull},
	)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Red AI  ·  startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Voice", cfg.Providers.Live.Name, cfg.Providers.Live.Model)
	printProvider("Text", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Providers.LLMFallbacks))
	printProvider("Audio", cfg.Audio.Backend, "")
	fmt.Printf("║  Default mode    : %-19s ║\n", cfg.DefaultMode)
	if cfg.Server.StatusAddr != "" {
		fmt.Printf("║  Status addr     : %-19s ║\n", cfg.Server.StatusAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
