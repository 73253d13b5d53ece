// Package app wires the Red AI subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates the mode registry,
// shared transcript, text chat, voice controller and status server; Run
// executes the console, the status server and the config watcher side by
// side; Shutdown ends any running voice conversation.
//
// For testing, inject providers built from mocks and redirect the console
// with [WithConsole].
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dworldbd-stack/red698/internal/chat"
	"github.com/dworldbd-stack/red698/internal/config"
	"github.com/dworldbd-stack/red698/internal/conversation"
	"github.com/dworldbd-stack/red698/internal/health"
	"github.com/dworldbd-stack/red698/internal/mode"
	"github.com/dworldbd-stack/red698/internal/observe"
	"github.com/dworldbd-stack/red698/internal/resilience"
	"github.com/dworldbd-stack/red698/internal/transcript"
	"github.com/dworldbd-stack/red698/pkg/provider/live"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics    *observe.Metrics
	level      *slog.LevelVar
	configPath string
	in         io.Reader
	out        io.Writer

	// Subsystems, initialised in New.
	modes   *mode.Registry
	log     *transcript.Log
	chat    *chat.Service
	voice   *conversation.Controller
	console *Console
	status  *health.Server

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler that
// reads lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath enables the config watcher on path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithConsole redirects console input and output. Default: stdin and stdout.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from [BuildProviders]. At least one of the live and text providers
// must be set.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		in:        os.Stdin,
		out:       os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers.Live == nil && providers.LLM == nil {
		return nil, errors.New("app: neither a live nor a text provider is configured")
	}

	// ── 1. Modes + transcript ────────────────────────────────────────────
	modes, err := mode.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: init modes: %w", err)
	}
	a.modes = modes
	a.log = transcript.NewLog()

	// ── 2. Text chat ─────────────────────────────────────────────────────
	if providers.LLM != nil {
		a.chat = chat.New(providers.LLM, a.log, a.modes, chat.WithMetrics(a.metrics))
	}

	// ── 3. Console + voice controller ────────────────────────────────────
	a.console = NewConsole(a.in, a.out, a.chat, nil, a.modes, a.log)
	if sr, ok := providers.LLM.(statusReporter); ok {
		a.console.providerState = sr
	}
	if err := a.initVoice(); err != nil {
		return nil, fmt.Errorf("app: init voice: %w", err)
	}
	a.console.voice = a.voice

	// ── 4. Status server ─────────────────────────────────────────────────
	if addr := cfg.Server.StatusAddr; addr != "" {
		a.status = health.NewServer(addr, health.New(a.checkers()...).WithInfo(a.statusInfo), a.metrics)
	}

	slog.Info("app initialised",
		"voice", a.voice != nil,
		"text_chat", a.chat != nil,
		"mode", a.modes.Active().Name,
		"status_addr", cfg.Server.StatusAddr,
	)
	return a, nil
}

func (a *App) initVoice() error {
	if a.providers.Live == nil {
		return nil
	}
	if a.providers.Audio.Input == nil || a.providers.Audio.Output == nil {
		return errors.New("audio devices are required for voice")
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "live:" + a.cfg.Providers.Live.Name,
		OnStateChange: logBreakerChange,
	})
	a.voice = conversation.New(a.providers.Live, a.providers.Audio.Input, a.providers.Audio.Output, a.log,
		conversation.WithModes(a.modes),
		conversation.WithSessionConfig(live.SessionConfig{Model: a.cfg.Providers.Live.Model}),
		conversation.WithFrameSamples(a.cfg.Audio.FrameSamples),
		conversation.WithSampleRates(a.cfg.Audio.InputSampleRate, a.cfg.Audio.OutputSampleRate),
		conversation.WithMetrics(a.metrics),
		conversation.WithBreaker(breaker),
		conversation.WithNotify(a.console.OnNotice),
	)
	return nil
}

// checkers returns the readiness checks served on /readyz.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{
		{Name: "config", Check: func(context.Context) error {
			if a.cfg == nil {
				return errors.New("not loaded")
			}
			return nil
		}},
		{Name: "live_provider", Check: func(context.Context) error {
			if a.providers.Live == nil {
				return errors.New("not configured")
			}
			return nil
		}},
	}
	if sr, ok := a.providers.LLM.(statusReporter); ok {
		cs = append(cs, health.Checker{Name: "llm_provider", Check: func(context.Context) error {
			for _, s := range sr.Status() {
				if s.State != resilience.StateOpen {
					return nil
				}
			}
			return resilience.ErrAllFailed
		}})
	}
	return cs
}

// statusInfo is the client snapshot served with every status request.
func (a *App) statusInfo() map[string]string {
	info := map[string]string{
		"mode":             a.modes.Active().Name,
		"transcript_items": strconv.Itoa(a.log.Len()),
		"voice":            "disabled",
	}
	if a.voice != nil {
		info["voice"] = a.voice.State().String()
		if err := a.voice.Err(); err != nil {
			info["voice_last_error"] = err.Error()
		}
	}
	return info
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run blocks until the console exits or ctx is cancelled. The status server
// and config watcher run alongside the console and stop with it.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return a.console.Run(gctx)
	})

	if a.status != nil {
		g.Go(func() error { return a.status.Run(gctx) })
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	return g.Wait()
}

// Shutdown ends any running voice conversation. Safe to call more than once.
func (a *App) Shutdown(_ context.Context) error {
	a.stopOnce.Do(func() {
		if a.voice != nil {
			a.voice.Stop()
		}
		slog.Info("app shut down", "transcript_items", a.log.Len())
	})
	return nil
}

// Transcript returns the shared transcript.
func (a *App) Transcript() *transcript.Log { return a.log }

// Modes returns the mode registry.
func (a *App) Modes() *mode.Registry { return a.modes }

// Voice returns the voice controller, or nil when voice is not configured.
func (a *App) Voice() *conversation.Controller { return a.voice }

// applyConfig applies the hot-reloadable part of a reloaded config.
func (a *App) applyConfig(next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ModesChanged {
		a.modes.Replace(next.Modes)
		slog.Info("modes reloaded", "changes", len(d.ModeChanges))
	}
	if d.DefaultModeChanged {
		if err := a.modes.SetActive(d.NewDefaultMode); err != nil {
			slog.Warn("default mode not applied", "mode", d.NewDefaultMode, "err", err)
		}
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change takes effect after restart", "section", section)
	}
}
