package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dworldbd-stack/red698/internal/config"
	"github.com/dworldbd-stack/red698/internal/observe"
	"github.com/dworldbd-stack/red698/internal/resilience"
	"github.com/dworldbd-stack/red698/pkg/provider/live"
	"github.com/dworldbd-stack/red698/pkg/provider/llm"
)

// Providers holds one value per provider slot. A nil Live or LLM means the
// slot is not configured. Populated by [BuildProviders] or injected by tests.
type Providers struct {
	Live  live.Provider
	LLM   llm.Provider
	Audio config.AudioDevices
}

// BuildProviders instantiates every provider named in cfg using reg. Text
// providers are wrapped in a [resilience.LLMFallback] so each backend runs
// behind its own circuit breaker and every attempt is counted in m.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	ps := &Providers{}

	if name := cfg.Providers.Live.Name; name != "" {
		p, err := reg.CreateLive(cfg.Providers.Live)
		if err != nil {
			return nil, fmt.Errorf("app: create live provider %q: %w", name, err)
		}
		ps.Live = p
		slog.Info("provider created", "kind", "live", "name", name, "model", cfg.Providers.Live.Model)
	}

	if name := cfg.Providers.LLM.Name; name != "" {
		primary, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("app: create llm provider %q: %w", name, err)
		}
		fb := resilience.NewLLMFallback(primary, name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{OnStateChange: logBreakerChange},
		})
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)

		for _, entry := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(entry)
			if errors.Is(err, config.ErrProviderNotRegistered) {
				slog.Warn("fallback provider not registered, skipping", "kind", "llm", "name", entry.Name)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("app: create llm fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
			slog.Info("provider created", "kind", "llm_fallback", "name", entry.Name, "model", entry.Model)
		}
		fb.Observe(providerObserver(m, "llm"))
		ps.LLM = fb
	}

	devices, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("app: create audio backend %q: %w", cfg.Audio.Backend, err)
	}
	ps.Audio = devices
	slog.Info("audio backend created", "backend", cfg.Audio.Backend)

	return ps, nil
}

// providerObserver records every provider attempt in m.
func providerObserver(m *observe.Metrics, kind string) resilience.ResultObserver {
	return func(provider string, elapsed time.Duration, err error) {
		ctx := context.Background()
		status := "ok"
		if err != nil {
			status = "error"
			m.RecordProviderError(ctx, provider, kind)
			slog.Warn("provider attempt failed", "kind", kind, "provider", provider, "elapsed", elapsed, "err", err)
		}
		m.RecordProviderRequest(ctx, provider, kind, status)
	}
}

func logBreakerChange(name string, from, to resilience.State) {
	slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
}
