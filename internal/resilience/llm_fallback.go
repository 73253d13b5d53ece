package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/dworldbd-stack/red698/pkg/provider/llm"
)

// errEmptyResponse is returned when a provider yields neither a response nor
// an error.
var errEmptyResponse = errors.New("provider returned an empty response")

// ResultObserver is notified after every completion attempt against a single
// provider, including failed ones.
type ResultObserver func(provider string, elapsed time.Duration, err error)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group    *FallbackGroup[namedLLM]
	observer ResultObserver
}

// namedLLM carries the entry name into the attempt closure.
type namedLLM struct {
	name string
	llm.Provider
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(namedLLM{primaryName, primary}, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, namedLLM{name, provider})
}

// Observe sets the per-attempt observer. Call before first use.
func (f *LLMFallback) Observe(o ResultObserver) { f.observer = o }

// Status reports the breaker state of every backend in failover order.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p namedLLM) (*llm.CompletionResponse, error) {
		start := time.Now()
		resp, err := p.Complete(ctx, req)
		if err == nil && resp == nil {
			err = errEmptyResponse
		}
		if f.observer != nil {
			f.observer(p.name, time.Since(start), err)
		}
		return resp, err
	})
}

// CountTokens delegates to the first healthy provider's token counter.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p namedLLM) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities returns the most restrictive limits across all backends, since
// any of them may end up serving a request.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	f.group.mu.RLock()
	defer f.group.mu.RUnlock()

	var out llm.ModelCapabilities
	for i, e := range f.group.entries {
		c := e.value.Capabilities()
		if i == 0 || (c.ContextWindow > 0 && c.ContextWindow < out.ContextWindow) {
			out.ContextWindow = c.ContextWindow
		}
		if i == 0 || (c.MaxOutputTokens > 0 && c.MaxOutputTokens < out.MaxOutputTokens) {
			out.MaxOutputTokens = c.MaxOutputTokens
		}
	}
	return out
}
