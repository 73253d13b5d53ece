// Package chat sends typed messages to a text completion model and records
// both sides in the shared transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dworldbd-stack/red698/internal/mode"
	"github.com/dworldbd-stack/red698/internal/observe"
	"github.com/dworldbd-stack/red698/internal/transcript"
	"github.com/dworldbd-stack/red698/pkg/provider/llm"
)

// ErrEmptyMessage is returned by Send for blank input.
var ErrEmptyMessage = errors.New("chat: empty message")

// DefaultMaxHistory is the number of prior transcript items sent as context.
const DefaultMaxHistory = 40

// Option configures a [Service].
type Option func(*Service)

// WithMaxHistory caps the prior transcript items sent with each request.
// Zero sends only the new message.
func WithMaxHistory(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxHistory = n
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Service is the text chat. It is safe for concurrent use.
type Service struct {
	provider   llm.Provider
	log        *transcript.Log
	modes      *mode.Registry
	maxHistory int
	metrics    *observe.Metrics
}

// New creates a chat service answering with provider in the active mode of
// modes. A nil modes uses the built-in modes.
func New(provider llm.Provider, log *transcript.Log, modes *mode.Registry, opts ...Option) *Service {
	s := &Service{
		provider:   provider,
		log:        log,
		modes:      modes,
		maxHistory: DefaultMaxHistory,
	}
	for _, o := range opts {
		o(s)
	}
	if s.modes == nil {
		s.modes = mode.NewRegistry()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Send appends text as a User item, asks the model for a reply and appends it
// as an AI item, which is returned. On failure the User item is removed again
// and the provider error is returned.
func (s *Service) Send(ctx context.Context, text string) (transcript.Item, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return transcript.Item{}, ErrEmptyMessage
	}

	active := s.modes.Active()
	ctx, span := observe.StartSpan(ctx, "chat.send")
	defer span.End()
	span.SetAttributes(attribute.String("mode", active.Name))

	history := s.log.Items()
	user := transcript.NewItem(transcript.SpeakerUser, text)
	s.log.Append(user)

	start := time.Now()
	req := llm.CompletionRequest{
		SystemPrompt: active.Instruction,
		Messages:     s.buildMessages(history, text, active.Instruction),
	}
	resp, err := s.provider.Complete(ctx, req)
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = errors.New("empty reply")
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status), attribute.String("mode", active.Name)))

	if err != nil {
		observe.RecordError(span, err)
		if !s.log.RemoveLast(user.ID) {
			observe.Logger(ctx).Warn("chat: rollback skipped, transcript moved on", "item_id", user.ID)
		}
		return transcript.Item{}, fmt.Errorf("chat: complete: %w", err)
	}

	reply := transcript.NewItem(transcript.SpeakerAI, strings.TrimSpace(resp.Content))
	s.log.Append(reply)
	observe.Logger(ctx).Debug("chat reply",
		"mode", active.Name,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return reply, nil
}

// buildMessages converts the newest history items plus the new user text into
// provider messages, dropping the oldest items until the request fits the
// model's context window.
func (s *Service) buildMessages(history []transcript.Item, text, system string) []llm.Message {
	if len(history) > s.maxHistory {
		history = history[len(history)-s.maxHistory:]
	}
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, it := range history {
		role := llm.RoleAssistant
		if it.Speaker == transcript.SpeakerUser {
			role = llm.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: it.Text})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})

	budget := s.tokenBudget()
	if budget <= 0 {
		return msgs
	}
	sys := llm.EstimateTokens([]llm.Message{{Role: llm.RoleSystem, Content: system}})
	for len(msgs) > 1 {
		n, err := s.provider.CountTokens(msgs)
		if err != nil {
			slog.Debug("chat: token count unavailable, sending full history", "err", err)
			break
		}
		if n+sys <= budget {
			break
		}
		msgs = msgs[1:]
	}
	return msgs
}

// tokenBudget is the prompt budget: the context window minus the reserved
// output. Zero means unknown.
func (s *Service) tokenBudget() int {
	caps := s.provider.Capabilities()
	if caps.ContextWindow <= 0 {
		return 0
	}
	return caps.ContextWindow - caps.MaxOutputTokens
}
