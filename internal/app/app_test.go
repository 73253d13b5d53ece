package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/dworldbd-stack/red698/internal/config"
	"github.com/dworldbd-stack/red698/internal/observe"
	audiomock "github.com/dworldbd-stack/red698/pkg/audio/mock"
	livemock "github.com/dworldbd-stack/red698/pkg/provider/live/mock"
	"github.com/dworldbd-stack/red698/pkg/provider/llm"
	llmmock "github.com/dworldbd-stack/red698/pkg/provider/llm/mock"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Live: config.ProviderEntry{Name: "test-live", Model: "live-model"},
			LLM:  config.ProviderEntry{Name: "test-llm"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testProviders() *Providers {
	return &Providers{
		Live: &livemock.Provider{Gate: make(chan struct{})},
		LLM:  &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hi there"}},
		Audio: config.AudioDevices{
			Input:  &audiomock.InputDevice{},
			Output: &audiomock.OutputDevice{},
		},
	}
}

// runConsole runs a over the given input lines and returns the output.
func runConsole(t *testing.T, cfg *config.Config, ps *Providers, input string) (string, *App) {
	t.Helper()
	out := &syncBuffer{}
	a, err := New(context.Background(), cfg, ps,
		WithMetrics(testMetrics(t)),
		WithConsole(strings.NewReader(input), out),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out.String(), a
}

func TestNew_RequiresAProvider(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), testConfig(), &Providers{}, WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("expected error without providers")
	}
}

func TestNew_VoiceNeedsAudio(t *testing.T) {
	t.Parallel()
	ps := testProviders()
	ps.Audio = config.AudioDevices{}
	if _, err := New(context.Background(), testConfig(), ps, WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected error without audio devices")
	}
}

func TestNew_UnknownDefaultMode(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DefaultMode = "poetry"
	if _, err := New(context.Background(), cfg, testProviders(), WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected error for unknown default mode")
	}
}

func TestNew_TextOnly(t *testing.T) {
	t.Parallel()
	ps := testProviders()
	ps.Live = nil
	out, a := runConsole(t, testConfig(), ps, "/voice\n")
	if a.Voice() != nil {
		t.Error("voice controller created without a live provider")
	}
	if !strings.Contains(out, "voice is not configured") {
		t.Errorf("output missing voice hint:\n%s", out)
	}
}

// ── Console ──────────────────────────────────────────────────────────────────

func TestConsole_TextChat(t *testing.T) {
	t.Parallel()
	ps := testProviders()
	out, a := runConsole(t, testConfig(), ps, "hello\n/quit\nnever sent\n")

	for _, want := range []string{
		"AI: Hello! My name is Red AI",
		"User: hello\n",
		"AI: Hi there\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "never sent") {
		t.Error("input after /quit was processed")
	}
	if n := a.Transcript().Len(); n != 3 {
		t.Errorf("transcript len = %d, want 3", n)
	}
}

func TestConsole_TextChatFailure(t *testing.T) {
	t.Parallel()
	ps := testProviders()
	ps.LLM = &llmmock.Provider{CompleteErr: errors.New("quota")}
	out, a := runConsole(t, testConfig(), ps, "hello\n")

	if !strings.Contains(out, "message not sent") {
		t.Errorf("output missing failure:\n%s", out)
	}
	if n := a.Transcript().Len(); n != 1 {
		t.Errorf("transcript len = %d, want the rolled back log", n)
	}
}

func TestConsole_Modes(t *testing.T) {
	t.Parallel()
	out, a := runConsole(t, testConfig(), testProviders(), "/mode\n/mode code\n/mode nope\n/modes\n/bogus\n")

	for _, want := range []string{
		"mode: Chat (chat)",
		"mode: Code Helper\n",
		`unknown mode "nope"`,
		"* code",
		"  security",
		"unknown command /bogus",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if a.Modes().Active().Name != "code" {
		t.Errorf("active = %q, want code", a.Modes().Active().Name)
	}
}

func TestConsole_VoiceLifecycle(t *testing.T) {
	t.Parallel()
	ps := testProviders()
	out, a := runConsole(t, testConfig(), ps, "/voice\n/voice\n/status\n/stop\n/stop\n")

	for _, want := range []string{
		"connecting...",
		"[listening]",
		"already running",
		"voice: connecting, listening",
		"voice stopped",
		"no voice conversation is running",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	select {
	case <-a.Voice().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("voice loop still running")
	}
}

func TestConsole_VoiceConnectError(t *testing.T) {
	t.Parallel()
	ps := testProviders()
	ps.Live = &livemock.Provider{ConnectErr: errors.New("refused")}
	out := &syncBuffer{}
	pr, pw := io.Pipe()
	a, err := New(context.Background(), testConfig(), ps, WithMetrics(testMetrics(t)), WithConsole(pr, out))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	if _, err := io.WriteString(pw, "/voice\n"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "type /voice to retry") {
		if time.Now().After(deadline) {
			t.Fatalf("no retry hint:\n%s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	a, err := New(context.Background(), testConfig(), testProviders(), WithMetrics(testMetrics(t)), WithConsole(pr, io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The console closed its input, so the line reader is gone too.
	if _, err := io.WriteString(pw, "late line\n"); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("write after Run = %v, want io.ErrClosedPipe", err)
	}
}

// ── Hot reload ───────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	var lv slog.LevelVar
	old := testConfig()
	a, err := New(context.Background(), old, testProviders(), WithMetrics(testMetrics(t)), WithLevelVar(&lv), WithConsole(strings.NewReader(""), io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Modes = []config.ModeConfig{{Name: "poetry", Title: "Poetry", Instruction: "Answer in verse."}}
	updated.DefaultMode = "poetry"
	updated.Providers.Live.Model = "other-model"
	a.applyConfig(updated, config.Diff(old, updated))

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if _, err := a.Modes().Get("poetry"); err != nil {
		t.Errorf("reloaded mode missing: %v", err)
	}
	if a.Modes().Active().Name != "poetry" {
		t.Errorf("active = %q, want poetry", a.Modes().Active().Name)
	}
}

func TestCheckers(t *testing.T) {
	t.Parallel()
	ps := testProviders()
	ps.Live = nil
	a, err := New(context.Background(), testConfig(), ps, WithMetrics(testMetrics(t)), WithConsole(strings.NewReader(""), io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results := map[string]error{}
	for _, c := range a.checkers() {
		results[c.Name] = c.Check(context.Background())
	}
	if results["config"] != nil {
		t.Errorf("config check = %v", results["config"])
	}
	if results["live_provider"] == nil {
		t.Error("live_provider check should fail without a live provider")
	}
}

func TestStatusInfo(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), testConfig(), testProviders(), WithMetrics(testMetrics(t)), WithConsole(strings.NewReader(""), io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info := a.statusInfo()
	if info["voice"] != "idle" || info["mode"] != "chat" || info["transcript_items"] != "1" {
		t.Errorf("statusInfo = %v", info)
	}
	if _, ok := info["voice_last_error"]; ok {
		t.Error("voice_last_error set before any conversation")
	}
}
