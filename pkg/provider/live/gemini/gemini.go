// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64 PCM media chunks; synthesised
// speech and transcriptions arrive as serverContent messages and are surfaced
// as ordered live.Event values.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dworldbd-stack/red698/pkg/audio"
	"github.com/dworldbd-stack/red698/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Zephyr"

	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath       = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultOutboundQueue = 256
	eventBuffer          = 64

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithVoice sets the default prebuilt voice.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithOutboundQueue sets how many audio frames may wait for transmission,
// including frames queued before the session opened. Default 256 (about a
// minute of 4096-sample frames at 16 kHz).
func WithOutboundQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.outboundQueue = n
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey        string
	model         string
	voice         string
	baseURL       string
	outboundQueue int
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:        apiKey,
		model:         DefaultModel,
		voice:         DefaultVoice,
		baseURL:       defaultBaseURL,
		outboundQueue: defaultOutboundQueue,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Gemini Live session. The setup message is on the
// wire when Connect returns; live.EventOpen follows once the server
// acknowledges it.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := p.baseURL + bidiPath + "?key=" + url.QueryEscape(p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &live.ChannelError{Op: "dial", Err: err}
	}
	// Inline audio replies can be large.
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		events:   make(chan live.Event, eventBuffer),
		outbound: make(chan audio.EncodedBlob, p.outboundQueue),
		opened:   make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	if cfg.Voice == "" {
		cfg.Voice = p.voice
	}
	if err := sess.sendSetup(ctx, model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &live.ChannelError{Op: "setup", Err: err}
	}

	go sess.receiveLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	events   chan live.Event
	outbound chan audio.EncodedBlob
	opened   chan struct{}
	openOnce sync.Once

	mu         sync.Mutex
	closed     bool
	localClose bool
	writeErr   error

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(ctx context.Context, model string, cfg live.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return s.writeJSON(ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// emit delivers ev to the consumer. Only receiveLoop calls it, so the events
// channel has a single writer and can be closed safely.
func (s *session) emit(ev live.Event) {
	s.events <- ev
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel: EventClose is always the last value sent and
// the channel is closed when the loop exits.
func (s *session) receiveLoop() {
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed server message", "err", err, "bytes", len(data))
			continue
		}
		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.openOnce.Do(func() {
			close(s.opened)
			s.emit(live.Event{Kind: live.EventOpen})
		})
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.emit(live.Event{
			Kind: live.EventError,
			Err:  &live.ChannelError{Op: "server", Err: fmt.Errorf("%s (code %d)", text, msg.Error.Code)},
		})
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server is going away", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		if m := convertServerContent(msg.ServerContent); !m.Empty() {
			s.emit(live.Event{Kind: live.EventMessage, Message: m})
		}
	}
}

// convertServerContent folds every field of one serverContent into a single
// live.Message so the consumer can apply them together.
func convertServerContent(sc *serverContent) live.Message {
	var m live.Message
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			m.Audio = append(m.Audio, audio.EncodedBlob{
				Data:     p.InlineData.Data,
				MIMEType: p.InlineData.MIMEType,
			})
		}
	}
	if sc.InputTranscription != nil {
		m.InputText = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		m.OutputText = sc.OutputTranscription.Text
	}
	m.TurnComplete = sc.TurnComplete
	m.Interrupted = sc.Interrupted
	return m
}

// finish translates the terminal read error into the closing events.
func (s *session) finish(readErr error) {
	s.mu.Lock()
	local := s.localClose
	writeErr := s.writeErr
	s.closed = true
	s.mu.Unlock()

	info := live.CloseInfo{Local: local}
	var ce websocket.CloseError
	if errors.As(readErr, &ce) {
		info.Code = int(ce.Code)
		info.Reason = ce.Reason
	}

	switch {
	case local:
	case writeErr != nil:
		s.emit(live.Event{Kind: live.EventError, Err: &live.ChannelError{Op: "write", Err: writeErr}})
	case info.Code != 0 && ce.Code != websocket.StatusNormalClosure && ce.Code != websocket.StatusGoingAway:
		s.emit(live.Event{Kind: live.EventError, Err: &live.ChannelError{Op: "close", Err: readErr}})
	case info.Code == 0:
		s.emit(live.Event{Kind: live.EventError, Err: &live.ChannelError{Op: "read", Err: readErr}})
	}
	s.emit(live.Event{Kind: live.EventClose, Close: info})
}

// writeLoop waits for the server to acknowledge setup, then writes queued
// frames in FIFO order. Frames queued before that point are held.
func (s *session) writeLoop() {
	select {
	case <-s.opened:
	case <-s.ctx.Done():
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case blob := <-s.outbound:
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []inlineData{{MIMEType: blob.MIMEType, Data: blob.Data}},
				},
			}
			if err := s.writeJSON(s.ctx, msg); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.mu.Lock()
				if s.writeErr == nil {
					s.writeErr = err
				}
				s.mu.Unlock()
				slog.Warn("gemini: write failed, closing session", "err", err)
				s.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendRealtimeInput queues an encoded audio frame. It never blocks on the
// network: if the queue is full the frame is dropped with live.ErrBackpressure.
func (s *session) SendRealtimeInput(ctx context.Context, blob audio.EncodedBlob) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return live.ErrChannelClosed
	}

	select {
	case s.outbound <- blob:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return live.ErrBackpressure
	}
}

// Events returns the ordered inbound event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slog.Debug("gemini: close on already closed session")
		return nil
	}
	s.closed = true
	s.localClose = true
	s.mu.Unlock()

	s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
	if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		slog.Debug("gemini: close handshake", "err", err)
	}
	return nil
}
