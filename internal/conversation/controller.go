// Package conversation runs one live voice conversation at a time.
//
// A [Controller] owns the microphone, the speaker and the remote live session
// for the duration of a conversation. It moves through the states
// Idle → Connecting → Open → Closing → Idle. Every inbound session event,
// capture failure and stop request is handled by one goroutine per
// conversation, so transcript aggregation and playback scheduling see events
// in arrival order.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dworldbd-stack/red698/internal/capture"
	"github.com/dworldbd-stack/red698/internal/mode"
	"github.com/dworldbd-stack/red698/internal/observe"
	"github.com/dworldbd-stack/red698/internal/playback"
	"github.com/dworldbd-stack/red698/internal/resilience"
	"github.com/dworldbd-stack/red698/internal/transcript"
	"github.com/dworldbd-stack/red698/pkg/audio"
	"github.com/dworldbd-stack/red698/pkg/provider/live"
)

// ErrAlreadyActive is returned by Start while a conversation is not Idle.
var ErrAlreadyActive = errors.New("conversation: already active")

// DefaultCloseTimeout bounds how long teardown waits for the session to close.
const DefaultCloseTimeout = 3 * time.Second

// State is the lifecycle state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Notice is a snapshot delivered to the notify hook whenever the state or the
// listening flag changes. Err is set when a conversation ended with a failure.
type Notice struct {
	State     State
	Listening bool
	Err       error
}

// Option configures a [Controller].
type Option func(*Controller)

// WithModes sets the mode registry whose active instruction is sent at
// session setup. Default: the built-in modes.
func WithModes(r *mode.Registry) Option {
	return func(c *Controller) {
		if r != nil {
			c.modes = r
		}
	}
}

// WithSessionConfig sets the model and voice used for every session. The
// instruction and transcription flags are filled in by the controller.
func WithSessionConfig(cfg live.SessionConfig) Option {
	return func(c *Controller) { c.sessCfg = cfg }
}

// WithFrameSamples sets the capture frame size in samples.
func WithFrameSamples(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.frameSamples = n
		}
	}
}

// WithSampleRates sets the microphone and speaker rates. Zero keeps the
// default of 16000 and 24000 Hz.
func WithSampleRates(input, output int) Option {
	return func(c *Controller) {
		if input > 0 {
			c.inputRate = input
		}
		if output > 0 {
			c.outputRate = output
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithBreaker guards Provider.Connect with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Controller) { c.breaker = cb }
}

// WithCloseTimeout bounds the session close during teardown.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.closeTimeout = d
		}
	}
}

// WithNotify registers fn to receive every [Notice]. fn is called without any
// controller lock held and may call Start or Stop.
func WithNotify(fn func(Notice)) Option {
	return func(c *Controller) { c.notify = fn }
}

// Controller starts and stops live conversations. All methods are safe for
// concurrent use.
type Controller struct {
	provider live.Provider
	in       audio.InputDevice
	out      audio.OutputDevice
	log      *transcript.Log

	modes        *mode.Registry
	sessCfg      live.SessionConfig
	frameSamples int
	inputRate    int
	outputRate   int
	metrics      *observe.Metrics
	breaker      *resilience.CircuitBreaker
	closeTimeout time.Duration
	notify       func(Notice)

	// mu guards the fields below. Lock order: conversation.mu before mu.
	mu        sync.Mutex
	state     State
	listening bool
	lastErr   error
	conv      *conversation

	// starting is set while Start opens the devices without holding mu;
	// startCancelled records a Stop that arrived meanwhile.
	starting       bool
	startCancelled bool
}

// conversation holds the resources of one Start..teardown cycle.
type conversation struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
	stop    chan struct{}
	done    chan struct{}

	// mu serialises event handling and teardown.
	mu     sync.Mutex
	closed bool
	sess   live.Session
	mic    *capture.Pipeline
	out    audio.OutputContext
	sched  *playback.Scheduler
	agg    transcript.Aggregator
}

// New creates an idle controller. Finished turns are appended to log.
func New(provider live.Provider, in audio.InputDevice, out audio.OutputDevice, log *transcript.Log, opts ...Option) *Controller {
	c := &Controller{
		provider:     provider,
		in:           in,
		out:          out,
		log:          log,
		frameSamples: capture.DefaultFrameSamples,
		inputRate:    audio.InputSampleRate,
		outputRate:   audio.OutputSampleRate,
		closeTimeout: DefaultCloseTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.modes == nil {
		c.modes = mode.NewRegistry()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Listening reports whether a voice turn is in progress.
func (c *Controller) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// Err returns the failure that ended the most recent conversation, or nil if
// it ended normally.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done returns a channel closed when the current conversation's event loop
// has exited. It returns a closed channel when Idle.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.conv.done
}

// Start acquires the microphone and speaker and begins connecting in the
// background. It returns [ErrAlreadyActive] unless the controller is Idle.
// Device failures wrap [audio.ErrDeviceUnavailable] and leave it Idle.
//
// The devices are opened without holding the controller lock, so State and
// Stop stay responsive while a slow capture process starts. A Stop issued
// during that window releases the devices and Start returns nil without
// connecting.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle || c.starting {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.starting = true
	c.startCancelled = false
	c.mu.Unlock()

	mic, out, err := c.openDevices(ctx)

	c.mu.Lock()
	c.starting = false
	cancelled := c.startCancelled
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if cancelled {
		c.mu.Unlock()
		c.releaseDevices("", mic, out)
		slog.Info("conversation start cancelled")
		return nil
	}

	id := uuid.NewString()
	loopCtx, cancel := context.WithCancel(observe.WithConversation(context.WithoutCancel(ctx), id))
	conv := &conversation{
		id:      id,
		started: time.Now(),
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		mic:     mic,
		out:     out,
		sched:   playback.New(out, playback.WithMetrics(c.metrics)),
	}
	cfg := c.sessCfg
	cfg.Instructions = c.modes.Active().Instruction
	cfg.InputTranscription = true
	cfg.OutputTranscription = true

	c.conv = conv
	c.state = StateConnecting
	c.listening = true
	c.lastErr = nil
	n := c.snapshotLocked()
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("conversation starting", "conversation_id", conv.id, "mode", c.modes.Active().Name)
	go c.run(loopCtx, conv, cfg)
	c.emit(n)
	return nil
}

// Stop tears the current conversation down. It is idempotent and safe to
// call from any state, including from the notify hook.
func (c *Controller) Stop() {
	c.mu.Lock()
	conv := c.conv
	if c.starting {
		c.startCancelled = true
	}
	c.mu.Unlock()
	if conv == nil {
		return
	}
	conv.mu.Lock()
	changed := c.teardown(conv, nil)
	conv.mu.Unlock()
	if changed {
		c.emit(c.snapshot())
	}
}

// openDevices opens the microphone and then the speaker. On speaker failure
// the microphone is released again.
func (c *Controller) openDevices(ctx context.Context) (*capture.Pipeline, audio.OutputContext, error) {
	mic, err := capture.Open(ctx, c.in,
		capture.WithFrameSamples(c.frameSamples),
		capture.WithSampleRate(c.inputRate),
		capture.WithMetrics(c.metrics),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation: start: %w", err)
	}
	out, err := c.out.Open(ctx, audio.Format{SampleRate: c.outputRate, Channels: 1})
	if err != nil {
		if serr := mic.Stop(); serr != nil {
			slog.Warn("conversation: release microphone", "err", serr)
		}
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		return nil, nil, fmt.Errorf("conversation: start: open speaker: %w", err)
	}
	return mic, out, nil
}

// releaseDevices stops capture and closes the output. Errors are logged.
func (c *Controller) releaseDevices(id string, mic *capture.Pipeline, out audio.OutputContext) {
	if err := mic.Stop(); err != nil {
		slog.Warn("conversation: release microphone", "conversation_id", id, "err", err)
	}
	if err := out.Close(); err != nil {
		slog.Warn("conversation: release speaker", "conversation_id", id, "err", err)
	}
}

// run is the conversation's event loop.
func (c *Controller) run(ctx context.Context, conv *conversation, cfg live.SessionConfig) {
	defer close(conv.done)

	sess, err := c.connect(ctx, cfg)

	conv.mu.Lock()
	if conv.closed {
		conv.mu.Unlock()
		if sess != nil {
			c.closeSession(conv.id, sess)
			audio.Drain(sess.Events())
		}
		return
	}
	if err != nil {
		c.teardown(conv, err)
		conv.mu.Unlock()
		c.emitErr(err)
		return
	}
	conv.sess = sess
	conv.mu.Unlock()

	// Release the session's reader if the loop exits before EventClose.
	defer func() { go audio.Drain(sess.Events()) }()

	events := sess.Events()
	for {
		var ev live.Event
		var ok bool
		select {
		case ev, ok = <-events:
			if !ok {
				ev = live.Event{Kind: live.EventClose}
			}
		case <-conv.mic.Done():
			c.handleCaptureEnd(conv)
			return
		case <-conv.stop:
			return
		}

		before := c.snapshot()
		conv.mu.Lock()
		if conv.closed {
			conv.mu.Unlock()
			return
		}
		final, cause := c.handle(ctx, conv, ev)
		conv.mu.Unlock()

		if cause != nil {
			c.emitErr(cause)
		} else if after := c.snapshot(); after != before {
			c.emit(after)
		}
		if final {
			return
		}
	}
}

// connect dials the provider through the breaker inside a span.
func (c *Controller) connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	ctx, span := observe.StartSpan(ctx, "conversation.connect")
	defer span.End()

	var sess live.Session
	dial := func(ctx context.Context) error {
		s, err := c.provider.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		sess = s
		return nil
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.ExecuteContext(ctx, dial)
	} else {
		err = dial(ctx)
	}
	if err != nil {
		observe.RecordError(span, err)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = fmt.Errorf("%w; retry later", err)
		}
		return nil, &live.ChannelError{Op: "connect", Err: err}
	}
	return sess, nil
}

// handle applies one event. Called with conv.mu held. It reports whether the
// loop must exit and the failure that ended the conversation, if any.
func (c *Controller) handle(ctx context.Context, conv *conversation, ev live.Event) (bool, error) {
	switch ev.Kind {
	case live.EventOpen:
		c.mu.Lock()
		c.state = StateOpen
		c.mu.Unlock()
		c.metrics.ConnectDuration.Record(ctx, time.Since(conv.started).Seconds())
		conv.mic.Attach(ctx, c.sink(ctx, conv.sess))
		slog.Info("live session opened", "conversation_id", conv.id)

	case live.EventMessage:
		c.handleMessage(ctx, conv, ev.Message)

	case live.EventError:
		err := ev.Err
		if err == nil {
			err = &live.ChannelError{Op: "read", Err: errors.New("unknown failure")}
		}
		slog.Warn("live session error", "conversation_id", conv.id, "err", err)
		c.teardown(conv, err)
		return true, err

	case live.EventClose:
		var err error
		switch {
		case ev.Close.Local:
		case ev.Close.Clean():
			slog.Info("live session ended by remote", "conversation_id", conv.id, "code", ev.Close.Code, "reason", ev.Close.Reason)
		default:
			err = fmt.Errorf("%w: code %d %s", live.ErrChannelClosed, ev.Close.Code, ev.Close.Reason)
			slog.Warn("live session closed by remote", "conversation_id", conv.id, "code", ev.Close.Code, "reason", ev.Close.Reason)
		}
		c.teardown(conv, err)
		return true, err
	}
	return false, nil
}

func (c *Controller) handleMessage(ctx context.Context, conv *conversation, m live.Message) {
	if m.InputText != "" {
		conv.agg.OnPartialInput(m.InputText)
		c.setListening(true)
	}
	if m.OutputText != "" {
		conv.agg.OnPartialOutput(m.OutputText)
	}
	for _, blob := range m.Audio {
		if _, err := conv.sched.EnqueueBlob(ctx, blob); err != nil {
			slog.Warn("conversation: dropped audio chunk", "conversation_id", conv.id, "err", err)
		}
	}
	if m.Interrupted {
		slog.Debug("model interrupted", "conversation_id", conv.id)
	}
	if m.TurnComplete {
		if items := conv.agg.OnTurnComplete(); len(items) > 0 {
			c.log.Append(items...)
		}
		c.setListening(false)
	}
}

// handleCaptureEnd tears down after the microphone stream ended on its own.
func (c *Controller) handleCaptureEnd(conv *conversation) {
	conv.mu.Lock()
	if conv.closed {
		conv.mu.Unlock()
		return
	}
	err := conv.mic.Err()
	if err == nil {
		err = fmt.Errorf("conversation: microphone stream ended: %w", audio.ErrDeviceUnavailable)
	}
	slog.Warn("capture: stream ended", "conversation_id", conv.id, "err", err)
	c.teardown(conv, err)
	conv.mu.Unlock()
	c.emitErr(err)
}

// sink forwards capture frames to sess and counts the outcome.
func (c *Controller) sink(ctx context.Context, sess live.Session) capture.Sink {
	return func(blob audio.EncodedBlob) {
		err := sess.SendRealtimeInput(ctx, blob)
		switch {
		case err == nil:
			c.metrics.FramesSent.Add(ctx, 1)
		case errors.Is(err, live.ErrBackpressure):
			c.metrics.RecordFrameDropped(ctx, "backpressure")
		case errors.Is(err, live.ErrChannelClosed):
			c.metrics.RecordFrameDropped(ctx, "closed")
		default:
			c.metrics.RecordFrameDropped(ctx, "error")
			slog.Debug("conversation: send frame", "err", err)
		}
	}
}

// teardown releases every resource of conv exactly once. Called with conv.mu
// held. It reports whether this call did the work.
func (c *Controller) teardown(conv *conversation, cause error) bool {
	if conv.closed {
		return false
	}
	conv.closed = true
	close(conv.stop)

	c.mu.Lock()
	c.listening = false
	c.state = StateClosing
	c.mu.Unlock()

	conv.cancel()
	if conv.sess != nil {
		c.closeSession(conv.id, conv.sess)
	}
	c.releaseDevices(conv.id, conv.mic, conv.out)
	conv.sched.StopAll()
	conv.agg.Reset()

	c.mu.Lock()
	c.state = StateIdle
	c.lastErr = cause
	if c.conv == conv {
		c.conv = nil
	}
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("conversation ended", "conversation_id", conv.id, "duration", time.Since(conv.started), "err", cause)
	return true
}

// closeSession closes sess, waiting at most closeTimeout.
func (c *Controller) closeSession(id string, sess live.Session) {
	done := make(chan error, 1)
	go func() { done <- sess.Close() }()
	timer := time.NewTimer(c.closeTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			slog.Warn("conversation: close session", "conversation_id", id, "err", err)
		}
	case <-timer.C:
		slog.Warn("conversation: close session timed out", "conversation_id", id, "timeout", c.closeTimeout)
	}
}

func (c *Controller) setListening(v bool) {
	c.mu.Lock()
	c.listening = v
	c.mu.Unlock()
}

func (c *Controller) snapshot() Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Notice {
	return Notice{State: c.state, Listening: c.listening}
}

func (c *Controller) emit(n Notice) {
	if c.notify != nil {
		c.notify(n)
	}
}

func (c *Controller) emitErr(err error) {
	n := c.snapshot()
	n.Err = err
	c.emit(n)
}
