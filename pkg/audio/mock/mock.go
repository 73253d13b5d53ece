// Package mock provides in-memory implementations of the [audio.InputDevice],
// [audio.InputStream], [audio.OutputDevice], and [audio.OutputContext]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record method calls so that
// tests can assert on call counts and arguments, and expose exported fields
// that control return values.
//
// Typical usage:
//
//	stream := mock.NewInputStream(audio.Format{SampleRate: 16000, Channels: 1})
//	mic := &mock.InputDevice{Stream: stream}
//	out := mock.NewOutputContext(audio.Format{SampleRate: 24000, Channels: 1})
//	speaker := &mock.OutputDevice{Context: out}
//	stream.Push(make([]float32, 4096))
//	out.SetTime(2.0)
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/dworldbd-stack/red698/pkg/audio"
)

var (
	_ audio.InputDevice   = (*InputDevice)(nil)
	_ audio.InputStream   = (*InputStream)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
	_ audio.OutputContext = (*OutputContext)(nil)
	_ audio.Voice         = (*Voice)(nil)
)

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// Stream is returned by Open when OpenErr is nil.
	Stream *InputStream

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// Gate, if non-nil, holds Open until it is closed or ctx is done, like a
	// capture process that is slow to start.
	Gate chan struct{}

	// OpenCalls records the format passed to every Open call.
	OpenCalls []audio.Format
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(ctx context.Context, f audio.Format) (audio.InputStream, error) {
	d.mu.Lock()
	d.OpenCalls = append(d.OpenCalls, f)
	gate := d.Gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Stream == nil {
		d.Stream = NewInputStream(f)
	}
	return d.Stream, nil
}

// CallCountOpen returns how many times Open was called.
func (d *InputDevice) CallCountOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream] fed by [InputStream.Push]. Read
// blocks until samples are pushed, the stream is ended, or it is closed.
type InputStream struct {
	format audio.Format

	mu      sync.Mutex
	cond    *sync.Cond
	pending []float32
	ended   bool
	closed  bool

	// CloseErr, if non-nil, is returned by the first Close call.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInputStream creates a stream reporting format f.
func NewInputStream(f audio.Format) *InputStream {
	s := &InputStream{format: f}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push appends samples to be returned by subsequent Read calls.
func (s *InputStream) Push(samples []float32) {
	s.mu.Lock()
	s.pending = append(s.pending, samples...)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// End makes Read return io.EOF once pending samples are consumed.
func (s *InputStream) End() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Read implements [audio.InputStream].
func (s *InputStream) Read(buf []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && !s.ended && !s.closed {
		s.cond.Wait()
	}
	if s.closed || len(s.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	first := !s.closed
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	if first {
		return s.CloseErr
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// Context is returned by Open when OpenErr is nil.
	Context *OutputContext

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records the format passed to every Open call.
	OpenCalls []audio.Format
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(_ context.Context, f audio.Format) (audio.OutputContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, f)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Context == nil {
		d.Context = NewOutputContext(f)
	}
	return d.Context, nil
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// ScheduleCall records a single invocation of Schedule.
type ScheduleCall struct {
	Buffer audio.Buffer
	At     float64
}

// OutputContext is a mock [audio.OutputContext] with a manually driven clock.
type OutputContext struct {
	format audio.Format

	mu     sync.Mutex
	now    float64
	voices []*Voice
	closed bool

	// ScheduleErr, if non-nil, is returned by Schedule.
	ScheduleErr error

	// ScheduleCalls records every Schedule invocation in order.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutputContext creates a context reporting format f with the clock at 0.
func NewOutputContext(f audio.Format) *OutputContext {
	return &OutputContext{format: f}
}

// SetTime moves the clock to t.
func (c *OutputContext) SetTime(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// CurrentTime implements [audio.OutputContext].
func (c *OutputContext) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Format implements [audio.OutputContext].
func (c *OutputContext) Format() audio.Format { return c.format }

// Schedule implements [audio.OutputContext]. The returned voice never finishes
// on its own; call [Voice.Finish] to simulate natural completion.
func (c *OutputContext) Schedule(buf audio.Buffer, at float64) (audio.Voice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ScheduleCalls = append(c.ScheduleCalls, ScheduleCall{Buffer: buf, At: at})
	if c.ScheduleErr != nil {
		return nil, c.ScheduleErr
	}
	v := &Voice{start: at, duration: buf.Duration(), done: make(chan struct{})}
	c.voices = append(c.voices, v)
	return v, nil
}

// Voices returns every voice scheduled so far, in order.
func (c *OutputContext) Voices() []*Voice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Voice, len(c.voices))
	copy(out, c.voices)
	return out
}

// Close implements [audio.OutputContext].
func (c *OutputContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (c *OutputContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── Voice ────────────────────────────────────────────────────────────────────

// Voice is a mock [audio.Voice].
type Voice struct {
	start    float64
	duration float64

	mu      sync.Mutex
	stopped bool
	once    sync.Once
	done    chan struct{}
}

// Start implements [audio.Voice].
func (v *Voice) Start() float64 { return v.start }

// Duration implements [audio.Voice].
func (v *Voice) Duration() float64 { return v.duration }

// Done implements [audio.Voice].
func (v *Voice) Done() <-chan struct{} { return v.done }

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.once.Do(func() { close(v.done) })
}

// Finish simulates the voice reaching its natural end.
func (v *Voice) Finish() {
	v.once.Do(func() { close(v.done) })
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}
