package audio

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// Compile-time assertion that Timeline satisfies OutputContext.
var _ OutputContext = (*Timeline)(nil)

const defaultTick = 20 * time.Millisecond

// Timeline is an [OutputContext] that mixes scheduled buffers in software and
// writes the result to a sink as 16-bit little-endian PCM. Its clock is the
// number of frames rendered so far divided by the sample rate, so scheduled
// start times map onto exactly what the sink has been fed.
//
// Rendering is driven either by [Timeline.Run], which paces itself against the
// wall clock, or manually by calling [Timeline.Render].
type Timeline struct {
	sink   io.Writer
	format Format
	tick   time.Duration

	mu       sync.Mutex
	rendered int64
	voices   []*timelineVoice
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
}

// TimelineOption configures a [Timeline].
type TimelineOption func(*Timeline)

// WithTick sets the render period used by [Timeline.Run]. Default 20ms.
func WithTick(d time.Duration) TimelineOption {
	return func(t *Timeline) {
		if d > 0 {
			t.tick = d
		}
	}
}

// NewTimeline creates a timeline that renders at format f into sink.
func NewTimeline(sink io.Writer, f Format, opts ...TimelineOption) *Timeline {
	if f.Channels <= 0 {
		f.Channels = 1
	}
	t := &Timeline{
		sink:   sink,
		format: f,
		tick:   defaultTick,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Format implements [OutputContext].
func (t *Timeline) Format() Format { return t.format }

// CurrentTime implements [OutputContext].
func (t *Timeline) CurrentTime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.rendered) / float64(t.format.SampleRate)
}

// Schedule implements [OutputContext]. Buffers at a different sample rate are
// resampled to the timeline rate.
func (t *Timeline) Schedule(buf Buffer, at float64) (Voice, error) {
	if buf.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: timeline: invalid buffer sample rate %d", buf.SampleRate)
	}
	chans := make([][]float32, t.format.Channels)
	for c := range chans {
		var src []float32
		switch {
		case len(buf.Channels) == 0:
		case t.format.Channels == 1:
			src = buf.Mono()
		default:
			src = buf.Channels[min(c, len(buf.Channels)-1)]
		}
		chans[c] = Resample(src, 1, buf.SampleRate, t.format.SampleRate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("audio: timeline closed")
	}

	startFrame := int64(math.Round(at * float64(t.format.SampleRate)))
	if startFrame < t.rendered {
		startFrame = t.rendered
	}
	v := &timelineVoice{
		startFrame: startFrame,
		channels:   chans,
		rate:       t.format.SampleRate,
		done:       make(chan struct{}),
	}
	t.voices = append(t.voices, v)
	return v, nil
}

// Render mixes the next frames frames of the timeline and writes them to the
// sink. Voices that end within the rendered span are marked done.
func (t *Timeline) Render(frames int) error {
	if frames <= 0 {
		return nil
	}
	ch := t.format.Channels
	mix := make([]float32, frames*ch)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	from := t.rendered
	to := from + int64(frames)
	var finished []*timelineVoice
	live := t.voices[:0]
	for _, v := range t.voices {
		if v.isStopped() {
			continue
		}
		end := v.startFrame + int64(v.frames())
		lo := max(from, v.startFrame)
		hi := min(to, end)
		for f := lo; f < hi; f++ {
			src := f - v.startFrame
			dst := (f - from) * int64(ch)
			for c := range ch {
				mix[dst+int64(c)] += v.channels[c][src]
			}
		}
		if end <= to {
			finished = append(finished, v)
			continue
		}
		live = append(live, v)
	}
	t.voices = live
	t.rendered = to
	t.mu.Unlock()

	for _, v := range finished {
		v.finish()
	}
	if _, err := t.sink.Write(SamplesToPCM16Bytes(mix)); err != nil {
		return fmt.Errorf("audio: timeline: write sink: %w", err)
	}
	return nil
}

// Run renders in real time until ctx is cancelled, Close is called, or the
// sink fails. Frames are counted against the wall clock so that ticker jitter
// does not accumulate as drift.
func (t *Timeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	start := time.Now()
	t.mu.Lock()
	base := t.rendered
	t.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		case <-ticker.C:
			target := base + int64(time.Since(start).Seconds()*float64(t.format.SampleRate))
			t.mu.Lock()
			n := target - t.rendered
			t.mu.Unlock()
			if err := t.Render(int(n)); err != nil {
				return err
			}
		}
	}
}

// Close implements [OutputContext]. Every pending voice is stopped. The sink
// is not closed; it belongs to the caller.
func (t *Timeline) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		voices := t.voices
		t.voices = nil
		t.mu.Unlock()
		for _, v := range voices {
			v.Stop()
		}
		close(t.done)
	})
	return nil
}

// ── timelineVoice ──────────────────────────────────────────────────────────────

type timelineVoice struct {
	startFrame int64
	channels   [][]float32
	rate       int

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	once    sync.Once
}

func (v *timelineVoice) frames() int {
	if len(v.channels) == 0 {
		return 0
	}
	return len(v.channels[0])
}

func (v *timelineVoice) Start() float64 { return float64(v.startFrame) / float64(v.rate) }

func (v *timelineVoice) Duration() float64 { return float64(v.frames()) / float64(v.rate) }

func (v *timelineVoice) Done() <-chan struct{} { return v.done }

func (v *timelineVoice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.finish()
}

func (v *timelineVoice) isStopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *timelineVoice) finish() {
	v.once.Do(func() { close(v.done) })
}
