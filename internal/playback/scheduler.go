// Package playback schedules decoded speech chunks back to back on an audio
// output timeline.
//
// The scheduler keeps a cursor: the timeline instant at which the next chunk
// should start. Each chunk starts at max(cursor, now) so consecutive chunks
// play gaplessly while the stream keeps up, and playback resumes at the
// current time (instead of in the past) after the stream fell behind.
package playback

import (
	"context"
	"fmt"
	"sync"

	"github.com/dworldbd-stack/red698/internal/observe"
	"github.com/dworldbd-stack/red698/pkg/audio"
)

// Scheduler queues audio chunks on an [audio.OutputContext] and tracks the
// voices that are still playing. It is safe for concurrent use, although the
// conversation controller calls it from a single goroutine.
type Scheduler struct {
	out     audio.OutputContext
	metrics *observe.Metrics

	mu     sync.Mutex
	cursor float64
	active map[audio.Voice]struct{}
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New creates a scheduler on out with the cursor at 0.
func New(out audio.OutputContext, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		active: make(map[audio.Voice]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// EnqueueBlob decodes a transport blob and schedules it. The sample rate is
// read from the blob's MIME type, falling back to the output rate. Decode
// failures are counted and returned; nothing is scheduled.
func (s *Scheduler) EnqueueBlob(ctx context.Context, blob audio.EncodedBlob) (float64, error) {
	rate := audio.OutputSampleRate
	if blob.MIMEType != "" {
		r, err := audio.ParsePCMMIMEType(blob.MIMEType)
		if err != nil {
			s.metrics.DecodeErrors.Add(ctx, 1)
			return 0, fmt.Errorf("playback: %w", err)
		}
		if r > 0 {
			rate = r
		}
	}
	data, err := audio.DecodeTransport(blob.Data)
	if err != nil {
		s.metrics.DecodeErrors.Add(ctx, 1)
		return 0, fmt.Errorf("playback: %w", err)
	}
	return s.Enqueue(ctx, data, rate, 1)
}

// Enqueue decodes little-endian PCM16 data and schedules it at
// max(cursor, now). It returns the start time. The voice is tracked as
// active until it finishes or [Scheduler.StopAll] is called.
func (s *Scheduler) Enqueue(ctx context.Context, data []byte, sampleRate, channels int) (float64, error) {
	chans, err := audio.PCM16ToFloatSamples(data, sampleRate, channels)
	if err != nil {
		s.metrics.DecodeErrors.Add(ctx, 1)
		return 0, fmt.Errorf("playback: decode pcm: %w", err)
	}
	buf := audio.Buffer{Channels: chans, SampleRate: sampleRate}

	s.mu.Lock()
	defer s.mu.Unlock()

	if now := s.out.CurrentTime(); now > s.cursor {
		if s.cursor > 0 {
			s.metrics.SnapForwards.Add(ctx, 1)
		}
		s.cursor = now
	}
	start := s.cursor

	v, err := s.out.Schedule(buf, start)
	if err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	s.active[v] = struct{}{}
	s.cursor += buf.Duration()
	s.metrics.PlaybackChunks.Add(ctx, 1)

	go s.release(v)
	return start, nil
}

// release removes v from the active set once it is done. Removal after
// StopAll is a no-op.
func (s *Scheduler) release(v audio.Voice) {
	<-v.Done()
	s.mu.Lock()
	delete(s.active, v)
	s.mu.Unlock()
}

// StopAll force-stops every active voice and clears the set. The cursor is
// kept, so later chunks still never start in the past.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	voices := make([]audio.Voice, 0, len(s.active))
	for v := range s.active {
		voices = append(voices, v)
	}
	clear(s.active)
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
}

// Active returns the number of voices still playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the start time the next chunk would get if the output
// clock had not moved.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
