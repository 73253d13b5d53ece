// Package capture turns a microphone stream into fixed-size, wire-encoded
// audio frames.
//
// A [Pipeline] reads float samples from an [audio.InputStream], converts them
// to 16 kHz mono when the device delivers another format, cuts them into
// frames of a fixed sample count, encodes each frame with [audio.EncodeFrame]
// and hands it to a [Sink]. Only the frame under construction is buffered.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dworldbd-stack/red698/internal/observe"
	"github.com/dworldbd-stack/red698/pkg/audio"
)

// DefaultFrameSamples is the number of samples per emitted frame.
const DefaultFrameSamples = 4096

// Sink receives each encoded frame in capture order. It is called from the
// pipeline goroutine and must not block for long.
type Sink func(audio.EncodedBlob)

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSamples sets the frame size in samples. Values <= 0 are ignored.
func WithFrameSamples(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSamples = n
		}
	}
}

// WithSampleRate sets the target capture rate. Default 16000.
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.format.SampleRate = rate
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Pipeline is a capture loop over one open input stream. It is created by
// [Open] or [Start]; frames flow once a sink is attached.
type Pipeline struct {
	format       audio.Format
	frameSamples int
	metrics      *observe.Metrics

	stream audio.InputStream
	sink   Sink
	conv   *audio.FormatConverter

	done      chan struct{}
	err       error // read failure, set before done is closed
	startOnce sync.Once
	stopOnce  sync.Once
}

// Start opens dev and begins delivering frames to sink. Open failures wrap
// [audio.ErrDeviceUnavailable].
func Start(ctx context.Context, dev audio.InputDevice, sink Sink, opts ...Option) (*Pipeline, error) {
	p, err := Open(ctx, dev, opts...)
	if err != nil {
		return nil, err
	}
	p.Attach(ctx, sink)
	return p, nil
}

// Open acquires dev without reading from it yet. The device is held until
// Stop. Open failures wrap [audio.ErrDeviceUnavailable].
func Open(ctx context.Context, dev audio.InputDevice, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		format:       audio.Format{SampleRate: audio.InputSampleRate, Channels: 1},
		frameSamples: DefaultFrameSamples,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	stream, err := dev.Open(ctx, p.format)
	if err != nil {
		if errors.Is(err, audio.ErrDeviceUnavailable) {
			return nil, fmt.Errorf("capture: open microphone: %w", err)
		}
		return nil, fmt.Errorf("capture: open microphone: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	p.stream = stream
	if got := stream.Format(); got != p.format {
		p.conv = &audio.FormatConverter{Target: p.format}
	}
	return p, nil
}

// Attach starts the read loop, delivering frames to sink. Only the first call
// has an effect, and none after Stop.
func (p *Pipeline) Attach(ctx context.Context, sink Sink) {
	p.startOnce.Do(func() {
		p.sink = sink
		slog.Debug("capture started", "format", p.stream.Format().String(), "frame_samples", p.frameSamples)
		go p.run(ctx)
	})
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	src := p.stream.Format()
	if src.Channels <= 0 {
		src.Channels = 1
	}
	readBuf := make([]float32, p.frameSamples*src.Channels)
	frame := make([]float32, 0, p.frameSamples)
	var emitted int64

	for {
		n, err := p.stream.Read(readBuf)
		if n > 0 {
			chunk := readBuf[:n]
			if p.conv != nil {
				in := audio.AudioFrame{Samples: chunk, SampleRate: src.SampleRate, Channels: src.Channels}
				chunk = p.conv.Convert(in).Samples
			}
			for len(chunk) > 0 {
				take := min(p.frameSamples-len(frame), len(chunk))
				frame = append(frame, chunk[:take]...)
				chunk = chunk[take:]
				if len(frame) < p.frameSamples {
					break
				}
				p.emit(ctx, frame, emitted)
				emitted++
				frame = make([]float32, 0, p.frameSamples)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.err = fmt.Errorf("capture: read: %w", err)
				slog.Warn("capture stopped", "err", err)
			}
			// A partial trailing frame is discarded.
			return
		}
	}
}

func (p *Pipeline) emit(ctx context.Context, samples []float32, index int64) {
	f := audio.AudioFrame{
		Samples:    samples,
		SampleRate: p.format.SampleRate,
		Channels:   1,
		Timestamp:  time.Duration(index*int64(p.frameSamples)) * time.Second / time.Duration(p.format.SampleRate),
	}
	p.metrics.CaptureFrames.Add(ctx, 1)
	p.sink(audio.EncodeFrame(f))
}

// Done is closed when the capture loop has exited, either because the stream
// ended or failed, or after Stop. It stays open while no sink is attached.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err returns the read failure that ended the loop, if any. Valid after Done
// is closed.
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop closes the input stream and waits for the loop to exit. It returns the
// stream close error on the first call and nil afterwards.
func (p *Pipeline) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		if cerr := p.stream.Close(); cerr != nil {
			err = fmt.Errorf("capture: close microphone: %w", cerr)
		}
		// Never attached: no loop will close done.
		p.startOnce.Do(func() { close(p.done) })
		<-p.done
	})
	return err
}
