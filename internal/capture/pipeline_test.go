package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/dworldbd-stack/red698/internal/observe"
	"github.com/dworldbd-stack/red698/pkg/audio"
	"github.com/dworldbd-stack/red698/pkg/audio/mock"
)

type recorder struct {
	mu    sync.Mutex
	blobs []audio.EncodedBlob
}

func (r *recorder) sink(b audio.EncodedBlob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs = append(r.blobs, b)
}

func (r *recorder) get() []audio.EncodedBlob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audio.EncodedBlob(nil), r.blobs...)
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

func waitDone(t *testing.T, p *Pipeline) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not finish")
	}
}

func TestStart_OpensAt16kMono(t *testing.T) {
	t.Parallel()
	dev := &mock.InputDevice{}
	var rec recorder
	p, err := Start(context.Background(), dev, rec.sink, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if len(dev.OpenCalls) != 1 || dev.OpenCalls[0] != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("OpenCalls = %v", dev.OpenCalls)
	}
}

func TestStart_DeviceUnavailable(t *testing.T) {
	t.Parallel()
	for _, openErr := range []error{
		errors.New("permission denied"),
		audio.ErrDeviceUnavailable,
	} {
		dev := &mock.InputDevice{OpenErr: openErr}
		_, err := Start(context.Background(), dev, func(audio.EncodedBlob) {}, WithMetrics(testMetrics(t)))
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			t.Errorf("Start(%v) = %v, want ErrDeviceUnavailable", openErr, err)
		}
	}
}

func TestPipeline_CutsFixedFrames(t *testing.T) {
	t.Parallel()
	stream := mock.NewInputStream(audio.Format{SampleRate: 16000, Channels: 1})
	dev := &mock.InputDevice{Stream: stream}
	var rec recorder
	p, err := Start(context.Background(), dev, rec.sink, WithFrameSamples(4), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Irregular delivery: 3 + 6 + 2 samples = two full frames plus a partial.
	stream.Push([]float32{0.1, 0.2, 0.3})
	stream.Push([]float32{0.4, 0.5, 0.6, 0.7, 0.8, 0.9})
	stream.Push([]float32{1.0, 1.0})
	stream.End()
	waitDone(t, p)

	blobs := rec.get()
	if len(blobs) != 2 {
		t.Fatalf("got %d frames, want 2 (partial trailing frame discarded)", len(blobs))
	}
	want := audio.EncodeFrame(audio.AudioFrame{Samples: []float32{0.1, 0.2, 0.3, 0.4}, SampleRate: 16000, Channels: 1})
	if blobs[0] != want {
		t.Errorf("frame 0 = %+v, want %+v", blobs[0], want)
	}
	if blobs[1].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", blobs[1].MIMEType)
	}
	if err := p.Err(); err != nil {
		t.Errorf("Err after EOF = %v, want nil", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop = %v", err)
	}
}

func TestPipeline_ConvertsDeviceFormat(t *testing.T) {
	t.Parallel()
	// A stereo device at the target rate is downmixed to mono.
	stream := mock.NewInputStream(audio.Format{SampleRate: 16000, Channels: 2})
	dev := &mock.InputDevice{Stream: stream}
	var rec recorder
	p, err := Start(context.Background(), dev, rec.sink, WithFrameSamples(2), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream.Push([]float32{0.5, 0.5, -0.5, -0.5})
	stream.End()
	waitDone(t, p)

	blobs := rec.get()
	if len(blobs) != 1 {
		t.Fatalf("got %d frames, want 1", len(blobs))
	}
	want := audio.EncodeFrame(audio.AudioFrame{Samples: []float32{0.5, -0.5}, SampleRate: 16000, Channels: 1})
	if blobs[0] != want {
		t.Errorf("frame = %+v, want %+v", blobs[0], want)
	}
}

func TestStop_IdempotentAndReturnsCloseErrOnce(t *testing.T) {
	t.Parallel()
	stream := mock.NewInputStream(audio.Format{SampleRate: 16000, Channels: 1})
	stream.CloseErr = errors.New("device busy")
	p, err := Start(context.Background(), &mock.InputDevice{Stream: stream}, func(audio.EncodedBlob) {}, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := p.Stop(); err == nil {
		t.Error("first Stop should return the close error")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
	if !stream.Closed() {
		t.Error("stream not closed")
	}
	select {
	case <-p.Done():
	default:
		t.Error("Done must be closed after Stop returns")
	}
}

func TestOpen_HoldsDeviceUntilAttach(t *testing.T) {
	t.Parallel()
	stream := mock.NewInputStream(audio.Format{SampleRate: 16000, Channels: 1})
	p, err := Open(context.Background(), &mock.InputDevice{Stream: stream}, WithFrameSamples(2), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	stream.Push([]float32{0.1, 0.2})

	select {
	case <-p.Done():
		t.Fatal("Done closed before Attach")
	case <-time.After(20 * time.Millisecond):
	}

	var rec recorder
	p.Attach(context.Background(), rec.sink)
	p.Attach(context.Background(), func(audio.EncodedBlob) { t.Error("second Attach must be ignored") })
	stream.End()
	waitDone(t, p)
	if n := len(rec.get()); n != 1 {
		t.Errorf("got %d frames, want 1", n)
	}
}

func TestStop_BeforeAttach(t *testing.T) {
	t.Parallel()
	stream := mock.NewInputStream(audio.Format{SampleRate: 16000, Channels: 1})
	p, err := Open(context.Background(), &mock.InputDevice{Stream: stream}, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitDone(t, p)
	p.Attach(context.Background(), func(audio.EncodedBlob) { t.Error("Attach after Stop must be ignored") })
	if !stream.Closed() {
		t.Error("stream not closed")
	}
}
