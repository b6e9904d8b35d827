package record

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/fmueller/voxstream/internal/audio"
	"go.uber.org/zap"
)

var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// Recorder captures a live stream into an append-only buffer and serves
// trailing windows of it while capture continues.
type Recorder struct {
	backends  []Backend
	preferred string
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	stream  Stream
	backend string

	rate    atomic.Int64
	samples frameLog
}

func NewRecorder(backends []Backend, preferred string, cfg Config) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Logger = logger

	return &Recorder{
		backends:  backends,
		preferred: preferred,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start acquires an input device and begins appending frames. On failure no
// stream stays open and the buffer is untouched.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stream != nil {
		return errors.New("recorder already started")
	}

	stream, backend, err := openWithFallback(ctx, r.backends, r.preferred, r.cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	rate := stream.SampleRate()
	if rate <= 0 {
		_ = stream.Close()
		return fmt.Errorf("%w: %s reported sample rate %d", ErrDeviceUnavailable, backend, rate)
	}

	r.samples.reset()
	r.stream = stream
	r.backend = backend
	r.rate.Store(int64(rate))
	stream.OnFrame(r.samples.append)

	r.logger.Info("capture started", zap.String("backend", backend), zap.Int("sample_rate", rate))
	return nil
}

// Backend names the capture backend of the running session.
func (r *Recorder) Backend() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend
}

// RecentSeconds returns a copy of the last sec seconds of captured audio, or
// everything captured so far when less is available.
func (r *Recorder) RecentSeconds(sec float64) audio.Buffer {
	rate := int(r.rate.Load())
	if rate <= 0 {
		return audio.Buffer{Rate: DefaultSampleRate}
	}

	want := 0
	switch {
	case math.IsInf(sec, 1):
		want = math.MaxInt
	case sec > 0:
		want = int(math.Floor(sec * float64(rate)))
	}

	return audio.Buffer{Samples: r.samples.tail(want), Rate: rate}
}

// Stop ends capture and hands back everything recorded in the session. The
// device is released even when the stream reports a close error. Calling Stop
// without a running session returns an empty buffer.
func (r *Recorder) Stop() audio.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stream == nil {
		return audio.Buffer{Rate: DefaultSampleRate}
	}

	if err := r.stream.Close(); err != nil {
		r.logger.Warn("capture stream closed with error", zap.String("backend", r.backend), zap.Error(err))
	}

	rate := int(r.rate.Load())
	out := audio.Buffer{Samples: r.samples.tail(math.MaxInt), Rate: rate}

	r.logger.Info("capture stopped", zap.String("backend", r.backend), zap.Int("samples", out.Len()), zap.Duration("captured", out.Duration()))

	r.samples.reset()
	r.stream = nil
	r.backend = ""
	r.rate.Store(0)
	return out
}

// frameLog is an append-only sample log with a single writer. Every append
// publishes a capped view of the samples; readers load the view and copy from
// it, so appends never race with reads.
type frameLog struct {
	mu   sync.Mutex
	data []float32
	view atomic.Pointer[[]float32]
}

func (l *frameLog) append(frame []float32) {
	if len(frame) == 0 {
		return
	}

	l.mu.Lock()
	l.data = append(l.data, frame...)
	view := l.data[:len(l.data):len(l.data)]
	l.view.Store(&view)
	l.mu.Unlock()
}

func (l *frameLog) tail(n int) []float32 {
	view := l.view.Load()
	if view == nil || n <= 0 {
		return []float32{}
	}

	samples := *view
	if n > len(samples) {
		n = len(samples)
	}

	out := make([]float32, n)
	copy(out, samples[len(samples)-n:])
	return out
}

func (l *frameLog) reset() {
	l.mu.Lock()
	l.data = nil
	l.view.Store(nil)
	l.mu.Unlock()
}
