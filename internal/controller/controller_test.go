package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/metrics"
	"github.com/fmueller/voxstream/internal/protocol"
	"github.com/fmueller/voxstream/internal/record"
	"github.com/fmueller/voxstream/internal/schedule"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type lengthBackend struct{}

func (lengthBackend) Kind() engine.Kind { return engine.KindAccelerated }
func (lengthBackend) Available() bool   { return true }
func (lengthBackend) Load(context.Context, engine.Config, func(float64)) (engine.Handle, error) {
	return lengthHandle{}, nil
}

type lengthHandle struct{}

func (lengthHandle) Transcribe(ctx context.Context, buf audio.Buffer) (engine.Transcript, error) {
	return engine.Transcript{Text: fmt.Sprintf("len:%d", buf.Len())}, nil
}
func (lengthHandle) Close() error { return nil }

type fakeRecorder struct {
	rate     int
	startErr error

	mu      sync.Mutex
	started bool
	samples []float32
}

func (r *fakeRecorder) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = true
	return nil
}

func (r *fakeRecorder) push(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, samples...)
}

func (r *fakeRecorder) RecentSeconds(sec float64) audio.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := int(math.Floor(sec * float64(r.rate)))
	if n > len(r.samples) {
		n = len(r.samples)
	}
	return audio.Buffer{Samples: append([]float32(nil), r.samples[len(r.samples)-n:]...), Rate: r.rate}
}

func (r *fakeRecorder) Stop() audio.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := audio.Buffer{Samples: r.samples, Rate: r.rate}
	r.samples = nil
	r.started = false
	return out
}

type manualTicker struct {
	ch chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               {}
func (t *manualTicker) fire()               { t.ch <- time.Time{} }

type recordingListener struct {
	mu     sync.Mutex
	events []protocol.Response
}

func (l *recordingListener) add(resp protocol.Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, resp)
}

func (l *recordingListener) Progress(r protocol.Progress)         { l.add(r) }
func (l *recordingListener) Ready(r protocol.Ready)               { l.add(r) }
func (l *recordingListener) Partial(r protocol.Partial)           { l.add(r) }
func (l *recordingListener) Result(r protocol.Result)             { l.add(r) }
func (l *recordingListener) FileProgress(r protocol.FileProgress) { l.add(r) }
func (l *recordingListener) Error(r protocol.Error)               { l.add(r) }

func (l *recordingListener) all() []protocol.Response {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Response(nil), l.events...)
}

// transcripts returns the partial and result events, skipping load traffic.
func (l *recordingListener) transcripts() []protocol.Response {
	var out []protocol.Response
	for _, event := range l.all() {
		switch event.(type) {
		case protocol.Partial, protocol.Result, protocol.FileProgress, protocol.Error:
			out = append(out, event)
		}
	}
	return out
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

type harness struct {
	ctrl     *Controller
	recorder *fakeRecorder
	ticker   *manualTicker
	listener *recordingListener
}

func newHarness(t *testing.T, backends ...engine.Backend) *harness {
	t.Helper()

	if len(backends) == 0 {
		backends = []engine.Backend{lengthBackend{}, engine.PortableBackend{}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	host := protocol.NewHost(engine.New(backends, nil), protocol.HostOptions{})
	h := &harness{
		recorder: &fakeRecorder{rate: 48000},
		ticker:   &manualTicker{ch: make(chan time.Time)},
		listener: &recordingListener{},
	}
	h.ctrl = New(Options{
		Transport: protocol.StartLocal(ctx, host),
		Recorder:  h.recorder,
		Listener:  h.listener,
		ChunkSec:  5,
		NewTicker: func(time.Duration) schedule.Ticker { return h.ticker },
		NewID:     sequentialIDs("id-"),
	})
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func sine(seconds float64, rate int) []float32 {
	out := make([]float32, int(seconds*float64(rate)))
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func TestSessionFinalTranscriptEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := waitCtx(t)

	require.NoError(t, h.ctrl.StartSession(ctx))
	h.recorder.push(sine(3, 48000))
	require.NoError(t, h.ctrl.StopSession())
	require.NoError(t, h.ctrl.Wait(ctx))

	got := h.listener.transcripts()
	require.Len(t, got, 1)
	result := got[0].(protocol.Result)
	require.Equal(t, protocol.KindFinal, result.Kind)
	require.Equal(t, "len:48000", result.Text)
}

func TestSessionCadenceDeliversPartialsBeforeFinal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := waitCtx(t)

	require.NoError(t, h.ctrl.StartSession(ctx))
	for i := 0; i < 3; i++ {
		h.recorder.push(make([]float32, 5*48000))
		h.ticker.fire()
	}
	h.recorder.push(make([]float32, 2*48000))
	require.NoError(t, h.ctrl.StopSession())
	require.NoError(t, h.ctrl.Wait(ctx))

	got := h.listener.transcripts()
	require.Len(t, got, 4)
	for i := 0; i < 3; i++ {
		require.Equal(t, "len:80000", got[i].(protocol.Partial).Text)
	}
	require.Equal(t, "len:272000", got[3].(protocol.Result).Text)

	all := h.listener.all()
	_, firstIsLoadTraffic := all[0].(protocol.Progress)
	require.True(t, firstIsLoadTraffic)
}

func TestStartSessionCaptureFailureLeavesNoSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.recorder.startErr = fmt.Errorf("%w: arecord: exit status 1", record.ErrDeviceUnavailable)

	err := h.ctrl.StartSession(waitCtx(t))
	require.ErrorIs(t, err, record.ErrDeviceUnavailable)
	require.ErrorIs(t, h.ctrl.StopSession(), ErrNoSession)

	h.recorder.startErr = nil
	require.NoError(t, h.ctrl.StartSession(waitCtx(t)))
	require.ErrorIs(t, h.ctrl.StartSession(waitCtx(t)), ErrSessionActive)
	require.NoError(t, h.ctrl.StopSession())
}

func TestTranscribeFileEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := waitCtx(t)

	wavPath := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(wavPath)
	require.NoError(t, err)
	require.NoError(t, audio.WriteWAV(f, audio.Buffer{Samples: sine(1, 44100), Rate: 44100}))
	require.NoError(t, f.Close())
	data, err := os.ReadFile(wavPath)
	require.NoError(t, err)

	require.NoError(t, h.ctrl.TranscribeFile(data))
	require.NoError(t, h.ctrl.Wait(ctx))

	got := h.listener.transcripts()
	require.Len(t, got, 3)
	require.Equal(t, 10, got[0].(protocol.FileProgress).Percent)
	require.Equal(t, 100, got[1].(protocol.FileProgress).Percent)
	result := got[2].(protocol.Result)
	require.Equal(t, protocol.KindFile, result.Kind)
	require.Equal(t, "len:16000", result.Text)
}

func TestTranscribeFileDecodeFailureSubmitsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	err := h.ctrl.TranscribeFile([]byte("definitely not a wav file"))
	require.ErrorIs(t, err, audio.ErrDecodeFailed)
	require.NoError(t, h.ctrl.Wait(waitCtx(t)))
	require.Empty(t, h.listener.transcripts())
}

func TestHostErrorDoesNotStopController(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.PortableBackend{})
	ctx := waitCtx(t)

	_, err := h.ctrl.SetEngineConfig(engine.Config{Backend: engine.KindAccelerated})
	require.NoError(t, err)
	_, err = h.ctrl.WaitReady(ctx)
	require.ErrorIs(t, err, engine.ErrBackendUnsupported)

	_, err = h.ctrl.SetEngineConfig(engine.Config{Backend: engine.KindPortable})
	require.NoError(t, err)
	backend, err := h.ctrl.WaitReady(ctx)
	require.NoError(t, err)
	require.Equal(t, engine.KindPortable, backend)

	require.NoError(t, h.ctrl.StartSession(ctx))
	h.recorder.push(make([]float32, 4800))
	require.NoError(t, h.ctrl.StopSession())
	require.NoError(t, h.ctrl.Wait(ctx))

	var loadErrors int
	for _, event := range h.listener.all() {
		if errResp, ok := event.(protocol.Error); ok && errResp.Code == protocol.CodeBackendUnsupported {
			loadErrors++
		}
	}
	require.Equal(t, 1, loadErrors)

	got := h.listener.transcripts()
	result := got[len(got)-1].(protocol.Result)
	require.True(t, result.Placeholder)
	require.Equal(t, engine.PlaceholderText, result.Text)
}

func TestCloseFlushesRunningSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.ctrl.StartSession(waitCtx(t)))
	h.recorder.push(make([]float32, 48000))

	require.NoError(t, h.ctrl.Close())

	got := h.listener.transcripts()
	require.Len(t, got, 1)
	require.Equal(t, "len:16000", got[0].(protocol.Result).Text)

	_, err := h.ctrl.SetEngineConfig(engine.Config{})
	require.ErrorIs(t, err, ErrClosed)
}

type fakeTransport struct {
	requests  chan protocol.Request
	responses chan protocol.Response
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		requests:  make(chan protocol.Request, 16),
		responses: make(chan protocol.Response, 16),
	}
}

func (f *fakeTransport) Requests() chan<- protocol.Request   { return f.requests }
func (f *fakeTransport) Responses() <-chan protocol.Response { return f.responses }
func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.responses) })
	return nil
}

func (f *fakeTransport) next(t *testing.T) protocol.Request {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("controller sent no request")
		return nil
	}
}

func TestStaleResponsesAreDiscarded(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	listener := &recordingListener{}
	m := metrics.New(prometheus.NewRegistry())
	ctrl := New(Options{
		Transport: transport,
		Listener:  listener,
		NewID:     sequentialIDs("e"),
		Decode: func([]byte) (audio.Buffer, error) {
			return audio.Buffer{Samples: make([]float32, 10), Rate: audio.TargetRate}, nil
		},
		Metrics: m,
	})
	defer ctrl.Close()
	ctx := waitCtx(t)

	first, err := ctrl.SetEngineConfig(engine.Config{})
	require.NoError(t, err)
	second, err := ctrl.SetEngineConfig(engine.Config{Backend: engine.KindPortable})
	require.NoError(t, err)
	require.Equal(t, first, transport.next(t).(protocol.Load).EngineID)
	require.Equal(t, second, transport.next(t).(protocol.Load).EngineID)

	require.NoError(t, ctrl.TranscribeFile([]byte("x")))
	requestID := transport.next(t).(protocol.Transcribe).RequestID

	transport.responses <- protocol.Ready{EngineID: first, Backend: engine.KindAccelerated}
	transport.responses <- protocol.Result{EngineID: first, RequestID: requestID, Kind: protocol.KindFile, Text: "old"}
	transport.responses <- protocol.Ready{EngineID: second, Backend: engine.KindPortable}

	backend, err := ctrl.WaitReady(ctx)
	require.NoError(t, err)
	require.Equal(t, engine.KindPortable, backend)
	require.NoError(t, ctrl.Wait(ctx))

	require.Equal(t, []protocol.Response{protocol.Ready{EngineID: second, Backend: engine.KindPortable}}, listener.all())
	require.Equal(t, 2.0, testutil.ToFloat64(m.StaleResponses))
}

func TestHostDisconnectReleasesWaiters(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	listener := &recordingListener{}
	ctrl := New(Options{
		Transport: transport,
		Listener:  listener,
		Decode: func([]byte) (audio.Buffer, error) {
			return audio.Buffer{Samples: make([]float32, 10), Rate: audio.TargetRate}, nil
		},
	})
	defer ctrl.Close()
	ctx := waitCtx(t)

	require.NoError(t, ctrl.TranscribeFile([]byte("x")))
	transport.next(t)
	transport.next(t)

	require.NoError(t, transport.Close())
	require.NoError(t, ctrl.Wait(ctx))

	_, err := ctrl.WaitReady(ctx)
	require.True(t, errors.Is(err, ErrHostGone))

	events := listener.all()
	require.Len(t, events, 1)
	require.Equal(t, protocol.CodeInternal, events[0].(protocol.Error).Code)
}
