package cli

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/fmueller/voxstream/internal/controller"
	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/protocol"
	"github.com/fmueller/voxstream/internal/settings"
	"github.com/stretchr/testify/require"
)

// runCommand executes the root command with settings and models kept in a
// temporary directory.
func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	dir := t.TempDir()
	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(append(args,
		"--settings", filepath.Join(dir, "settings.yaml"),
		"--model-dir", filepath.Join(dir, "models"),
	))

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// lengthBackend transcribes every buffer as "len:<samples>".
type lengthBackend struct{}

func (lengthBackend) Kind() engine.Kind { return engine.KindAccelerated }
func (lengthBackend) Available() bool   { return true }
func (lengthBackend) Load(context.Context, engine.Config, func(float64)) (engine.Handle, error) {
	return lengthHandle{}, nil
}

type lengthHandle struct{}

func (lengthHandle) Transcribe(_ context.Context, buf audio.Buffer) (engine.Transcript, error) {
	return engine.Transcript{Text: fmt.Sprintf("len:%d", buf.Len())}, nil
}
func (lengthHandle) Close() error { return nil }

type scriptedRecorder struct {
	rate     int
	samples  []float32
	startErr error

	mu       sync.Mutex
	captured []float32
}

func (r *scriptedRecorder) Start(context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captured = append([]float32(nil), r.samples...)
	return nil
}

func (r *scriptedRecorder) RecentSeconds(sec float64) audio.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(int(sec*float64(r.rate)), len(r.captured))
	return audio.Buffer{Samples: append([]float32(nil), r.captured[len(r.captured)-n:]...), Rate: r.rate}
}

func (r *scriptedRecorder) Stop() audio.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := audio.Buffer{Samples: r.captured, Rate: r.rate}
	r.captured = nil
	return out
}

type testApp struct {
	*appState
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
	recorder *scriptedRecorder
	copied   []string
}

func newTestApp(t *testing.T, backends ...engine.Backend) *testApp {
	t.Helper()

	if len(backends) == 0 {
		backends = []engine.Backend{lengthBackend{}, engine.PortableBackend{}}
	}

	app := &testApp{
		appState: newAppState(),
		stdout:   new(bytes.Buffer),
		stderr:   new(bytes.Buffer),
		recorder: &scriptedRecorder{rate: 48000},
	}
	app.out = app.stdout
	app.errOut = app.stderr
	app.in = new(bytes.Buffer)
	app.noProgress = true
	app.settings = settings.Defaults()
	app.connectFn = func(ctx context.Context) (protocol.Transport, error) {
		host := protocol.NewHost(engine.New(backends, nil), protocol.HostOptions{})
		return protocol.StartLocal(ctx, host), nil
	}
	app.newRecorderFn = func() (controller.Recorder, error) { return app.recorder, nil }
	app.copyFn = func(_ context.Context, value string) error {
		app.copied = append(app.copied, value)
		return nil
	}
	return app
}

func sine(seconds float64, rate int) []float32 {
	out := make([]float32, int(seconds*float64(rate)))
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

// writeWAV encodes samples as a 16-bit mono WAV file in a temp dir.
func writeWAV(t *testing.T, samples []float32, rate int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, audio.WriteWAV(f, audio.Buffer{Samples: samples, Rate: rate}))
	require.NoError(t, f.Close())
	return path
}

// writeTestWAV writes n samples of a loud square wave.
func writeTestWAV(t *testing.T, n int, rate int) string {
	t.Helper()

	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
		if i%2 == 1 {
			samples[i] = -0.25
		}
	}
	return writeWAV(t, samples, rate)
}
