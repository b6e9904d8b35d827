package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/stretchr/testify/require"
)

type lengthBackend struct {
	kind      Kind
	available bool
	loadErr   error
	progress  []float64
	gate      chan struct{}
	entered   chan struct{}

	mu      sync.Mutex
	handles []*lengthHandle
}

func (b *lengthBackend) Kind() Kind      { return b.kind }
func (b *lengthBackend) Available() bool { return b.available }

func (b *lengthBackend) Load(ctx context.Context, cfg Config, progress func(float64)) (Handle, error) {
	if b.entered != nil {
		close(b.entered)
	}
	if b.gate != nil {
		<-b.gate
	}
	for _, p := range b.progress {
		progress(p)
	}
	if b.loadErr != nil {
		return nil, b.loadErr
	}

	h := &lengthHandle{}
	b.mu.Lock()
	b.handles = append(b.handles, h)
	b.mu.Unlock()
	return h, nil
}

type lengthHandle struct {
	mu     sync.Mutex
	closed bool
	err    error
}

func (h *lengthHandle) Transcribe(ctx context.Context, buf audio.Buffer) (Transcript, error) {
	if h.err != nil {
		return Transcript{}, h.err
	}
	return Transcript{Text: fmt.Sprintf("len:%d", buf.Len())}, nil
}

func (h *lengthHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *lengthHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func TestSelect(t *testing.T) {
	t.Parallel()

	accelerated := &lengthBackend{kind: KindAccelerated, available: true}
	missingAccelerated := &lengthBackend{kind: KindAccelerated}
	portable := PortableBackend{}

	tests := []struct {
		name     string
		kind     Kind
		backends []Backend
		want     Kind
		wantErr  bool
	}{
		{name: "auto prefers accelerated", kind: KindAuto, backends: []Backend{accelerated, portable}, want: KindAccelerated},
		{name: "auto falls back to portable", kind: KindAuto, backends: []Backend{missingAccelerated, portable}, want: KindPortable},
		{name: "empty kind means auto", kind: "", backends: []Backend{missingAccelerated, portable}, want: KindPortable},
		{name: "auto without any backend", kind: KindAuto, backends: []Backend{missingAccelerated}, wantErr: true},
		{name: "pinned portable", kind: KindPortable, backends: []Backend{accelerated, portable}, want: KindPortable},
		{name: "pinned accelerated unavailable", kind: KindAccelerated, backends: []Backend{missingAccelerated, portable}, wantErr: true},
		{name: "pinned kind not configured", kind: KindAccelerated, backends: []Backend{portable}, wantErr: true},
		{name: "unknown kind", kind: "webgpu", backends: []Backend{accelerated, portable}, wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			backend, err := Select(tc.kind, tc.backends)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrBackendUnsupported)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, backend.Kind())
		})
	}
}

func TestTranscribeBeforeLoadIsNotReady(t *testing.T) {
	t.Parallel()

	e := New([]Backend{PortableBackend{}}, nil)
	_, err := e.Transcribe(context.Background(), audio.Buffer{Rate: audio.TargetRate})
	require.ErrorIs(t, err, ErrEngineNotReady)
	require.Equal(t, StateUnloaded, e.State())
}

func TestLoadFailureLeavesEngineInErrorState(t *testing.T) {
	t.Parallel()

	backend := &lengthBackend{kind: KindAccelerated, available: true, loadErr: errors.New("model checksum mismatch")}
	e := New([]Backend{backend}, nil)

	err := e.Load(context.Background(), Config{Backend: KindAccelerated}, nil)
	require.ErrorIs(t, err, ErrEngineLoadFailed)
	require.Contains(t, err.Error(), "checksum mismatch")
	require.Equal(t, StateError, e.State())
	require.ErrorIs(t, e.Err(), ErrEngineLoadFailed)

	_, err = e.Transcribe(context.Background(), audio.Buffer{Rate: audio.TargetRate})
	require.ErrorIs(t, err, ErrEngineNotReady)
}

func TestLoadUnsupportedBackendPassesThrough(t *testing.T) {
	t.Parallel()

	e := New([]Backend{&lengthBackend{kind: KindAccelerated}}, nil)
	err := e.Load(context.Background(), Config{Backend: KindAccelerated}, nil)
	require.ErrorIs(t, err, ErrBackendUnsupported)
	require.NotErrorIs(t, err, ErrEngineLoadFailed)
	require.Equal(t, StateError, e.State())
}

func TestLoadThenTranscribe(t *testing.T) {
	t.Parallel()

	backend := &lengthBackend{kind: KindAccelerated, available: true}
	e := New([]Backend{backend, PortableBackend{}}, nil)

	require.NoError(t, e.Load(context.Background(), Config{}, nil))
	require.Equal(t, StateReady, e.State())
	require.Equal(t, KindAccelerated, e.Backend())
	require.Equal(t, DefaultModel, e.Config().ModelID)

	transcript, err := e.Transcribe(context.Background(), audio.Buffer{Samples: make([]float32, 48000), Rate: audio.TargetRate})
	require.NoError(t, err)
	require.Equal(t, "len:48000", transcript.Text)
	require.False(t, transcript.NoSpeech())
}

func TestLoadProgressIsClampedAndMonotonic(t *testing.T) {
	t.Parallel()

	backend := &lengthBackend{kind: KindPortable, available: true, progress: []float64{-0.5, 0.3, 0.2, 0.3, 0.8, 1.7}}
	e := New([]Backend{backend}, nil)

	var got []float64
	require.NoError(t, e.Load(context.Background(), Config{}, func(f float64) { got = append(got, f) }))
	require.Equal(t, []float64{0, 0.3, 0.8, 1}, got)
}

func TestReloadClosesPreviousHandle(t *testing.T) {
	t.Parallel()

	backend := &lengthBackend{kind: KindAccelerated, available: true}
	e := New([]Backend{backend, PortableBackend{}}, nil)

	require.NoError(t, e.Load(context.Background(), Config{}, nil))
	require.NoError(t, e.Load(context.Background(), Config{Backend: KindPortable}, nil))

	require.True(t, backend.handles[0].isClosed())
	require.Equal(t, KindPortable, e.Backend())

	transcript, err := e.Transcribe(context.Background(), audio.Buffer{Rate: audio.TargetRate})
	require.NoError(t, err)
	require.True(t, transcript.Placeholder)
	require.False(t, transcript.NoSpeech())
}

func TestSupersededLoadNeverCommits(t *testing.T) {
	t.Parallel()

	slow := &lengthBackend{kind: KindAccelerated, available: true, gate: make(chan struct{}), entered: make(chan struct{})}
	e := New([]Backend{slow, PortableBackend{}}, nil)

	done := make(chan error, 1)
	go func() {
		done <- e.Load(context.Background(), Config{Backend: KindAccelerated}, nil)
	}()
	<-slow.entered

	require.NoError(t, e.Load(context.Background(), Config{Backend: KindPortable}, nil))
	close(slow.gate)

	require.ErrorIs(t, <-done, ErrLoadSuperseded)
	require.Equal(t, StateReady, e.State())
	require.Equal(t, KindPortable, e.Backend())
	require.Len(t, slow.handles, 1)
	require.True(t, slow.handles[0].isClosed())
}

func TestTranscribeFailureIsWrapped(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	e.state = StateReady
	e.handle = &lengthHandle{err: errors.New("whisper exited 1")}

	_, err := e.Transcribe(context.Background(), audio.Buffer{Rate: audio.TargetRate})
	require.ErrorIs(t, err, ErrTranscribeFailed)
	require.Contains(t, err.Error(), "whisper exited 1")
}

func TestCloseReturnsToUnloaded(t *testing.T) {
	t.Parallel()

	backend := &lengthBackend{kind: KindAccelerated, available: true}
	e := New([]Backend{backend}, nil)
	require.NoError(t, e.Load(context.Background(), Config{}, nil))
	require.NoError(t, e.Close())

	require.Equal(t, StateUnloaded, e.State())
	require.True(t, backend.handles[0].isClosed())
}

func TestTranscriptNoSpeech(t *testing.T) {
	t.Parallel()

	require.True(t, Transcript{}.NoSpeech())
	require.False(t, Transcript{Text: "hello"}.NoSpeech())
	require.False(t, Transcript{Placeholder: true}.NoSpeech())
}
