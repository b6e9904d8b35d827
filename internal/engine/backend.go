package engine

import (
	"context"
	"fmt"

	"github.com/fmueller/voxstream/internal/audio"
)

// Backend is a speech-recognition implementation the engine can load.
type Backend interface {
	Kind() Kind
	Available() bool
	// Load prepares a model. progress receives fractions in [0,1] and may be
	// called from the loading goroutine only.
	Load(ctx context.Context, cfg Config, progress func(float64)) (Handle, error)
}

// Handle is a loaded model ready for inference on 16 kHz mono audio.
type Handle interface {
	Transcribe(ctx context.Context, buf audio.Buffer) (Transcript, error)
	Close() error
}

type Transcript struct {
	Text string
	// Placeholder marks text produced by a backend that does not run real
	// inference.
	Placeholder bool
}

// NoSpeech reports whether inference ran and recognised nothing.
func (t Transcript) NoSpeech() bool {
	return !t.Placeholder && t.Text == ""
}

// Select resolves kind against backends. Auto takes the first available
// backend in the order given; a pinned kind must be present and available.
func Select(kind Kind, backends []Backend) (Backend, error) {
	switch kind {
	case KindAuto, "":
		for _, backend := range backends {
			if backend.Available() {
				return backend, nil
			}
		}
		return nil, fmt.Errorf("%w: no backend available", ErrBackendUnsupported)
	case KindAccelerated, KindPortable:
		for _, backend := range backends {
			if backend.Kind() != kind {
				continue
			}
			if !backend.Available() {
				return nil, fmt.Errorf("%w: %s backend is not available on this host", ErrBackendUnsupported, kind)
			}
			return backend, nil
		}
		return nil, fmt.Errorf("%w: %s backend is not configured", ErrBackendUnsupported, kind)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrBackendUnsupported, kind)
	}
}
