package engine

import (
	"context"

	"github.com/fmueller/voxstream/internal/audio"
)

// PlaceholderText is what the portable backend returns for every request.
const PlaceholderText = "portable fallback: placeholder (no inference backend integrated)"

// PortableBackend is the pure Go fallback. It loads instantly on any host
// and answers every request with PlaceholderText.
type PortableBackend struct{}

func (PortableBackend) Kind() Kind { return KindPortable }

func (PortableBackend) Available() bool { return true }

func (PortableBackend) Load(ctx context.Context, cfg Config, progress func(float64)) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if progress != nil {
		progress(1)
	}
	return portableHandle{}, nil
}

type portableHandle struct{}

func (portableHandle) Transcribe(ctx context.Context, buf audio.Buffer) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	return Transcript{Text: PlaceholderText, Placeholder: true}, nil
}

func (portableHandle) Close() error { return nil }
