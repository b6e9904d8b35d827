package whisper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/fmueller/voxstream/internal/download"
	"github.com/fmueller/voxstream/internal/engine"
	"go.uber.org/zap"
)

const BlankAudioToken = "[BLANK_AUDIO]"

var ErrModelMissing = errors.New("model not present locally")

// Backend is the accelerated engine backend. It runs the bundled whisper-cli
// executable against ggml models kept in ModelDir.
type Backend struct {
	ModelDir   string
	NoProgress bool
	Retries    int
	HTTPClient *http.Client
	Logger     *zap.Logger

	// NewRunner locates the whisper executable. Defaults to LocateCLI.
	NewRunner func(logger *zap.Logger) (Runner, error)
}

func NewBackend(modelDir string, logger *zap.Logger) *Backend {
	return &Backend{ModelDir: modelDir, Logger: logger}
}

func (b *Backend) Kind() engine.Kind {
	return engine.KindAccelerated
}

func (b *Backend) Available() bool {
	_, err := b.runner()
	return err == nil
}

func (b *Backend) Load(ctx context.Context, cfg engine.Config, progress func(float64)) (engine.Handle, error) {
	runner, err := b.runner()
	if err != nil {
		return nil, err
	}

	modelPath, err := b.EnsureModel(ctx, cfg, progress)
	if err != nil {
		return nil, err
	}

	return &handle{
		runner:    runner,
		modelPath: modelPath,
		language:  cfg.Language,
		logger:    b.log(),
	}, nil
}

// EnsureModel resolves cfg.ModelID to a model file, downloading a missing
// registry model when the model source is remote.
func (b *Backend) EnsureModel(ctx context.Context, cfg engine.Config, progress func(float64)) (string, error) {
	resolved, err := ResolveModel(cfg.ModelID, b.ModelDir)
	if err != nil {
		return "", err
	}
	if !resolved.NeedsDownload {
		return resolved.Path, nil
	}

	if cfg.ModelSource == engine.SourceLocal {
		return "", fmt.Errorf("%w: %s not found at %s (model source is local; run \"voxstream setup\" or switch to remote)", ErrModelMissing, resolved.Name, resolved.Path)
	}
	return b.fetch(ctx, resolved, progress)
}

// Download fetches the registry model named by cfg.ModelID, replacing any
// existing copy.
func (b *Backend) Download(ctx context.Context, cfg engine.Config, progress func(float64)) (string, error) {
	resolved, err := ResolveModel(cfg.ModelID, b.ModelDir)
	if err != nil {
		return "", err
	}
	if resolved.IsCustomPath {
		return "", fmt.Errorf("cannot download custom model path %s", resolved.Path)
	}
	return b.fetch(ctx, resolved, progress)
}

func (b *Backend) fetch(ctx context.Context, resolved ResolvedModel, progress func(float64)) (string, error) {
	b.log().Info("downloading model", zap.String("model", resolved.Name), zap.String("url", resolved.URL))
	err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		ChecksumURL:    resolved.SHA256URL,
		Retries:        b.Retries,
		NoProgress:     b.NoProgress,
		Progress:       progress,
		HTTPClient:     b.HTTPClient,
		Logger:         b.log(),
	})
	if err != nil {
		return "", fmt.Errorf("download model %s: %w", resolved.Name, err)
	}
	return resolved.Path, nil
}

func (b *Backend) runner() (Runner, error) {
	if b.NewRunner != nil {
		return b.NewRunner(b.log())
	}
	cli, err := LocateCLI(b.log())
	if err != nil {
		return nil, err
	}
	return cli, nil
}

func (b *Backend) log() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

type handle struct {
	runner    Runner
	modelPath string
	language  string
	logger    *zap.Logger
}

func (h *handle) Transcribe(ctx context.Context, buf audio.Buffer) (engine.Transcript, error) {
	if buf.Len() == 0 {
		return engine.Transcript{}, nil
	}
	if buf.Rate != audio.TargetRate {
		buf = audio.Resample(buf, audio.TargetRate)
	}

	wavFile, err := os.CreateTemp("", "voxstream-*.wav")
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("create temp wav: %w", err)
	}
	wavPath := wavFile.Name()
	defer func() {
		if err := os.Remove(wavPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn("failed to remove temp wav", zap.String("path", wavPath), zap.Error(err))
		}
	}()

	if err := audio.WriteWAV(wavFile, buf); err != nil {
		_ = wavFile.Close()
		return engine.Transcript{}, fmt.Errorf("write temp wav: %w", err)
	}
	if err := wavFile.Close(); err != nil {
		return engine.Transcript{}, fmt.Errorf("close temp wav: %w", err)
	}

	text, err := h.runner.Transcribe(ctx, TranscriptionRequest{
		AudioPath: wavPath,
		ModelPath: h.modelPath,
		Language:  h.language,
	})
	if err != nil {
		return engine.Transcript{}, err
	}

	return engine.Transcript{Text: NormalizeTranscript(text)}, nil
}

func (h *handle) Close() error {
	return nil
}

// NormalizeTranscript trims whisper output and maps the blank-audio marker to
// the empty transcript.
func NormalizeTranscript(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.EqualFold(trimmed, BlankAudioToken) {
		return ""
	}
	return trimmed
}
