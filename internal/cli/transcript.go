package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxstream/internal/clipboard"
	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/protocol"
	"github.com/fmueller/voxstream/internal/whisper"
	"go.uber.org/zap"
)

func noSpeechHint() string {
	return "No speech detected. Check mic mute and selected input device, then try again."
}

func transcriptOf(result protocol.Result) engine.Transcript {
	return engine.Transcript{Text: whisper.NormalizeTranscript(result.Text), Placeholder: result.Placeholder}
}

// deliverTranscript prints the transcript on stdout, then exports and copies
// it as requested. Clipboard failures leave the transcript on stdout only.
func (a *appState) deliverTranscript(ctx context.Context, result protocol.Result) error {
	transcript := transcriptOf(result)
	fmt.Fprintln(a.outWriter(), transcript.Text)

	if transcript.NoSpeech() {
		a.log().Warn(noSpeechHint())
	}

	if a.exportPath != "" {
		path, err := a.exportTranscript(transcript.Text)
		if err != nil {
			return err
		}
		a.log().Info("transcript exported", zap.String("path", path))
	}

	if !a.copyTranscript || (transcript.NoSpeech() && !a.copyEmpty) {
		return nil
	}

	copyFn := a.copyFn
	if copyFn == nil {
		copyFn = clipboard.CopyText
	}
	if err := copyFn(ctx, transcript.Text); err != nil {
		if errors.Is(err, clipboard.ErrUnavailable) {
			a.log().Warn("clipboard tool unavailable; transcript left on stdout")
			return nil
		}
		a.log().Warn("failed to copy transcript to clipboard; transcript left on stdout", zap.Error(err))
		return nil
	}

	a.log().Info("transcript copied to clipboard")
	return nil
}

// exportTranscript writes text to the export path. A directory gets a
// timestamped transcript file.
func (a *appState) exportTranscript(text string) (string, error) {
	path := filepath.Clean(a.exportPath)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		now := a.now
		if now == nil {
			now = timeNow
		}
		path = filepath.Join(path, fmt.Sprintf("transcript-%d.txt", now().UnixMilli()))
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("export transcript: %w", err)
	}
	return path, nil
}
