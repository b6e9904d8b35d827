package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fmueller/voxstream/internal/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe a WAV audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runFile(cmd.Context(), args[0])
		},
	}

	bindOutputFlags(cmd.Flags(), app)
	return cmd
}

func (a *appState) runFile(ctx context.Context, audioPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	audioPath = filepath.Clean(audioPath)
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return fmt.Errorf("audio file not found: %w", err)
	}

	listener := newConsoleListener(a.errWriter(), a.progressEnabled(), a.log())
	ctrl, err := a.startController(ctx, nil, listener)
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			a.log().Warn("engine host shutdown failed", zap.Error(err))
		}
	}()

	if err := a.waitEngine(ctx, ctrl); err != nil {
		return err
	}

	a.log().Info("transcribing...", zap.String("audio", audioPath), zap.String("model", a.settings.Engine.ModelID), zap.String("language", a.settings.Engine.Language))
	started := time.Now()
	if err := ctrl.TranscribeFile(data); err != nil {
		return fmt.Errorf("read %s: %w", audioPath, err)
	}
	if err := ctrl.Wait(ctx); err != nil {
		return err
	}

	result, err := listener.final(protocol.KindFile)
	if err != nil {
		return err
	}
	a.log().Info("transcription finished", zap.Duration("elapsed", time.Since(started)))
	return a.deliverTranscript(ctx, result)
}
