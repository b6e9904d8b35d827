package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/stretchr/testify/require"
)

func TestRunFileTranscribesWAV(t *testing.T) {
	t.Parallel()

	app := newTestApp(t)
	app.copyTranscript = true

	require.NoError(t, app.runFile(context.Background(), writeTestWAV(t, 44100, 44100)))
	require.Equal(t, "len:16000\n", app.stdout.String())
	require.Equal(t, []string{"len:16000"}, app.copied)
}

func TestRunFileRejectsUndecodableAudio(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not audio"), 0o644))

	app := newTestApp(t)
	err := app.runFile(context.Background(), path)
	require.ErrorIs(t, err, audio.ErrDecodeFailed)
	require.Empty(t, app.stdout.String())
}

func TestRunFileMissingFile(t *testing.T) {
	t.Parallel()

	app := newTestApp(t)
	err := app.runFile(context.Background(), "/no/such/file.wav")
	require.ErrorContains(t, err, "audio file not found")
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestTranscribeCommandUsesOutputFlags(t *testing.T) {
	t.Parallel()

	app := newTestApp(t)
	cmd := newTranscribeCmd(app.appState)
	cmd.SetOut(app.stdout)
	cmd.SetErr(app.stderr)
	cmd.SetArgs([]string{"--copy", writeTestWAV(t, 16000, 16000)})

	require.NoError(t, cmd.Execute())
	require.Equal(t, "len:16000\n", app.stdout.String())
	require.Equal(t, []string{"len:16000"}, app.copied)
}
