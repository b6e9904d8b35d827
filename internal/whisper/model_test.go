package whisper

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveModelCatalogNames(t *testing.T) {
	t.Parallel()

	modelDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "ggml-base.bin"), []byte("ok"), 0o644))

	tests := []struct {
		ref          string
		wantName     string
		wantFile     string
		wantDownload bool
	}{
		{ref: "", wantName: DefaultModel, wantFile: "ggml-tiny.bin", wantDownload: true},
		{ref: "tiny", wantName: "tiny", wantFile: "ggml-tiny.bin", wantDownload: true},
		{ref: "base", wantName: "base", wantFile: "ggml-base.bin"},
		{ref: "onnx-community/whisper-base", wantName: "base", wantFile: "ggml-base.bin"},
		{ref: " Large-V3 ", wantName: "large-v3", wantFile: "ggml-large-v3.bin", wantDownload: true},
	}

	for _, tt := range tests {
		resolved, err := ResolveModel(tt.ref, modelDir)
		require.NoErrorf(t, err, "ref %q", tt.ref)
		require.Equal(t, tt.wantName, resolved.Name)
		require.Equal(t, filepath.Join(modelDir, tt.wantFile), resolved.Path)
		require.Equal(t, tt.wantDownload, resolved.NeedsDownload, "ref %q", tt.ref)
		require.False(t, resolved.IsCustomPath)
		require.True(t, strings.HasSuffix(resolved.URL, "/"+tt.wantFile))
	}
}

func TestResolveModelNamedModelNeedsDirectory(t *testing.T) {
	t.Parallel()

	_, err := ResolveModel("tiny", " ")
	require.ErrorContains(t, err, "model directory must not be empty")
}

func TestResolveModelCustomPath(t *testing.T) {
	t.Parallel()

	custom := filepath.Join(t.TempDir(), "custom.bin")
	require.NoError(t, os.WriteFile(custom, []byte("x"), 0o644))

	resolved, err := ResolveModel(custom, t.TempDir())
	require.NoError(t, err)
	require.True(t, resolved.IsCustomPath)
	require.Equal(t, custom, resolved.Path)
	require.Equal(t, "custom.bin", resolved.Name)

	_, err = ResolveModel(filepath.Join(t.TempDir(), "gone.bin"), t.TempDir())
	require.ErrorContains(t, err, "custom model path does not exist")
}

func TestResolveModelUnknownModel(t *testing.T) {
	t.Parallel()

	_, err := ResolveModel("super-huge", t.TempDir())
	require.ErrorContains(t, err, `unknown model "super-huge"`)
	require.ErrorContains(t, err, "large-v3")
}

func TestCatalogModelsHavePinnedChecksums(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"base", "large-v3", "medium", "small", "tiny"}, ModelNames())
	for _, name := range ModelNames() {
		model, ok := LookupModel(name)
		require.True(t, ok)
		require.Lenf(t, model.SHA256, 64, "model %s should have pinned sha256", name)
	}
}

func TestLookupModelResolvesAliases(t *testing.T) {
	t.Parallel()

	for alias, want := range map[string]string{
		"onnx-community/whisper-tiny": "tiny",
		"ggml-tiny":                   "tiny",
		"GGML-Base":                   "base",
		"openai/whisper-large-v3":     "large-v3",
	} {
		model, ok := LookupModel(alias)
		require.Truef(t, ok, "alias %s", alias)
		require.Equal(t, want, model.Name)
	}

	_, ok := LookupModel("whisper-tiny")
	require.False(t, ok)
}
