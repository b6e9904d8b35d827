package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	DefaultModel = "tiny"
	modelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"
)

type Model struct {
	Name      string
	FileName  string
	URL       string
	SHA256    string
	SHA256URL string
	// Aliases are the ids earlier releases and browser builds used.
	Aliases []string
}

// ResolvedModel is a model reference mapped onto a file on disk.
type ResolvedModel struct {
	Name          string
	Path          string
	URL           string
	SHA256        string
	SHA256URL     string
	NeedsDownload bool
	IsCustomPath  bool
}

var catalog = []Model{
	ggml("tiny", "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21", "onnx-community/whisper-tiny"),
	ggml("base", "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe", "onnx-community/whisper-base"),
	ggml("small", "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b", "onnx-community/whisper-small"),
	ggml("medium", "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208", "onnx-community/whisper-medium"),
	ggml("large-v3", "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2", "openai/whisper-large-v3", "onnx-community/whisper-large-v3"),
}

func ggml(name, sha256 string, aliases ...string) Model {
	file := "ggml-" + name + ".bin"
	return Model{
		Name:     name,
		FileName: file,
		URL:      modelBaseURL + file,
		SHA256:   sha256,
		Aliases:  append([]string{"ggml-" + name}, aliases...),
	}
}

func ModelNames() []string {
	names := make([]string, 0, len(catalog))
	for _, model := range catalog {
		names = append(names, model.Name)
	}
	slices.Sort(names)
	return names
}

// LookupModel finds a catalog model by name or alias, ignoring case.
func LookupModel(name string) (Model, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, model := range catalog {
		if model.Name == key || slices.Contains(model.Aliases, key) {
			return model, true
		}
	}
	return Model{}, false
}

// ResolveModel maps modelRef onto a file: catalog names live in modelDir,
// anything that looks like a path must already exist.
func ResolveModel(modelRef, modelDir string) (ResolvedModel, error) {
	if strings.TrimSpace(modelRef) == "" {
		modelRef = DefaultModel
	}

	if model, ok := LookupModel(modelRef); ok {
		return resolveCatalogModel(model, modelDir)
	}
	if !looksLikePath(modelRef) {
		return ResolvedModel{}, fmt.Errorf("unknown model %q (known models: %s)", modelRef, strings.Join(ModelNames(), ", "))
	}
	return resolveCustomModel(modelRef)
}

func resolveCatalogModel(model Model, modelDir string) (ResolvedModel, error) {
	if strings.TrimSpace(modelDir) == "" {
		return ResolvedModel{}, errors.New("model directory must not be empty for named model")
	}

	path := filepath.Join(modelDir, model.FileName)
	missing := false
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("stat model path: %w", err)
		}
		missing = true
	}

	return ResolvedModel{
		Name:          model.Name,
		Path:          path,
		URL:           model.URL,
		SHA256:        model.SHA256,
		SHA256URL:     model.SHA256URL,
		NeedsDownload: missing,
	}, nil
}

func resolveCustomModel(ref string) (ResolvedModel, error) {
	path := filepath.Clean(ref)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("custom model path does not exist: %s", path)
		}
		return ResolvedModel{}, fmt.Errorf("stat custom model path: %w", err)
	}
	return ResolvedModel{Name: filepath.Base(path), Path: path, IsCustomPath: true}, nil
}

func looksLikePath(input string) bool {
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(strings.ToLower(input), ".bin")
}
