package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/fmueller/voxstream/internal/platform"
	"go.uber.org/zap"
)

// PathEnv overrides where the whisper-cli executable is looked up.
const PathEnv = "VOXSTREAM_WHISPER_PATH"

type TranscriptionRequest struct {
	AudioPath string
	ModelPath string
	Language  string
}

// Runner transcribes one WAV file with a whisper model.
type Runner interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (string, error)
}

// CLI runs a whisper.cpp whisper-cli executable once per request.
type CLI struct {
	Path    string
	Threads int
	Logger  *zap.Logger
}

// LocateCLI finds whisper-cli: PathEnv first, then the install layout next
// to the running binary, then PATH.
func LocateCLI(logger *zap.Logger) (*CLI, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if override := strings.TrimSpace(os.Getenv(PathEnv)); override != "" {
		if err := checkExecutable(override); err != nil {
			return nil, fmt.Errorf("%s is not executable: %w", PathEnv, err)
		}
		return &CLI{Path: override, Logger: logger}, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve voxstream executable path: %w", err)
	}
	path, err := FindCLI(self)
	if err != nil {
		return nil, err
	}
	return &CLI{Path: path, Logger: logger}, nil
}

// FindCLI returns the first executable candidate for selfExecutable's
// install layout, falling back to whisper-cli on PATH.
func FindCLI(selfExecutable string) (string, error) {
	for _, candidate := range cliCandidates(selfExecutable) {
		if checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath(cliName()); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("whisper-cli not found near %s or on PATH; install it under ../libexec/whisper/ or set %s", selfExecutable, PathEnv)
}

func cliCandidates(selfExecutable string) []string {
	dir := filepath.Dir(selfExecutable)
	name := cliName()
	target := runtime.GOOS + "_" + platform.NormalizeArch(runtime.GOARCH)

	return []string{
		filepath.Join(dir, "..", "libexec", "whisper", name),
		filepath.Join(dir, "libexec", "whisper", name),
		filepath.Join(dir, "packaging", "whisper", target, name),
		filepath.Join(dir, name),
	}
}

func (c *CLI) Transcribe(ctx context.Context, req TranscriptionRequest) (string, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return "", errors.New("audio path is required")
	}
	if strings.TrimSpace(req.ModelPath) == "" {
		return "", errors.New("model path is required")
	}
	if err := checkExecutable(c.Path); err != nil {
		return "", fmt.Errorf("whisper-cli missing or not executable: %w", err)
	}

	outDir, err := os.MkdirTemp("", "voxstream-whisper-")
	if err != nil {
		return "", fmt.Errorf("create whisper output dir: %w", err)
	}
	defer os.RemoveAll(outDir)
	outBase := filepath.Join(outDir, "transcript")

	args := c.args(req, outBase)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	c.log().Debug("running whisper-cli", zap.String("path", c.Path), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", c.explain(err, strings.TrimSpace(stderr.String()))
	}

	text, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}
	return strings.TrimSpace(string(text)), nil
}

func (c *CLI) args(req TranscriptionRequest, outBase string) []string {
	args := []string{"-m", req.ModelPath, "-f", req.AudioPath, "-nt", "-otxt", "-of", outBase}
	if lang := strings.TrimSpace(req.Language); lang != "" && lang != "auto" {
		args = append(args, "-l", lang)
	}
	if c.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(c.Threads))
	}
	return args
}

// runFailures turn known crash signatures into actionable errors.
var runFailures = []struct {
	patterns []string
	explain  func(path, stderr string) string
}{
	{
		patterns: []string{"error while loading shared libraries", "cannot open shared object file", "library not loaded", "image not found"},
		explain: func(path, stderr string) string {
			return fmt.Sprintf("whisper-cli at %s is missing required shared libraries (%s); rebuild it with BUILD_SHARED_LIBS=OFF or install the libraries", path, stderr)
		},
	},
	{
		patterns: []string{"illegal instruction"},
		explain: func(string, string) string {
			return "whisper-cli crashed with an illegal CPU instruction; your CPU may lack required instruction set extensions; set " + PathEnv + " to a whisper-cli binary built for your CPU"
		},
	},
}

func (c *CLI) explain(runErr error, stderr string) error {
	haystack := strings.ToLower(stderr + "\n" + runErr.Error())
	for _, failure := range runFailures {
		for _, pattern := range failure.patterns {
			if strings.Contains(haystack, pattern) {
				return errors.New(failure.explain(c.Path, stderr))
			}
		}
	}
	return fmt.Errorf("whisper transcribe failed: %w (%s)", runErr, stderr)
}

func (c *CLI) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func cliName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
