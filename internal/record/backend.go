package record

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"
)

var ErrInteractiveRequiresTTY = errors.New("interactive recording requires terminal input")
var ErrNoBackendAvailable = errors.New("no recording backend available")

const (
	DefaultSampleRate = 48000
	DefaultFrameSize  = 4096
)

type Config struct {
	SampleRate int
	FrameSize  int
	Input      string
	Format     string
	Logger     *zap.Logger
}

// Backend is a capture source able to open a live input stream.
type Backend interface {
	Name() string
	Available() bool
	Open(ctx context.Context, cfg Config) (Stream, error)
	ListDevices(ctx context.Context) (string, error)
}

// Stream delivers captured frames of mono float32 samples. Frames may vary in
// size and arrive in capture order on a single goroutine.
type Stream interface {
	SampleRate() int
	// OnFrame starts delivery. It must be called at most once.
	OnFrame(fn func(frame []float32))
	Close() error
}

func SelectBackend(backends []Backend, preferred string) (Backend, error) {
	if len(backends) == 0 {
		return nil, errors.New("no backends configured")
	}

	if preferred != "" && preferred != "auto" {
		for _, backend := range backends {
			if backend.Name() == preferred {
				if !backend.Available() {
					return nil, fmt.Errorf("requested backend %q is not available", preferred)
				}
				return backend, nil
			}
		}
		return nil, fmt.Errorf("unknown backend %q", preferred)
	}

	for _, backend := range backends {
		if backend.Available() {
			return backend, nil
		}
	}

	return nil, ErrNoBackendAvailable
}

func DefaultBackends(goos string) []Backend {
	switch goos {
	case "linux":
		return []Backend{pipeWireSource(), alsaSource(), ffmpegLinuxSource()}
	case "darwin":
		return []Backend{ffmpegMacSource()}
	default:
		return nil
	}
}

func HostBackends() ([]Backend, error) {
	backends := DefaultBackends(runtime.GOOS)
	if len(backends) == 0 {
		return nil, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
	return backends, nil
}

// openWithFallback opens the preferred backend first and then every other
// available one until a stream comes up.
func openWithFallback(ctx context.Context, backends []Backend, preferred string, cfg Config) (Stream, string, error) {
	orderedBackends, err := orderBackends(backends, preferred)
	if err != nil {
		return nil, "", err
	}

	var errs []error
	for _, backend := range orderedBackends {
		if !backend.Available() {
			errs = append(errs, fmt.Errorf("%s: backend is not available", backend.Name()))
			continue
		}

		stream, err := backend.Open(ctx, cfg)
		if err == nil {
			return stream, backend.Name(), nil
		}

		err = fmt.Errorf("%s: %w", backend.Name(), err)
		errs = append(errs, err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, "", err
		}
	}

	if len(errs) == 0 {
		return nil, "", ErrNoBackendAvailable
	}

	return nil, "", fmt.Errorf("open audio input with available backends: %w", errors.Join(errs...))
}

func orderBackends(backends []Backend, preferred string) ([]Backend, error) {
	if len(backends) == 0 {
		return nil, errors.New("no backends configured")
	}

	if preferred == "" || preferred == "auto" {
		return backends, nil
	}

	preferredIndex := -1
	for i, backend := range backends {
		if backend.Name() == preferred {
			preferredIndex = i
			break
		}
	}
	if preferredIndex == -1 {
		return nil, fmt.Errorf("unknown backend %q", preferred)
	}

	ordered := make([]Backend, 0, len(backends))
	ordered = append(ordered, backends[preferredIndex])
	for i, backend := range backends {
		if i == preferredIndex {
			continue
		}
		ordered = append(ordered, backend)
	}

	return ordered, nil
}

// WaitForEnter blocks until a line is read from in. A file that is not a
// terminal is rejected. Pass the same *bufio.Reader to successive calls so no
// buffered input is lost between them.
func WaitForEnter(in io.Reader, out io.Writer, message string) error {
	if err := RequireTerminal(in); err != nil {
		return err
	}

	if message != "" {
		if _, err := fmt.Fprintln(out, message); err != nil {
			return err
		}
	}

	reader := bufio.NewReader(in)
	_, err := reader.ReadString('\n')
	return err
}

// RequireTerminal rejects in when it is a file that is not a terminal.
// Check the underlying reader before wrapping it in a buffer.
func RequireTerminal(in io.Reader) error {
	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return ErrInteractiveRequiresTTY
	}
	return nil
}

func commandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func commandOutput(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		if trimmed != "" {
			return "", fmt.Errorf("%s %s failed: %w (%s)", name, strings.Join(args, " "), err, trimmed)
		}
		return "", fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return trimmed, nil
}

func defaultSampleRate(value int) int {
	if value <= 0 {
		return DefaultSampleRate
	}
	return value
}

func defaultFrameSize(value int) int {
	if value <= 0 {
		return DefaultFrameSize
	}
	return value
}
