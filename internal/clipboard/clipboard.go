package clipboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("no clipboard command available")

const defaultTimeout = 4 * time.Second

type commandSpec struct {
	name string
	args []string
	// detached commands keep running to own the selection, so they are
	// fed and released instead of waited on.
	detached bool
}

var candidates = map[string][]commandSpec{
	"darwin": {
		{name: "pbcopy"},
	},
	"linux": {
		{name: "wl-copy"},
		{name: "xclip", args: []string{"-selection", "clipboard", "-in", "-silent"}, detached: true},
		{name: "xsel", args: []string{"--clipboard", "--input"}},
	},
}

// Copier writes transcripts to the system clipboard through the first
// clipboard tool found for the platform.
type Copier struct {
	GOOS     string
	LookPath func(string) (string, error)
	Timeout  time.Duration
}

// CopyText copies value with the clipboard tools of the running platform.
func CopyText(ctx context.Context, value string) error {
	return Copier{}.Copy(ctx, value)
}

func (c Copier) Copy(ctx context.Context, value string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	spec, path, err := c.detect()
	if err != nil {
		return err
	}
	if spec.detached {
		return copyDetached(path, spec.args, value)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	copyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(copyCtx, path, spec.args...)
	cmd.Stdin = strings.NewReader(value)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if runErr := cmd.Run(); runErr != nil {
		if errors.Is(copyCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("copy to clipboard via %s timed out: %w", spec.name, copyCtx.Err())
		}
		return fmt.Errorf("copy to clipboard via %s: %w", spec.name, runErr)
	}
	return nil
}

func (c Copier) detect() (commandSpec, string, error) {
	goos := c.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	for _, spec := range candidates[goos] {
		if path, err := lookPath(spec.name); err == nil {
			return spec, path, nil
		}
	}
	return commandSpec{}, "", ErrUnavailable
}

func copyDetached(path string, args []string, value string) error {
	cmd := exec.Command(path, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open clipboard stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start clipboard command: %w", err)
	}

	if _, err := io.WriteString(stdin, value); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("write clipboard data: %w", err)
	}

	if err := stdin.Close(); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("close clipboard stdin: %w", err)
	}

	_ = cmd.Process.Release()
	return nil
}
