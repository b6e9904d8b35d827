package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fmueller/voxstream/internal/protocol"
	"go.uber.org/zap"
)

const maxStatusText = 60

var errNoTranscript = errors.New("engine host returned no transcript")

// consoleListener renders host responses on the terminal and keeps the
// terminal responses for the command to pick up.
type consoleListener struct {
	out      io.Writer
	progress bool
	logger   *zap.Logger

	mu       sync.Mutex
	status   *liveStatus
	loadBar  *percentBar
	fileBar  *percentBar
	results  []protocol.Result
	failures []protocol.Error
}

func newConsoleListener(out io.Writer, progress bool, logger *zap.Logger) *consoleListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &consoleListener{out: out, progress: progress, logger: logger}
}

func (l *consoleListener) setStatus(status *liveStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = status
}

func (l *consoleListener) Progress(p protocol.Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loadBar == nil {
		l.loadBar = newPercentBar(l.progress, l.out, "Loading model")
	}
	l.loadBar.Set(int(p.Fraction * 100))
}

func (l *consoleListener) Ready(r protocol.Ready) {
	l.mu.Lock()
	l.loadBar.Finish()
	l.loadBar = nil
	l.mu.Unlock()

	l.logger.Info("engine ready", zap.String("backend", string(r.Backend)))
}

func (l *consoleListener) Partial(p protocol.Partial) {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != nil {
		l.status.Describe("Recording: " + clipText(text, maxStatusText))
		return
	}
	fmt.Fprintf(l.out, "partial: %s\n", text)
}

func (l *consoleListener) Result(r protocol.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.Kind == protocol.KindFile {
		l.fileBar.Finish()
		l.fileBar = nil
	}
	l.results = append(l.results, r)
}

func (l *consoleListener) FileProgress(f protocol.FileProgress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileBar == nil {
		l.fileBar = newPercentBar(l.progress, l.out, "Transcribing")
	}
	l.fileBar.Set(f.Percent)
}

func (l *consoleListener) Error(e protocol.Error) {
	l.mu.Lock()
	l.loadBar.Finish()
	l.loadBar = nil
	l.fileBar.Finish()
	l.fileBar = nil
	if e.RequestID != "" {
		l.failures = append(l.failures, e)
	}
	l.mu.Unlock()

	l.logger.Warn("engine host error", zap.String("request_id", e.RequestID), zap.String("code", string(e.Code)), zap.String("message", e.Message))
}

// final returns the last result of kind, or the last request failure when no
// such result arrived.
func (l *consoleListener) final(kind protocol.Kind) (protocol.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.results) - 1; i >= 0; i-- {
		if l.results[i].Kind == kind {
			return l.results[i], nil
		}
	}
	if n := len(l.failures); n > 0 {
		return protocol.Result{}, fmt.Errorf("transcription failed: %w", l.failures[n-1].Err())
	}
	return protocol.Result{}, errNoTranscript
}

func clipText(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return "..." + string(runes[len(runes)-limit:])
}
