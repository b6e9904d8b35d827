package record

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var (
	// startupGrace is how long a capture process must survive before the
	// device counts as acquired.
	startupGrace = 250 * time.Millisecond
	stopTimeout  = 2 * time.Second
)

// commandStream reads raw little-endian float32 mono PCM from the stdout of a
// capture process.
type commandStream struct {
	name   string
	cmd    *exec.Cmd
	out    *os.File
	rate   int
	frame  int
	stderr *limitedBuffer
	logger *zap.Logger

	exited   chan struct{}
	waitErr  error
	readDone chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

func startCommandStream(ctx context.Context, name string, args []string, cfg Config) (*commandStream, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create capture pipe: %w", err)
	}

	stderr := &limitedBuffer{limit: 4096}
	cmd := exec.Command(name, args...)
	cmd.Stdout = pw
	cmd.Stderr = stderr

	logger.Debug("starting capture process", zap.String("command", name), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	_ = pw.Close()

	s := &commandStream{
		name:     name,
		cmd:      cmd,
		out:      pr,
		rate:     defaultSampleRate(cfg.SampleRate),
		frame:    defaultFrameSize(cfg.FrameSize),
		stderr:   stderr,
		logger:   logger,
		exited:   make(chan struct{}),
		readDone: make(chan struct{}),
	}

	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	timer := time.NewTimer(startupGrace)
	defer timer.Stop()

	select {
	case <-s.exited:
		_ = pr.Close()
		return nil, s.exitError()
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	case <-timer.C:
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.interrupt()
		case <-s.exited:
		}
	}()

	return s, nil
}

func (s *commandStream) SampleRate() int {
	return s.rate
}

func (s *commandStream) OnFrame(fn func(frame []float32)) {
	s.startOnce.Do(func() {
		go s.read(fn)
	})
}

func (s *commandStream) read(fn func(frame []float32)) {
	defer close(s.readDone)

	buf := make([]byte, s.frame*4)
	pending := 0
	for {
		n, err := s.out.Read(buf[pending:])
		pending += n

		whole := pending - pending%4
		if whole > 0 {
			fn(decodeFloat32LE(buf[:whole]))
			copy(buf, buf[whole:pending])
			pending -= whole
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("capture stream read failed", zap.String("command", s.name), zap.Error(err))
			}
			return
		}
	}
}

// Close stops the capture process, waits for buffered frames to drain and
// releases the pipe. It is safe to call more than once.
func (s *commandStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stop()
	})
	return s.closeErr
}

func (s *commandStream) stop() error {
	stopSignalSent := s.interrupt() == nil

	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-s.exited:
	case <-timer.C:
		s.logger.Warn("capture process ignored interrupt; killing", zap.String("command", s.name))
		_ = s.cmd.Process.Kill()
		<-s.exited
	}

	s.startOnce.Do(func() { close(s.readDone) })
	<-s.readDone
	_ = s.out.Close()

	err := s.waitErr
	if err == nil {
		return nil
	}

	if stopSignalSent {
		s.logger.Debug("capture process exited after stop signal", zap.Error(err))
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			s.logger.Debug("capture process stopped by signal", zap.String("signal", status.Signal().String()))
			return nil
		}
	}

	return s.exitError()
}

func (s *commandStream) interrupt() error {
	select {
	case <-s.exited:
		return os.ErrProcessDone
	default:
	}
	return s.cmd.Process.Signal(os.Interrupt)
}

func (s *commandStream) exitError() error {
	detail := strings.TrimSpace(s.stderr.String())
	err := s.waitErr
	if err == nil {
		err = errors.New("capture process exited")
	}
	if detail != "" {
		return fmt.Errorf("%s: %w (%s)", s.name, err, detail)
	}
	return fmt.Errorf("%s: %w", s.name, err)
}

func decodeFloat32LE(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
