package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/fmueller/voxstream/internal/controller"
	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/protocol"
	"github.com/fmueller/voxstream/internal/record"
	"github.com/fmueller/voxstream/internal/whisper"
	"go.uber.org/zap"
)

// connect starts the engine host: in-process by default, or over WebSocket
// when --remote is set.
func (a *appState) connect(ctx context.Context) (protocol.Transport, error) {
	if a.remote != "" {
		a.log().Info("connecting to remote engine host", zap.String("url", a.remote))
		conn, err := protocol.Dial(ctx, a.remote, a.log())
		if err != nil {
			return nil, fmt.Errorf("connect to engine host %s: %w", a.remote, err)
		}
		return conn, nil
	}

	backends, err := a.engineBackends()
	if err != nil {
		return nil, err
	}
	host := protocol.NewHost(engine.New(backends, a.log()), protocol.HostOptions{Logger: a.log(), Metrics: a.metrics})
	return protocol.StartLocal(ctx, host), nil
}

// engineBackends lists the backends in auto-selection order.
func (a *appState) engineBackends() ([]engine.Backend, error) {
	modelDir, err := a.modelStorageDir()
	if err != nil {
		return nil, err
	}
	accelerated := whisper.NewBackend(modelDir, a.log())
	// Model download progress reaches the terminal through the protocol.
	accelerated.NoProgress = true
	return []engine.Backend{accelerated, engine.PortableBackend{}}, nil
}

func (a *appState) newRecorder() (controller.Recorder, error) {
	backends, err := record.HostBackends()
	if err != nil {
		return nil, err
	}
	return record.NewRecorder(backends, a.settings.CaptureBackend, record.Config{
		Input:  a.settings.Input,
		Format: a.inputFormat,
		Logger: a.log(),
	}), nil
}

// startController connects to the engine host and issues the load for the
// effective engine config.
func (a *appState) startController(ctx context.Context, rec controller.Recorder, listener *consoleListener) (*controller.Controller, error) {
	connect := a.connectFn
	if connect == nil {
		connect = a.connect
	}
	transport, err := connect(ctx)
	if err != nil {
		return nil, err
	}

	ctrl := controller.New(controller.Options{
		Transport: transport,
		Recorder:  rec,
		Listener:  listener,
		Config:    a.settings.Engine,
		ChunkSec:  a.settings.ChunkSec,
		Logger:    a.log(),
		Metrics:   a.metrics,
	})
	if _, err := ctrl.SetEngineConfig(a.settings.Engine); err != nil {
		_ = ctrl.Close()
		return nil, err
	}
	return ctrl, nil
}

func (a *appState) waitEngine(ctx context.Context, ctrl *controller.Controller) error {
	backend, err := ctrl.WaitReady(ctx)
	if err != nil {
		return fmt.Errorf("load engine: %w", err)
	}
	if backend == engine.KindPortable {
		a.log().Warn("accelerated engine unavailable; transcripts are placeholders")
	}
	return nil
}

func (a *appState) runLive(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	interactive := a.duration <= 0
	if interactive {
		if err := record.RequireTerminal(a.inReader()); err != nil {
			return err
		}
	}

	newRecorder := a.newRecorderFn
	if newRecorder == nil {
		newRecorder = a.newRecorder
	}
	rec, err := newRecorder()
	if err != nil {
		return err
	}
	gate := &gatedRecorder{Recorder: rec, enabled: a.silenceGate, thresholdDBFS: a.silenceDBFS, logger: a.log()}

	listener := newConsoleListener(a.errWriter(), a.progressEnabled(), a.log())
	ctrl, err := a.startController(ctx, gate, listener)
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

	stdin := bufio.NewReader(a.inReader())
	if interactive && !a.immediate {
		if err := record.WaitForEnter(stdin, a.errWriter(), "Press Enter to start recording."); err != nil {
			return err
		}
	}

	if err := ctrl.StartSession(ctx); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}

	var status *liveStatus
	if interactive {
		status = startSpinner(a.progressEnabled(), a.errWriter(), "Recording")
	} else {
		status = startDurationProgress(a.progressEnabled(), a.errWriter(), "Recording", a.duration)
	}
	listener.setStatus(status)

	stopErr := a.waitForStop(ctx, stdin, interactive)

	listener.setStatus(nil)
	status.Stop()
	if err := ctrl.StopSession(); err != nil {
		return err
	}
	if stopErr != nil {
		return stopErr
	}

	if err := ctrl.Wait(ctx); err != nil {
		return err
	}

	result, err := listener.final(protocol.KindFinal)
	if err != nil {
		return err
	}
	if gate.silent() {
		result.Text, result.Placeholder = "", false
	}
	return a.deliverTranscript(ctx, result)
}

// waitForStop blocks until Enter, the configured duration or cancellation.
func (a *appState) waitForStop(ctx context.Context, stdin *bufio.Reader, interactive bool) error {
	if !interactive {
		timer := time.NewTimer(a.duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	entered := make(chan error, 1)
	go func() {
		entered <- record.WaitForEnter(stdin, a.errWriter(), "Recording. Press Enter to stop.")
	}()

	select {
	case err := <-entered:
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gatedRecorder drops the final capture before inference when it is
// near-silent. Stop runs on the goroutine that stops the session.
type gatedRecorder struct {
	controller.Recorder
	enabled       bool
	thresholdDBFS float64
	logger        *zap.Logger

	wasSilent bool
}

func (g *gatedRecorder) Stop() audio.Buffer {
	buf := g.Recorder.Stop()
	g.wasSilent = false
	if !g.enabled {
		return buf
	}

	silent, metrics := audio.IsSilent(buf, g.thresholdDBFS)
	if !silent {
		return buf
	}

	g.wasSilent = true
	g.logger.Info(
		"audio considered silent; skipping transcription",
		zap.Float64("rms_dbfs", metrics.RMSdBFS),
		zap.Float64("peak_dbfs", metrics.PeakdBFS),
		zap.Float64("threshold_dbfs", g.thresholdDBFS),
	)
	return audio.Buffer{Rate: buf.Rate}
}

func (g *gatedRecorder) silent() bool {
	return g.wasSilent
}
