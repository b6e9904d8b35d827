package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/metrics"
	"go.uber.org/zap"
)

const (
	fileProgressStarted = 10
	fileProgressDone    = 100
)

type HostOptions struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Host serves one engine instance at a time to a single controller.
// Requests are handled strictly in arrival order, so results come back in
// the order their requests were submitted.
type Host struct {
	engine   *engine.Engine
	logger   *zap.Logger
	metrics  *metrics.Metrics
	engineID string
}

func NewHost(eng *engine.Engine, opts HostOptions) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{engine: eng, logger: logger, metrics: opts.Metrics}
}

// Serve processes requests until requests is closed or ctx is done. It
// closes responses and releases the engine before returning.
func (h *Host) Serve(ctx context.Context, requests <-chan Request, responses chan<- Response) error {
	defer close(responses)
	defer func() { _ = h.engine.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			if err := h.handle(ctx, req, responses); err != nil {
				return err
			}
		}
	}
}

func (h *Host) handle(ctx context.Context, req Request, responses chan<- Response) error {
	switch r := req.(type) {
	case Load:
		return h.load(ctx, r, responses)
	case Transcribe:
		return h.transcribe(ctx, r, responses)
	case invalid:
		h.logger.Warn("rejecting undecodable request", zap.String("request_id", r.RequestID), zap.Error(r.Err))
		return send(ctx, responses, errorResponse(h.engineID, r.RequestID, fmt.Errorf("%w: %w", ErrBadRequest, r.Err)))
	default:
		return send(ctx, responses, errorResponse(h.engineID, "", fmt.Errorf("%w: unsupported request %T", ErrBadRequest, req)))
	}
}

func (h *Host) load(ctx context.Context, req Load, responses chan<- Response) error {
	h.engineID = req.EngineID

	var sendErr error
	loadErr := h.engine.Load(ctx, req.Config, func(fraction float64) {
		if sendErr == nil {
			sendErr = send(ctx, responses, Progress{EngineID: req.EngineID, Fraction: fraction})
		}
	})
	if sendErr != nil {
		return sendErr
	}

	backend := h.engine.Backend()
	if loadErr != nil {
		h.metrics.ObserveLoad(string(req.Config.Backend), loadErr)
		return send(ctx, responses, errorResponse(req.EngineID, "", loadErr))
	}

	h.metrics.ObserveLoad(string(backend), nil)
	return send(ctx, responses, Ready{EngineID: req.EngineID, Backend: backend})
}

func (h *Host) transcribe(ctx context.Context, req Transcribe, responses chan<- Response) error {
	logger := h.logger.With(zap.String("request_id", req.RequestID), zap.String("kind", string(req.Kind)))

	if err := validateTranscribe(req); err != nil {
		h.metrics.ObserveTranscription(string(req.Kind), 0, err)
		return send(ctx, responses, errorResponse(h.engineID, req.RequestID, err))
	}

	if state := h.engine.State(); state != engine.StateReady {
		err := fmt.Errorf("%w (state %s)", engine.ErrEngineNotReady, state)
		h.metrics.ObserveTranscription(string(req.Kind), 0, err)
		return send(ctx, responses, errorResponse(h.engineID, req.RequestID, err))
	}

	buf := req.Audio
	if buf.Len() > 0 && buf.Rate != audio.TargetRate {
		buf = audio.Resample(buf, audio.TargetRate)
	}

	if req.Kind == KindFile {
		if err := send(ctx, responses, FileProgress{EngineID: h.engineID, RequestID: req.RequestID, Percent: fileProgressStarted}); err != nil {
			return err
		}
	}

	started := time.Now()
	transcript, err := h.engine.Transcribe(ctx, buf)
	elapsed := time.Since(started)
	h.metrics.ObserveTranscription(string(req.Kind), elapsed, err)
	if err != nil {
		logger.Warn("transcription failed", zap.Error(err))
		return send(ctx, responses, errorResponse(h.engineID, req.RequestID, err))
	}
	logger.Debug("transcription done", zap.Duration("elapsed", elapsed), zap.Duration("audio", buf.Duration()))

	switch req.Kind {
	case KindPartial:
		return send(ctx, responses, Partial{
			EngineID:    h.engineID,
			RequestID:   req.RequestID,
			Text:        transcript.Text,
			Placeholder: transcript.Placeholder,
		})
	case KindFile:
		if err := send(ctx, responses, FileProgress{EngineID: h.engineID, RequestID: req.RequestID, Percent: fileProgressDone}); err != nil {
			return err
		}
	}

	return send(ctx, responses, Result{
		EngineID:    h.engineID,
		RequestID:   req.RequestID,
		Kind:        req.Kind,
		Text:        transcript.Text,
		Placeholder: transcript.Placeholder,
	})
}

func validateTranscribe(req Transcribe) error {
	switch req.Kind {
	case KindPartial, KindFinal, KindFile:
	default:
		return fmt.Errorf("%w: unknown transcription kind %q", ErrBadRequest, req.Kind)
	}
	if req.RequestID == "" {
		return fmt.Errorf("%w: request id is required", ErrBadRequest)
	}
	if req.Audio.Len() > 0 && req.Audio.Rate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive", ErrBadRequest)
	}
	return nil
}

func send(ctx context.Context, responses chan<- Response, resp Response) error {
	select {
	case responses <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
