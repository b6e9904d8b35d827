package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/fmueller/voxstream/internal/audio"
	"go.uber.org/zap"
)

var (
	ErrBackendUnsupported = errors.New("engine: backend unsupported")
	ErrEngineLoadFailed   = errors.New("engine: load failed")
	ErrEngineNotReady     = errors.New("engine: not ready")
	ErrTranscribeFailed   = errors.New("engine: transcribe failed")
	ErrLoadSuperseded     = errors.New("engine: load superseded by a newer load")
)

type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateError    State = "error"
)

// Engine owns at most one loaded model handle and tracks its lifecycle. Load
// may be called from any state and always discards the previous handle.
type Engine struct {
	backends []Backend
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	handle     Handle
	kind       Kind
	cfg        Config
	lastErr    error

	// inflight is read-held for the duration of every Transcribe so a
	// replaced handle is only closed once nobody is using it.
	inflight sync.RWMutex
}

func New(backends []Backend, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		backends: backends,
		logger:   logger,
		state:    StateUnloaded,
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Backend returns the kind of the backend serving the ready instance.
func (e *Engine) Backend() Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kind
}

func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Err returns the failure that moved the engine into StateError.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Load selects a backend for cfg and loads it. progress, when non-nil,
// receives non-decreasing fractions in [0,1]. If another Load starts before
// this one finishes, this one returns ErrLoadSuperseded and its handle is
// released.
func (e *Engine) Load(ctx context.Context, cfg Config, progress func(float64)) error {
	e.mu.Lock()
	e.generation++
	generation := e.generation
	previous := e.handle
	e.handle = nil
	e.kind = ""
	e.lastErr = nil
	e.state = StateLoading
	e.mu.Unlock()

	e.release(previous)

	if err := cfg.Validate(); err != nil {
		return e.fail(generation, fmt.Errorf("%w: %w", ErrEngineLoadFailed, err))
	}

	backend, err := Select(cfg.Backend, e.backends)
	if err != nil {
		return e.fail(generation, err)
	}

	e.logger.Info("loading engine",
		zap.String("backend", string(backend.Kind())),
		zap.String("model", cfg.ModelID),
		zap.String("model_source", string(cfg.ModelSource)),
		zap.String("language", cfg.Language),
	)

	reporter := &progressReporter{fn: progress}
	handle, err := backend.Load(ctx, cfg, reporter.report)
	if err := e.commit(generation, backend.Kind(), cfg, handle, err); err != nil {
		return err
	}
	reporter.report(1)
	return nil
}

func (e *Engine) commit(generation uint64, kind Kind, cfg Config, handle Handle, loadErr error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if generation != e.generation {
		if handle != nil {
			_ = handle.Close()
		}
		return ErrLoadSuperseded
	}

	if loadErr != nil {
		e.state = StateError
		e.lastErr = fmt.Errorf("%w: %w", ErrEngineLoadFailed, loadErr)
		e.logger.Warn("engine load failed", zap.String("backend", string(kind)), zap.Error(loadErr))
		return e.lastErr
	}

	e.handle = handle
	e.kind = kind
	e.cfg = cfg
	e.state = StateReady
	e.logger.Info("engine ready", zap.String("backend", string(kind)))
	return nil
}

func (e *Engine) fail(generation uint64, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if generation != e.generation {
		return ErrLoadSuperseded
	}
	e.state = StateError
	e.lastErr = err
	e.logger.Warn("engine load failed", zap.Error(err))
	return err
}

func (e *Engine) release(handle Handle) {
	if handle == nil {
		return
	}
	e.inflight.Lock()
	defer e.inflight.Unlock()
	if err := handle.Close(); err != nil {
		e.logger.Warn("close engine handle", zap.Error(err))
	}
}

// Transcribe runs inference on 16 kHz mono audio with the ready instance.
func (e *Engine) Transcribe(ctx context.Context, buf audio.Buffer) (Transcript, error) {
	e.mu.Lock()
	if e.state != StateReady || e.handle == nil {
		state := e.state
		e.mu.Unlock()
		return Transcript{}, fmt.Errorf("%w (state %s)", ErrEngineNotReady, state)
	}
	handle := e.handle
	e.inflight.RLock()
	e.mu.Unlock()
	defer e.inflight.RUnlock()

	transcript, err := handle.Transcribe(ctx, buf)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Transcript{}, err
		}
		return Transcript{}, fmt.Errorf("%w: %w", ErrTranscribeFailed, err)
	}
	return transcript, nil
}

// Close releases the loaded handle and returns the engine to unloaded.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.generation++
	handle := e.handle
	e.handle = nil
	e.kind = ""
	e.state = StateUnloaded
	e.mu.Unlock()

	e.release(handle)
	return nil
}

type progressReporter struct {
	fn   func(float64)
	last float64
	sent bool
}

func (p *progressReporter) report(fraction float64) {
	if p.fn == nil || math.IsNaN(fraction) {
		return
	}
	fraction = math.Max(0, math.Min(1, fraction))
	if p.sent && fraction <= p.last {
		return
	}
	p.last = fraction
	p.sent = true
	p.fn(fraction)
}
