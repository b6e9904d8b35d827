package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/metrics"
	"github.com/fmueller/voxstream/internal/protocol"
	"github.com/fmueller/voxstream/internal/schedule"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionActive = errors.New("controller: session already running")
	ErrNoSession     = errors.New("controller: no session running")
	ErrClosed        = errors.New("controller: closed")
	ErrHostGone      = errors.New("controller: engine host connection closed")
)

// Recorder is the capture device a live session reads from.
type Recorder interface {
	Start(ctx context.Context) error
	RecentSeconds(sec float64) audio.Buffer
	Stop() audio.Buffer
}

// Listener receives host responses for the current engine instance. Calls
// arrive one at a time on the controller's dispatch goroutine.
type Listener interface {
	Progress(protocol.Progress)
	Ready(protocol.Ready)
	Partial(protocol.Partial)
	Result(protocol.Result)
	FileProgress(protocol.FileProgress)
	Error(protocol.Error)
}

type Options struct {
	Transport protocol.Transport
	Recorder  Recorder
	Listener  Listener
	Config    engine.Config
	ChunkSec  float64
	NewTicker func(time.Duration) schedule.Ticker
	Decode    schedule.Decoder
	NewID     func() string
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Controller drives one engine host: it issues loads, runs capture sessions
// and routes responses for the current engine instance to the Listener.
type Controller struct {
	transport protocol.Transport
	recorder  Recorder
	listener  Listener
	chunkSec  float64
	newTicker func(time.Duration) schedule.Ticker
	decode    schedule.Decoder
	newID     func() string
	metrics   *metrics.Metrics
	logger    *zap.Logger

	outbox       *outbox
	hostGone     chan struct{}
	senderDone   chan struct{}
	dispatchDone chan struct{}

	sessionMu sync.Mutex
	session   *schedule.Scheduler

	mu         sync.Mutex
	cfg        engine.Config
	loadIssued bool
	engineID   string
	load       *loadState
	pending    map[string]struct{}
	waiters    []chan struct{}
	closed     bool
}

type loadState struct {
	done    chan struct{}
	backend engine.Kind
	err     error
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	listener := opts.Listener
	if listener == nil {
		listener = NopListener{}
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	c := &Controller{
		transport:    opts.Transport,
		recorder:     opts.Recorder,
		listener:     listener,
		chunkSec:     opts.ChunkSec,
		newTicker:    opts.NewTicker,
		decode:       opts.Decode,
		newID:        newID,
		metrics:      opts.Metrics,
		logger:       logger,
		outbox:       newOutbox(),
		hostGone:     make(chan struct{}),
		senderDone:   make(chan struct{}),
		dispatchDone: make(chan struct{}),
		cfg:          opts.Config,
		pending:      make(map[string]struct{}),
	}

	go c.sendLoop()
	go c.dispatch()
	return c
}

// SetEngineConfig replaces the engine instance. Responses still in flight
// from the previous instance are discarded when they arrive.
func (c *Controller) SetEngineConfig(cfg engine.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	id := c.newID()
	c.cfg = cfg
	c.engineID = id
	c.loadIssued = true
	c.load = &loadState{done: make(chan struct{})}
	c.mu.Unlock()

	c.logger.Debug("issuing engine load", zap.String("engine_id", id), zap.String("backend", string(cfg.Backend)), zap.String("model", cfg.ModelID))
	c.outbox.push(protocol.Load{EngineID: id, Config: cfg})
	return id, nil
}

// EnsureLoaded issues a load with the current config unless one was issued
// already.
func (c *Controller) EnsureLoaded() error {
	c.mu.Lock()
	issued := c.loadIssued
	cfg := c.cfg
	c.mu.Unlock()

	if issued {
		return nil
	}
	_, err := c.SetEngineConfig(cfg)
	return err
}

// WaitReady blocks until the current engine instance is ready or failed to
// load.
func (c *Controller) WaitReady(ctx context.Context) (engine.Kind, error) {
	if err := c.EnsureLoaded(); err != nil {
		return "", err
	}

	c.mu.Lock()
	load := c.load
	c.mu.Unlock()

	select {
	case <-load.done:
		return load.backend, load.err
	case <-c.dispatchDone:
		select {
		case <-load.done:
			return load.backend, load.err
		default:
			return "", ErrHostGone
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// StartSession starts capture and the chunk scheduler. When the device
// cannot be acquired the error is returned and no session exists.
func (c *Controller) StartSession(ctx context.Context) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.session != nil {
		return ErrSessionActive
	}
	if c.recorder == nil {
		return errors.New("controller: no recorder configured")
	}
	if err := c.EnsureLoaded(); err != nil {
		return err
	}

	if err := c.recorder.Start(ctx); err != nil {
		return err
	}

	session := schedule.New(c.recorder, c.submit, schedule.Options{
		ChunkSec:  c.chunkSec,
		NewTicker: c.newTicker,
		Logger:    c.logger,
	})
	if err := session.Start(); err != nil {
		c.recorder.Stop()
		return err
	}

	c.session = session
	c.logger.Info("session started", zap.Duration("interval", session.Interval()))
	return nil
}

// StopSession stops capture and submits the final request for the session.
func (c *Controller) StopSession() error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.session == nil {
		return ErrNoSession
	}
	err := c.session.Stop()
	c.session = nil
	c.logger.Info("session stopped")
	return err
}

// TranscribeFile decodes an audio file and submits it as a single request.
func (c *Controller) TranscribeFile(data []byte) error {
	if err := c.EnsureLoaded(); err != nil {
		return err
	}
	return schedule.TranscribeFile(data, c.decode, c.submit)
}

// Wait blocks until every submitted request has its terminal response.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends a running session, flushes queued requests, shuts the transport
// down and waits for the remaining responses.
func (c *Controller) Close() error {
	var errs []error
	if err := c.StopSession(); err != nil && !errors.Is(err, ErrNoSession) {
		errs = append(errs, err)
	}

	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	c.outbox.close()
	<-c.senderDone
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine host: %w", err))
	}
	<-c.dispatchDone
	return errors.Join(errs...)
}

func (c *Controller) submit(kind protocol.Kind, buf audio.Buffer) {
	id := c.newID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("dropping request after close", zap.String("kind", string(kind)))
		return
	}
	c.pending[id] = struct{}{}
	c.mu.Unlock()

	c.logger.Debug("submitting transcription", zap.String("request_id", id), zap.String("kind", string(kind)), zap.Duration("audio", buf.Duration()))
	c.outbox.push(protocol.Transcribe{RequestID: id, Kind: kind, Audio: buf})
}

func (c *Controller) sendLoop() {
	defer close(c.senderDone)

	for {
		reqs, closed := c.outbox.drain()
		if len(reqs) == 0 {
			if closed {
				return
			}
			select {
			case <-c.outbox.wake:
			case <-c.hostGone:
				return
			}
			continue
		}

		for _, req := range reqs {
			select {
			case c.transport.Requests() <- req:
			case <-c.hostGone:
				return
			}
		}
	}
}

func (c *Controller) dispatch() {
	defer close(c.dispatchDone)

	for resp := range c.transport.Responses() {
		c.route(resp)
	}
	close(c.hostGone)

	c.mu.Lock()
	lost := len(c.pending)
	c.mu.Unlock()
	if lost > 0 {
		c.logger.Warn("engine host closed with unanswered requests", zap.Int("requests", lost))
		c.listener.Error(protocol.Error{Code: protocol.CodeInternal, Message: ErrHostGone.Error()})
	}

	c.mu.Lock()
	if c.load != nil {
		c.load.finish("", ErrHostGone)
	}
	c.pending = make(map[string]struct{})
	c.notifyIdleLocked()
	c.mu.Unlock()
}

// route hands resp to the listener before settling its request, so Wait and
// WaitReady return only after the listener has seen the response.
func (c *Controller) route(resp protocol.Response) {
	c.mu.Lock()
	current := c.engineID
	load := c.load
	c.mu.Unlock()

	stale := resp.Engine() != current
	if stale {
		c.metrics.ObserveStale()
		c.logger.Debug("dropping stale response", zap.String("engine_id", resp.Engine()), zap.String("current", current), zap.String("type", fmt.Sprintf("%T", resp)))
	} else {
		c.deliver(resp)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !stale && load != nil {
		switch r := resp.(type) {
		case protocol.Ready:
			load.finish(r.Backend, nil)
		case protocol.Error:
			if r.RequestID == "" {
				load.finish("", r.Err())
			}
		}
	}
	if id, ok := protocol.Terminal(resp); ok {
		delete(c.pending, id)
		if len(c.pending) == 0 {
			c.notifyIdleLocked()
		}
	}
}

func (c *Controller) deliver(resp protocol.Response) {
	switch r := resp.(type) {
	case protocol.Progress:
		c.listener.Progress(r)
	case protocol.Ready:
		c.listener.Ready(r)
	case protocol.Partial:
		c.listener.Partial(r)
	case protocol.Result:
		c.listener.Result(r)
	case protocol.FileProgress:
		c.listener.FileProgress(r)
	case protocol.Error:
		c.logger.Debug("engine host reported error", zap.String("request_id", r.RequestID), zap.String("code", string(r.Code)), zap.String("message", r.Message))
		c.listener.Error(r)
	}
}

func (c *Controller) notifyIdleLocked() {
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
}

func (l *loadState) finish(backend engine.Kind, err error) {
	select {
	case <-l.done:
		return
	default:
	}
	l.backend = backend
	l.err = err
	close(l.done)
}

// NopListener ignores every response.
type NopListener struct{}

func (NopListener) Progress(protocol.Progress)         {}
func (NopListener) Ready(protocol.Ready)               {}
func (NopListener) Partial(protocol.Partial)           {}
func (NopListener) Result(protocol.Result)             {}
func (NopListener) FileProgress(protocol.FileProgress) {}
func (NopListener) Error(protocol.Error)               {}
