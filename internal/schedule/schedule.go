package schedule

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/fmueller/voxstream/internal/protocol"
	"go.uber.org/zap"
)

const (
	DefaultChunkSeconds = 5
	MinInterval         = 2 * time.Second
)

var (
	ErrSessionStopped = errors.New("schedule: session already stopped")
	errNotStarted     = errors.New("schedule: session not started")
)

// EffectiveInterval is the partial transcription cadence for a configured
// chunk length. Non-positive or invalid lengths fall back to the default
// before the 2 second floor is applied.
func EffectiveInterval(chunkSec float64) time.Duration {
	if math.IsNaN(chunkSec) || math.IsInf(chunkSec, 0) || chunkSec <= 0 {
		chunkSec = DefaultChunkSeconds
	}
	interval := time.Duration(chunkSec * float64(time.Second))
	if interval < MinInterval {
		return MinInterval
	}
	return interval
}

// Source is the capture side of a session.
type Source interface {
	RecentSeconds(sec float64) audio.Buffer
	Stop() audio.Buffer
}

// Submit hands a canonical 16 kHz buffer to the engine host. It must not
// block on transcription.
type Submit func(kind protocol.Kind, buf audio.Buffer)

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Options struct {
	ChunkSec  float64
	NewTicker func(d time.Duration) Ticker
	Logger    *zap.Logger
}

// Scheduler turns a running capture into periodic partial requests and one
// final request when the session stops.
type Scheduler struct {
	source   Source
	submit   Submit
	interval time.Duration
	logger   *zap.Logger

	newTicker func(time.Duration) Ticker

	mu       sync.Mutex
	started  bool
	stopped  bool
	ticker   Ticker
	quit     chan struct{}
	loopDone chan struct{}
}

func New(source Source, submit Submit, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newTicker := opts.NewTicker
	if newTicker == nil {
		newTicker = newTimeTicker
	}

	return &Scheduler{
		source:    source,
		submit:    submit,
		interval:  EffectiveInterval(opts.ChunkSec),
		logger:    logger,
		newTicker: newTicker,
	}
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start begins emitting partial requests every Interval.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSessionStopped
	}
	if s.started {
		return errors.New("schedule: session already started")
	}

	s.started = true
	s.ticker = s.newTicker(s.interval)
	s.quit = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.run(s.ticker, s.quit, s.loopDone)

	s.logger.Debug("chunk scheduler started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) run(ticker Ticker, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-quit:
			return
		case <-ticker.C():
			select {
			case <-quit:
				return
			default:
			}
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	window := s.source.RecentSeconds(s.interval.Seconds())
	if window.Len() == 0 {
		s.logger.Debug("skipping empty window")
		return
	}
	s.submit(protocol.KindPartial, audio.Resample(window, audio.TargetRate))
}

// Stop halts the ticker, waits for an in-flight tick to finish, stops the
// capture and submits the final request. No partial is submitted after it.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSessionStopped
	}
	if !s.started {
		return errNotStarted
	}
	s.stopped = true

	close(s.quit)
	<-s.loopDone
	s.ticker.Stop()

	full := s.source.Stop()
	final := audio.Resample(full, audio.TargetRate)
	s.logger.Debug("submitting final request", zap.Duration("captured", full.Duration()))
	s.submit(protocol.KindFinal, final)
	return nil
}

// Decoder turns an encoded audio file into samples.
type Decoder func(data []byte) (audio.Buffer, error)

// TranscribeFile decodes data, resamples it once and submits a single file
// request.
func TranscribeFile(data []byte, decode Decoder, submit Submit) error {
	if decode == nil {
		decode = audio.Decode
	}
	buf, err := decode(data)
	if err != nil {
		return err
	}
	if buf.Rate <= 0 {
		return fmt.Errorf("%w: sample rate %d", audio.ErrDecodeFailed, buf.Rate)
	}
	submit(protocol.KindFile, audio.Resample(buf, audio.TargetRate))
	return nil
}

type timeTicker struct {
	ticker *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }
