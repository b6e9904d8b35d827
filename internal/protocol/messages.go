package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/record"
)

// Kind tells the host which terminal response a transcription owes.
type Kind string

const (
	KindPartial Kind = "partial"
	KindFinal   Kind = "final"
	KindFile    Kind = "file"
)

// Request travels from the controller to the engine host.
type Request interface {
	isRequest()
}

// Load replaces the host's engine instance. EngineID tags every response the
// new instance produces.
type Load struct {
	EngineID string
	Config   engine.Config
}

// Transcribe asks the current instance to transcribe 16 kHz mono audio.
type Transcribe struct {
	RequestID string
	Kind      Kind
	Audio     audio.Buffer
}

// invalid carries a request the transport could not decode, so the host
// can answer it in order.
type invalid struct {
	RequestID string
	Err       error
}

func (Load) isRequest()       {}
func (Transcribe) isRequest() {}
func (invalid) isRequest()    {}

// Response travels from the engine host to the controller.
type Response interface {
	Engine() string
	isResponse()
}

type Ready struct {
	EngineID string
	Backend  engine.Kind
}

// Progress reports model load progress as a fraction in [0,1].
type Progress struct {
	EngineID string
	Fraction float64
}

type Partial struct {
	EngineID    string
	RequestID   string
	Text        string
	Placeholder bool
}

type Result struct {
	EngineID    string
	RequestID   string
	Kind        Kind
	Text        string
	Placeholder bool
}

type FileProgress struct {
	EngineID  string
	RequestID string
	Percent   int
}

// Error answers a Load (empty RequestID) or a Transcribe that failed.
type Error struct {
	EngineID  string
	RequestID string
	Code      Code
	Message   string
}

func (r Ready) Engine() string        { return r.EngineID }
func (r Progress) Engine() string     { return r.EngineID }
func (r Partial) Engine() string      { return r.EngineID }
func (r Result) Engine() string       { return r.EngineID }
func (r FileProgress) Engine() string { return r.EngineID }
func (r Error) Engine() string        { return r.EngineID }

func (Ready) isResponse()        {}
func (Progress) isResponse()     {}
func (Partial) isResponse()      {}
func (Result) isResponse()       {}
func (FileProgress) isResponse() {}
func (Error) isResponse()        {}

// Terminal returns the request a response completes, if any.
func Terminal(resp Response) (string, bool) {
	switch r := resp.(type) {
	case Partial:
		return r.RequestID, true
	case Result:
		return r.RequestID, true
	case Error:
		return r.RequestID, r.RequestID != ""
	default:
		return "", false
	}
}

type Code string

const (
	CodeBackendUnsupported Code = "backend_unsupported"
	CodeLoadFailed         Code = "engine_load_failed"
	CodeNotReady           Code = "engine_not_ready"
	CodeTranscribeFailed   Code = "transcribe_failed"
	CodeDecodeFailed       Code = "decode_failed"
	CodeDeviceUnavailable  Code = "device_unavailable"
	CodeBadRequest         Code = "bad_request"
	CodeCanceled           Code = "canceled"
	CodeInternal           Code = "internal"
)

var ErrBadRequest = errors.New("protocol: bad request")

var codeErrors = []struct {
	code Code
	err  error
}{
	{CodeBackendUnsupported, engine.ErrBackendUnsupported},
	{CodeLoadFailed, engine.ErrEngineLoadFailed},
	{CodeNotReady, engine.ErrEngineNotReady},
	{CodeTranscribeFailed, engine.ErrTranscribeFailed},
	{CodeDecodeFailed, audio.ErrDecodeFailed},
	{CodeDeviceUnavailable, record.ErrDeviceUnavailable},
	{CodeBadRequest, ErrBadRequest},
	{CodeCanceled, context.Canceled},
	{CodeCanceled, context.DeadlineExceeded},
}

// ErrorCode maps an error onto its wire code.
func ErrorCode(err error) Code {
	for _, entry := range codeErrors {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}

// Err turns a wire error back into an error matching the sentinel for its
// code.
func (r Error) Err() error {
	for _, entry := range codeErrors {
		if entry.code == r.Code {
			return fmt.Errorf("%w (remote: %s)", entry.err, r.Message)
		}
	}
	return errors.New(r.Message)
}

func errorResponse(engineID, requestID string, err error) Error {
	return Error{
		EngineID:  engineID,
		RequestID: requestID,
		Code:      ErrorCode(err),
		Message:   err.Error(),
	}
}
