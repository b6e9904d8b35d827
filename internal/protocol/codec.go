package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/fmueller/voxstream/internal/audio"
	"github.com/fmueller/voxstream/internal/engine"
)

const (
	typeLoad            = "load"
	typeTranscribeChunk = "transcribe-chunk"
	typeTranscribeFinal = "transcribe-final"
	typeTranscribeFile  = "transcribe-file"
	typeReady           = "ready"
	typeProgress        = "progress"
	typePartial         = "partial"
	typeResult          = "result"
	typeFileProgress    = "file-progress"
	typeError           = "error"
)

var transcribeTypes = map[Kind]string{
	KindPartial: typeTranscribeChunk,
	KindFinal:   typeTranscribeFinal,
	KindFile:    typeTranscribeFile,
}

// envelope is the JSON shape of every message on the wire. Audio is carried
// as base64 encoded little-endian float32 samples.
type envelope struct {
	Type      string `json:"type"`
	EngineID  string `json:"engineId,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	*engine.Config

	PCM        string `json:"pcm16k,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`

	Backend     engine.Kind `json:"backend,omitempty"`
	Progress    *float64    `json:"progress,omitempty"`
	Pct         *int        `json:"pct,omitempty"`
	Kind        Kind        `json:"kind,omitempty"`
	Text        *string     `json:"text,omitempty"`
	Placeholder bool        `json:"placeholder,omitempty"`
	Code        Code        `json:"code,omitempty"`
	Error       string      `json:"error,omitempty"`
}

func EncodeRequest(req Request) ([]byte, error) {
	var env envelope
	switch r := req.(type) {
	case Load:
		cfg := r.Config
		env = envelope{Type: typeLoad, EngineID: r.EngineID, Config: &cfg}
	case Transcribe:
		typ, ok := transcribeTypes[r.Kind]
		if !ok {
			return nil, fmt.Errorf("encode request: unknown transcription kind %q", r.Kind)
		}
		env = envelope{
			Type:       typ,
			RequestID:  r.RequestID,
			PCM:        encodePCM(r.Audio.Samples),
			SampleRate: r.Audio.Rate,
		}
	default:
		return nil, fmt.Errorf("encode request: unsupported type %T", req)
	}
	return json.Marshal(env)
}

func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	switch env.Type {
	case typeLoad:
		var cfg engine.Config
		if env.Config != nil {
			cfg = *env.Config
		}
		return Load{EngineID: env.EngineID, Config: cfg}, nil
	case typeTranscribeChunk, typeTranscribeFinal, typeTranscribeFile:
		samples, err := decodePCM(env.PCM)
		if err != nil {
			return nil, fmt.Errorf("decode request %s: %w", env.RequestID, err)
		}
		rate := env.SampleRate
		if rate == 0 {
			rate = audio.TargetRate
		}
		return Transcribe{
			RequestID: env.RequestID,
			Kind:      kindForType(env.Type),
			Audio:     audio.Buffer{Samples: samples, Rate: rate},
		}, nil
	default:
		return nil, fmt.Errorf("decode request: unknown type %q", env.Type)
	}
}

func EncodeResponse(resp Response) ([]byte, error) {
	var env envelope
	switch r := resp.(type) {
	case Ready:
		env = envelope{Type: typeReady, EngineID: r.EngineID, Backend: r.Backend}
	case Progress:
		fraction := r.Fraction
		env = envelope{Type: typeProgress, EngineID: r.EngineID, Progress: &fraction}
	case Partial:
		text := r.Text
		env = envelope{Type: typePartial, EngineID: r.EngineID, RequestID: r.RequestID, Text: &text, Placeholder: r.Placeholder}
	case Result:
		text := r.Text
		env = envelope{Type: typeResult, EngineID: r.EngineID, RequestID: r.RequestID, Kind: r.Kind, Text: &text, Placeholder: r.Placeholder}
	case FileProgress:
		pct := r.Percent
		env = envelope{Type: typeFileProgress, EngineID: r.EngineID, RequestID: r.RequestID, Pct: &pct}
	case Error:
		env = envelope{Type: typeError, EngineID: r.EngineID, RequestID: r.RequestID, Code: r.Code, Error: r.Message}
	default:
		return nil, fmt.Errorf("encode response: unsupported type %T", resp)
	}
	return json.Marshal(env)
}

func DecodeResponse(data []byte) (Response, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	switch env.Type {
	case typeReady:
		return Ready{EngineID: env.EngineID, Backend: env.Backend}, nil
	case typeProgress:
		return Progress{EngineID: env.EngineID, Fraction: deref(env.Progress)}, nil
	case typePartial:
		return Partial{EngineID: env.EngineID, RequestID: env.RequestID, Text: deref(env.Text), Placeholder: env.Placeholder}, nil
	case typeResult:
		kind := env.Kind
		if kind == "" {
			kind = KindFinal
		}
		return Result{EngineID: env.EngineID, RequestID: env.RequestID, Kind: kind, Text: deref(env.Text), Placeholder: env.Placeholder}, nil
	case typeFileProgress:
		return FileProgress{EngineID: env.EngineID, RequestID: env.RequestID, Percent: deref(env.Pct)}, nil
	case typeError:
		code := env.Code
		if code == "" {
			code = CodeInternal
		}
		return Error{EngineID: env.EngineID, RequestID: env.RequestID, Code: code, Message: env.Error}, nil
	default:
		return nil, fmt.Errorf("decode response: unknown type %q", env.Type)
	}
}

// decodeOrInvalid never fails: undecodable frames become invalid requests
// carrying whatever request id could be recovered.
func decodeOrInvalid(data []byte) Request {
	req, err := DecodeRequest(data)
	if err == nil {
		return req
	}

	var probe struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(data, &probe)
	return invalid{RequestID: probe.RequestID, Err: err}
}

func kindForType(typ string) Kind {
	for kind, t := range transcribeTypes {
		if t == typ {
			return kind
		}
	}
	return ""
}

func encodePCM(samples []float32) string {
	raw := make([]byte, len(samples)*4)
	for i, sample := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(sample))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodePCM(encoded string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("pcm16k: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, errors.New("pcm16k: length is not a multiple of 4 bytes")
	}

	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples, nil
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}
