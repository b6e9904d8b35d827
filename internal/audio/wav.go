package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrDecodeFailed = errors.New("decode audio failed")

const wavFormatPCM = 1

// Decode reads a WAV file into a mono buffer at the file's native rate. Only
// the first channel of multi-channel files is kept.
func Decode(data []byte) (Buffer, error) {
	if len(data) == 0 {
		return Buffer{}, fmt.Errorf("%w: empty input", ErrDecodeFailed)
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Buffer{}, fmt.Errorf("%w: not a valid wav file", ErrDecodeFailed)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return Buffer{}, fmt.Errorf("%w: unsupported wav audio format %d", ErrDecodeFailed, dec.WavAudioFormat)
	}

	pcm, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return Buffer{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if pcm == nil {
		return Buffer{}, fmt.Errorf("%w: no pcm data", ErrDecodeFailed)
	}

	rate := int(dec.SampleRate)
	if rate <= 0 && pcm.Format != nil {
		rate = pcm.Format.SampleRate
	}
	if rate <= 0 {
		return Buffer{}, fmt.Errorf("%w: missing sample rate", ErrDecodeFailed)
	}

	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 {
		bitDepth = pcm.SourceBitDepth
	}
	if bitDepth <= 0 || bitDepth > 32 {
		return Buffer{}, fmt.Errorf("%w: unsupported bit depth %d", ErrDecodeFailed, bitDepth)
	}

	frames := len(pcm.Data) / channels
	out := make([]float32, frames)
	scale := float64(int64(1) << (bitDepth - 1))
	for i := 0; i < frames; i++ {
		v := float64(pcm.Data[i*channels])
		if bitDepth == 8 {
			// 8-bit wav samples are unsigned
			v -= 128
		}
		out[i] = float32(v / scale)
	}

	return Buffer{Samples: out, Rate: rate}, nil
}

// WriteWAV encodes buf as 16-bit PCM mono WAV.
func WriteWAV(w io.WriteSeeker, buf Buffer) error {
	if buf.Rate <= 0 {
		return errors.New("write wav: sample rate must be positive")
	}

	enc := wav.NewEncoder(w, buf.Rate, 16, 1, wavFormatPCM)
	data := make([]int, len(buf.Samples))
	for i, s := range buf.Samples {
		data[i] = int(math.Round(float64(clamp(s)) * 32767))
	}

	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: buf.Rate},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		_ = enc.Close()
		return fmt.Errorf("write wav samples: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

func clamp(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}
