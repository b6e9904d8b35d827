package audio

import "time"

// TargetRate is the sample rate every transcription backend consumes.
const TargetRate = 16000

// Buffer is mono float32 PCM at a fixed sample rate.
type Buffer struct {
	Samples []float32
	Rate    int
}

func (b Buffer) Len() int {
	return len(b.Samples)
}

func (b Buffer) Duration() time.Duration {
	if b.Rate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.Rate)
}

// Clone returns a copy that shares no memory with b.
func (b Buffer) Clone() Buffer {
	out := Buffer{Rate: b.Rate, Samples: make([]float32, len(b.Samples))}
	copy(out.Samples, b.Samples)
	return out
}
