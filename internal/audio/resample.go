package audio

// Resample converts buf to targetRate using linear interpolation between the
// two nearest source samples. There is no anti-aliasing filter, so large
// downsampling ratios fold high frequencies into the output. That is fine for
// speech recognition input but lossy for anything else.
//
// When the rates already match buf is returned as is.
func Resample(buf Buffer, targetRate int) Buffer {
	if buf.Rate == targetRate || buf.Rate <= 0 || targetRate <= 0 {
		return buf
	}

	n := len(buf.Samples)
	outLen := int(int64(n) * int64(targetRate) / int64(buf.Rate))
	out := make([]float32, outLen)
	if n == 0 {
		return Buffer{Samples: out, Rate: targetRate}
	}

	step := float64(buf.Rate) / float64(targetRate)
	for i := range out {
		src := float64(i) * step
		i0 := int(src)
		if i0 > n-1 {
			i0 = n - 1
		}
		i1 := i0 + 1
		if i1 > n-1 {
			i1 = n - 1
		}
		t := float32(src - float64(i0))
		out[i] = buf.Samples[i0]*(1-t) + buf.Samples[i1]*t
	}

	return Buffer{Samples: out, Rate: targetRate}
}
