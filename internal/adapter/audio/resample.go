package audio

import (
	"fmt"
	"math"
)

// Resample converts samples between sample rates using linear interpolation.
// Integer-ratio downsampling averages each window instead, to limit aliasing.
func Resample(samples []int16, fromRate, toRate int) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: from=%d, to=%d", fromRate, toRate)
	}
	if fromRate == toRate {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out, nil
	}
	if len(samples) == 0 {
		return []int16{}, nil
	}

	n := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	if n == 0 {
		return []int16{}, nil
	}

	// Integer decimation (24k->8k, 16k->8k): box filter over each window.
	if fromRate > toRate && fromRate%toRate == 0 {
		step := fromRate / toRate
		out := make([]int16, n)
		for i := range out {
			var sum int32
			for j := 0; j < step; j++ {
				sum += int32(samples[i*step+j])
			}
			out[i] = int16(sum / int32(step))
		}
		return out, nil
	}

	out := make([]int16, n)
	ratio := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		s0 := float64(samples[idx])
		s1 := float64(samples[idx+1])
		out[i] = int16(math.Round(s0 + (s1-s0)*frac))
	}
	return out, nil
}
