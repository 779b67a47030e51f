// Package audio converts between Twilio's 8 kHz G.711 mu-law framing and the
// little-endian PCM16 audio used by the speech providers.
package audio

import "errors"

const (
	// SampleRate is the telephony transport sample rate.
	SampleRate = 8000
	// FrameSize is one 20 ms mu-law frame at SampleRate.
	FrameSize = 160
	// Silence is the mu-law encoding of a zero sample.
	Silence byte = 0xFF

	mulawBias = 0x84
	mulawClip = 32635
)

// ErrMalformedFrame is returned for input that is not a whole number of frames or samples.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// mulawToLinearTable is a pre-computed lookup table for mu-law to 16-bit signed PCM.
var mulawToLinearTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawToLinearTable[i] = decodeMulaw(byte(i))
	}
}

// decodeMulaw expands a single mu-law byte to a 16-bit signed PCM sample.
func decodeMulaw(u byte) int16 {
	u = ^u
	t := (int32(u&0x0F) << 3) + mulawBias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(mulawBias - t)
	}
	return int16(t - mulawBias)
}

// MulawToLinear converts a single mu-law byte to a 16-bit signed PCM sample.
func MulawToLinear(u byte) int16 {
	return mulawToLinearTable[u]
}

// LinearToMulaw converts a 16-bit signed PCM sample to a mu-law byte.
func LinearToMulaw(sample int16) byte {
	s := int32(sample)
	sign := int32(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// Find the segment.
	exponent := int32(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F

	return byte(^(sign | exponent<<4 | mantissa))
}

// DecodeMulaw decodes whole mu-law frames into PCM16 samples.
// Empty input or a length that is not a multiple of FrameSize is rejected.
func DecodeMulaw(payload []byte) ([]int16, error) {
	if len(payload) == 0 || len(payload)%FrameSize != 0 {
		return nil, ErrMalformedFrame
	}
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = mulawToLinearTable[b]
	}
	return out, nil
}

// EncodeFrames encodes samples into FrameSize mu-law frames.
// The final frame is padded with silence.
func EncodeFrames(samples []int16) [][]byte {
	if len(samples) == 0 {
		return nil
	}
	n := (len(samples) + FrameSize - 1) / FrameSize
	frames := make([][]byte, n)
	for f := 0; f < n; f++ {
		frame := make([]byte, FrameSize)
		for i := range frame {
			idx := f*FrameSize + i
			if idx < len(samples) {
				frame[i] = LinearToMulaw(samples[idx])
			} else {
				frame[i] = Silence
			}
		}
		frames[f] = frame
	}
	return frames
}

// PCMFromBytes reads little-endian PCM16 samples. Odd-length input is rejected.
func PCMFromBytes(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrMalformedFrame
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out, nil
}

// PCMToBytes writes samples as little-endian PCM16.
func PCMToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
