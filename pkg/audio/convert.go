package audio

import (
	"encoding/binary"
	"fmt"
)

// Format describes the sample rate and channel count of a decoded stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "44100Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		avg := max(-32768, min((l+r)/2, 32767))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(avg)))
	}
	return out
}

// PCM16ToFloat converts little-endian int16 mono PCM to samples in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// IntToFloat converts interleaved integer PCM of the given bit depth to mono
// float samples in [-1, 1], averaging across channels.
func IntToFloat(data []int, bitDepth, channels int) ([]float64, error) {
	if bitDepth < 8 || bitDepth > 32 || bitDepth%8 != 0 {
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidInput, bitDepth)
	}
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidInput, channels)
	}
	if len(data)%channels != 0 {
		return nil, fmt.Errorf("%w: %d samples is not a multiple of %d channels",
			ErrInvalidInput, len(data), channels)
	}
	scale := float64(int64(1) << (bitDepth - 1))
	// 8-bit WAV is unsigned; go-audio keeps the raw byte value.
	var offset float64
	if bitDepth == 8 {
		offset = 128
	}

	frames := len(data) / channels
	out := make([]float64, frames)
	for i := range frames {
		var sum float64
		for c := range channels {
			sum += (float64(data[i*channels+c]) - offset) / scale
		}
		out[i] = max(-1, min(sum/float64(channels), 1))
	}
	return out, nil
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func Resample(samples []float64, srcRate, dstRate int) []float64 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
