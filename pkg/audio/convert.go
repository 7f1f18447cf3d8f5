package audio

import "math"

// EncodePCM16 serialises samples as little-endian int16 PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodePCM16 parses little-endian int16 PCM. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// Float32 converts int16 samples to the [-1, 1) float range used by keyword
// spotting engines.
func Float32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// DownmixFloat converts decoder output (stereo float pairs in [-1, 1]) to mono
// int16 by averaging both channels. Values outside the range are clamped.
func DownmixFloat(frames [][2]float64) []int16 {
	out := make([]int16, len(frames))
	for i, f := range frames {
		v := (f[0] + f[1]) / 2 * 32767
		v = math.Max(-32768, math.Min(32767, v))
		out[i] = int16(v)
	}
	return out
}

// ResampleMono16 resamples mono int16 PCM from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func ResampleMono16(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Chunk splits samples into consecutive slices of at most n samples. The
// returned slices alias samples.
func Chunk(samples []int16, n int) [][]int16 {
	if n <= 0 {
		return [][]int16{samples}
	}
	var out [][]int16
	for len(samples) > n {
		out = append(out, samples[:n])
		samples = samples[n:]
	}
	if len(samples) > 0 {
		out = append(out, samples)
	}
	return out
}
