package audio

import (
	"fmt"

	"github.com/gopxl/beep"
)

// resampleQuality is passed to beep.Resample. 4 is beep's recommended
// balance between CPU and aliasing for speech.
const resampleQuality = 4

// FromStreamer drains s, resampling from src to dst Hz, and downmixes the
// result to mono int16. A dst of zero keeps the source rate.
func FromStreamer(s beep.Streamer, src beep.SampleRate, dst int) ([]int16, error) {
	st := s
	if dst > 0 && int(src) != dst {
		st = beep.Resample(resampleQuality, src, beep.SampleRate(dst), s)
	}
	var out []int16
	buf := make([][2]float64, 1024)
	for {
		n, ok := st.Stream(buf)
		out = append(out, DownmixFloat(buf[:n])...)
		if !ok {
			break
		}
	}
	if err := st.Err(); err != nil {
		return nil, fmt.Errorf("audio: stream: %w", err)
	}
	return out, nil
}
