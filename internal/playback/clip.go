package playback

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"

	"github.com/mawwalker/moss/pkg/audio"
)

// Clip is a short decoded sound such as the wake click or the error tone.
type Clip struct {
	Name       string
	SampleRate int
	Samples    []int16
}

// Duration returns the clip length.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// LoadClip decodes an MP3 or WAV file, chosen by extension, to mono int16 at
// its native rate.
func LoadClip(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("playback: load clip: %w", err)
	}
	clip, err := DecodeClip(f, filepath.Ext(path))
	if err != nil {
		return Clip{}, fmt.Errorf("playback: load clip %q: %w", path, err)
	}
	clip.Name = filepath.Base(path)
	return clip, nil
}

// DecodeClip decodes r as format (".mp3" or ".wav"). r is closed.
func DecodeClip(r io.ReadCloser, format string) (Clip, error) {
	var (
		stream beep.StreamSeekCloser
		f      beep.Format
		err    error
	)
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "mp3":
		stream, f, err = mp3.Decode(r)
	case "wav":
		stream, f, err = wav.Decode(r)
	default:
		_ = r.Close()
		return Clip{}, fmt.Errorf("unsupported clip format %q", format)
	}
	if err != nil {
		_ = r.Close()
		return Clip{}, fmt.Errorf("decode %s: %w", format, err)
	}
	defer stream.Close()

	samples, err := audio.FromStreamer(stream, f.SampleRate, 0)
	if err != nil {
		return Clip{}, err
	}
	return Clip{SampleRate: int(f.SampleRate), Samples: samples}, nil
}
