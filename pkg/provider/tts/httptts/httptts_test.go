package httptts_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mawwalker/moss/pkg/provider/tts"
	"github.com/mawwalker/moss/pkg/provider/tts/httptts"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// makeWAV builds a mono 16-bit PCM WAV file with n samples of value v.
func makeWAV(rate, n int, v int16) []byte {
	data := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	hdr := make([]byte, 44)
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(36+len(data)))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)
	binary.LittleEndian.PutUint16(hdr[20:], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:], 1) // mono
	binary.LittleEndian.PutUint32(hdr[24:], uint32(rate))
	binary.LittleEndian.PutUint32(hdr[28:], uint32(rate*2))
	binary.LittleEndian.PutUint16(hdr[32:], 2)
	binary.LittleEndian.PutUint16(hdr[34:], 16)
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(len(data)))
	return append(hdr, data...)
}

type recorded struct {
	mu   sync.Mutex
	reqs []map[string]string
}

func (r *recorded) add(m map[string]string) {
	r.mu.Lock()
	r.reqs = append(r.reqs, m)
	r.mu.Unlock()
}

func (r *recorded) all() []map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]string(nil), r.reqs...)
}

// drain collects every chunk from ch.
func drain(t *testing.T, ch <-chan tts.Chunk) ([]int16, error) {
	t.Helper()
	var samples []int16
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return samples, nil
			}
			if c.Err != nil {
				return samples, c.Err
			}
			samples = append(samples, c.Samples...)
		case <-timeout:
			t.Fatal("timeout draining audio")
		}
	}
}

func near(a, b int16) bool {
	d := int(a) - int(b)
	return d >= -2 && d <= 2
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()

	if _, err := httptts.New(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestSynthesizeStream_PreservesSentenceOrder(t *testing.T) {
	t.Parallel()

	values := map[string]int16{"One.": 1000, "Two.": 2000, "Three.": 3000}
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.add(body)
		// The first sentence is the slowest so that later ones finish first.
		if body["text"] == "One." {
			time.Sleep(100 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(makeWAV(16000, 100, values[body["text"]]))
	}))
	t.Cleanup(srv.Close)

	p, err := httptts.New(srv.URL, httptts.WithOutputSampleRate(16000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.SynthesizeStream(context.Background(), tts.Feed("One. Two. Three."), tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	samples, err := drain(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(samples) != 300 {
		t.Fatalf("got %d samples, want 300", len(samples))
	}
	for i, want := range []int16{1000, 2000, 3000} {
		if got := samples[i*100]; !near(got, want) {
			t.Errorf("sentence %d starts with %d, want ~%d", i, got, want)
		}
	}

	reqs := rec.all()
	if len(reqs) != 3 {
		t.Fatalf("got %d requests, want 3", len(reqs))
	}
	for _, r := range reqs {
		if r["character"] != "linzhiling" {
			t.Errorf("character = %q, want default linzhiling", r["character"])
		}
	}
}

func TestSynthesizeStream_VoiceOverridesCharacter(t *testing.T) {
	t.Parallel()

	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.add(body)
		_, _ = w.Write(makeWAV(16000, 10, 0))
	}))
	t.Cleanup(srv.Close)

	p, _ := httptts.New(srv.URL, httptts.WithCharacter("base"))
	ch, _ := p.SynthesizeStream(context.Background(), tts.Feed("你好"), tts.VoiceProfile{ID: "other"})
	if _, err := drain(t, ch); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	reqs := rec.all()
	if len(reqs) != 1 || reqs[0]["character"] != "other" || reqs[0]["text"] != "你好" {
		t.Fatalf("requests = %v", reqs)
	}
}

func TestSynthesizeStream_Resamples(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(makeWAV(16000, 1600, 500))
	}))
	t.Cleanup(srv.Close)

	p, _ := httptts.New(srv.URL, httptts.WithOutputSampleRate(24000))
	if p.SampleRate() != 24000 {
		t.Fatalf("SampleRate = %d", p.SampleRate())
	}
	ch, _ := p.SynthesizeStream(context.Background(), tts.Feed("hi."), tts.VoiceProfile{})
	samples, err := drain(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	// 100ms at 24kHz, allowing for resampler edge effects.
	if len(samples) < 2300 || len(samples) > 2500 {
		t.Fatalf("got %d samples, want about 2400", len(samples))
	}
}

func TestSynthesizeStream_ErrorEndsStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p, _ := httptts.New(srv.URL)
	ch, _ := p.SynthesizeStream(context.Background(), tts.Feed("Hello."), tts.VoiceProfile{})
	_, err := drain(t, ch)
	if !errors.Is(err, httptts.ErrStatus) {
		t.Fatalf("err = %v, want ErrStatus", err)
	}
}

func TestSynthesizeStream_CancelClosesChannel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	p, _ := httptts.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := p.SynthesizeStream(ctx, tts.Feed("Hello."), tts.VoiceProfile{})
	cancel()

	select {
	case c, ok := <-ch:
		if ok && c.Samples != nil {
			t.Fatalf("unexpected audio after cancel: %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := httptts.DecodeWAV([]byte("not a wav"), 16000); err == nil {
		t.Fatal("expected error")
	}
}
