package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/mawwalker/moss/internal/agent"
	agentmock "github.com/mawwalker/moss/internal/agent/mock"
	"github.com/mawwalker/moss/internal/observe"
	"github.com/mawwalker/moss/internal/orchestrator"
	"github.com/mawwalker/moss/internal/playback"
	"github.com/mawwalker/moss/internal/transcript"
	"github.com/mawwalker/moss/pkg/audio"
	audiomock "github.com/mawwalker/moss/pkg/audio/mock"
	llmmock "github.com/mawwalker/moss/pkg/provider/llm/mock"
	"github.com/mawwalker/moss/pkg/provider/stt"
	sttmock "github.com/mawwalker/moss/pkg/provider/stt/mock"
	ttsmock "github.com/mawwalker/moss/pkg/provider/tts/mock"
	"github.com/mawwalker/moss/pkg/provider/wake"
	wakemock "github.com/mawwalker/moss/pkg/provider/wake/mock"
)

const waitTimeout = 2 * time.Second

// ── harness ──────────────────────────────────────────────────────────────────

type transition struct{ from, to orchestrator.State }

type harness struct {
	t *testing.T

	frames     chan audio.Frame
	src        *audiomock.Source
	stt        *sttmock.Provider
	agent      *agentmock.Dispatcher
	dispatcher orchestrator.Dispatcher
	tts        *ttsmock.Provider
	sink       *audiomock.Sink

	orch        *orchestrator.Orchestrator
	transitions chan transition
	sessions    chan orchestrator.Session

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	frames := make(chan audio.Frame, 512)
	h := &harness{
		t:           t,
		frames:      frames,
		src:         &audiomock.Source{Frames: frames},
		stt:         sttmock.NewProvider(),
		agent:       &agentmock.Dispatcher{},
		tts:         &ttsmock.Provider{},
		sink:        audiomock.NewSink(16000),
		transitions: make(chan transition, 256),
		sessions:    make(chan orchestrator.Session, 16),
		done:        make(chan struct{}),
	}
	h.dispatcher = h.agent
	return h
}

func (h *harness) start(opts ...orchestrator.Option) {
	h.t.Helper()
	player, err := playback.New(h.sink, h.tts)
	if err != nil {
		h.t.Fatalf("playback.New: %v", err)
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		h.t.Fatalf("NewMetrics: %v", err)
	}
	all := []orchestrator.Option{
		orchestrator.WithSilenceTimeout(time.Second),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTransitionHook(func(from, to orchestrator.State) {
			h.transitions <- transition{from, to}
		}),
		orchestrator.WithSessionHook(func(s orchestrator.Session) {
			h.sessions <- s
		}),
	}
	o, err := orchestrator.New(orchestrator.Config{
		Source:   h.src,
		Detector: wake.NewDetector(&wakemock.Engine{}, wake.WithRefractory(0)),
		STT:      h.stt,
		Agent:    h.dispatcher,
		Player:   player,
	}, append(all, opts...)...)
	if err != nil {
		h.t.Fatalf("orchestrator.New: %v", err)
	}
	h.orch = o

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.runErr = o.Run(ctx)
	}()
	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
			h.t.Error("Run did not return after cancel")
		}
	})
	waitFor(h.t, "source running", o.Running)
}

func (h *harness) frame(samples []int16) {
	h.mu.Lock()
	h.seq++
	f := audio.Frame{
		Seq:        h.seq,
		Timestamp:  time.Now(),
		SampleRate: 16000,
		Channels:   1,
		Samples:    samples,
	}
	h.mu.Unlock()
	h.frames <- f
}

func (h *harness) wake()    { h.frame(wakemock.WakeSamples(1600)) }
func (h *harness) silence() { h.frame(make([]int16, 1600)) }

func (h *harness) nextSTT() *sttmock.Session {
	h.t.Helper()
	select {
	case s := <-h.stt.Started():
		return s
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for a transcription session")
		return nil
	}
}

func (h *harness) nextSession() orchestrator.Session {
	h.t.Helper()
	select {
	case s := <-h.sessions:
		return s
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for a session to end")
		return orchestrator.Session{}
	}
}

func (h *harness) noSession(d time.Duration) {
	h.t.Helper()
	select {
	case s := <-h.sessions:
		h.t.Fatalf("unexpected session end: %+v", s)
	case <-time.After(d):
	}
}

func (h *harness) waitState(want orchestrator.State) {
	h.t.Helper()
	waitFor(h.t, "state "+want.String(), func() bool { return h.orch.State() == want })
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case <-h.done:
		return h.runErr
	case <-time.After(waitTimeout):
		h.t.Fatal("Run did not return")
		return nil
	}
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func clip(value int16, n int) playback.Clip {
	s := make([]int16, n)
	for i := range s {
		s[i] = value
	}
	return playback.Clip{Name: "cue", SampleRate: 16000, Samples: s}
}

func sinkHas(sink *audiomock.Sink, value int16) bool {
	for _, block := range sink.Written() {
		if slices.Contains(block, value) {
			return true
		}
	}
	return false
}

// ── construction ─────────────────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := orchestrator.New(orchestrator.Config{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"source", "wake detector", "stt provider", "agent", "player"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()
	if err := h.orch.Run(context.Background()); err == nil {
		t.Error("second Run: expected error, got nil")
	}
}

// ── scenarios ────────────────────────────────────────────────────────────────

// Wake while idle opens a transcription session and routes audio to it.
func TestWakeOpensCapture(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()

	if got := h.orch.State(); got != orchestrator.StateIdle {
		t.Fatalf("initial state = %s, want idle-listening", got)
	}
	h.wake()
	sess := h.nextSTT()
	h.waitState(orchestrator.StateCapturing)

	calls := h.stt.StartStreamCalls
	if len(calls) != 1 || calls[0].Cfg.SampleRate != 16000 || calls[0].Cfg.Channels != 1 {
		t.Errorf("StartStream calls = %+v", calls)
	}

	waitFor(t, "audio routed to the session", func() bool {
		h.silence()
		return len(sess.Audio()) > 0
	})
	if got := len(sess.Audio()[0]); got != 3200 {
		t.Errorf("chunk size = %d bytes, want 3200", got)
	}
}

// Speech that starts while the transcription service is still connecting is
// delivered once the session opens, in order.
func TestAudioDuringDialIsKept(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.stt.SetDialDelay(300 * time.Millisecond)
	h.start()

	h.wake()
	waitFor(t, "StartStream called", func() bool { return h.stt.StartStreamCallCount() == 1 })

	const spoken = 10
	for i := 1; i <= spoken; i++ {
		samples := make([]int16, 1600)
		samples[0] = int16(i)
		h.frame(samples)
	}
	sess := h.nextSTT()

	waitFor(t, "all command frames delivered", func() bool { return len(sess.Audio()) >= spoken })
	for i, chunk := range sess.Audio()[:spoken] {
		if got := audio.DecodePCM16(chunk)[0]; got != int16(i+1) {
			t.Fatalf("chunk %d starts with %d, want %d", i, got, i+1)
		}
	}
}

// A final transcript is dispatched verbatim and the reply is spoken.
func TestFinalTranscriptIsDispatchedAndSpoken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent.Reply = agent.Reply{Text: "Tokyo is 18 degrees and clear"}
	h.start()

	h.wake()
	sess := h.nextSTT()
	sess.Emit(stt.Event{Text: "what's the", Final: false})
	sess.Emit(stt.Event{Text: "what's the weather in Tokyo", Final: true})

	if got := recv(t, h.agent.Started(), "dispatch"); got != "what's the weather in Tokyo" {
		t.Errorf("dispatched %q, want %q", got, "what's the weather in Tokyo")
	}
	if got := recv(t, h.tts.Started(), "synthesis"); got != "Tokyo is 18 degrees and clear" {
		t.Errorf("spoke %q, want %q", got, "Tokyo is 18 degrees and clear")
	}

	s := h.nextSession()
	if s.Outcome != orchestrator.OutcomeCompleted {
		t.Errorf("outcome = %s, want completed (err %v)", s.Outcome, s.Err)
	}
	if s.Command != "what's the weather in Tokyo" || s.Reply != "Tokyo is 18 degrees and clear" {
		t.Errorf("session = %+v", s)
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		t.Errorf("session ID %q is not a UUID: %v", s.ID, err)
	}
	h.waitState(orchestrator.StateIdle)
	if !sess.Closed() {
		t.Error("transcription session was not closed")
	}
}

func TestTransitionSequence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent.Reply = agent.Reply{Text: "ok"}
	h.start()

	h.wake()
	h.nextSTT().Emit(stt.Event{Text: "turn on the light", Final: true})
	h.nextSession()

	want := []transition{
		{orchestrator.StateIdle, orchestrator.StateCapturing},
		{orchestrator.StateCapturing, orchestrator.StateTranscribing},
		{orchestrator.StateTranscribing, orchestrator.StateDispatching},
		{orchestrator.StateDispatching, orchestrator.StateSpeaking},
		{orchestrator.StateSpeaking, orchestrator.StateIdle},
	}
	for i, w := range want {
		got := recv(t, h.transitions, "transition")
		if got != w {
			t.Fatalf("transition %d = %s→%s, want %s→%s", i, got.from, got.to, w.from, w.to)
		}
	}
}

// Silence after the wake abandons the capture without calling the agent.
func TestSilenceTimeoutAbandons(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(orchestrator.WithSilenceTimeout(50 * time.Millisecond))

	h.wake()
	sess := h.nextSTT()

	s := h.nextSession()
	if s.Outcome != orchestrator.OutcomeAbandoned {
		t.Errorf("outcome = %s, want abandoned", s.Outcome)
	}
	if !errors.Is(s.Err, orchestrator.ErrSilenceTimeout) {
		t.Errorf("err = %v, want ErrSilenceTimeout", s.Err)
	}
	if orchestrator.Classify(s.Err) != orchestrator.KindTimeout {
		t.Errorf("kind = %s, want timeout", orchestrator.Classify(s.Err))
	}
	h.waitState(orchestrator.StateIdle)
	if !sess.Closed() {
		t.Error("transcription session was not closed")
	}
	if calls := h.agent.Calls(); len(calls) != 0 {
		t.Errorf("agent called with %q", calls)
	}
	if calls := h.tts.Calls(); len(calls) != 0 {
		t.Errorf("abandonment must not speak, got %+v", calls)
	}
}

func TestPartialsRearmSilenceTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent.Reply = agent.Reply{Text: "ok"}
	h.start(orchestrator.WithSilenceTimeout(200 * time.Millisecond))

	h.wake()
	sess := h.nextSTT()
	for i := 0; i < 8; i++ {
		time.Sleep(40 * time.Millisecond)
		sess.Emit(stt.Event{Text: strings.Repeat("word ", i+1)})
	}
	sess.Emit(stt.Event{Text: "a long command", Final: true})

	if got := recv(t, h.agent.Started(), "dispatch"); got != "a long command" {
		t.Errorf("dispatched %q", got)
	}
	if s := h.nextSession(); s.Outcome != orchestrator.OutcomeCompleted {
		t.Errorf("outcome = %s, want completed (err %v)", s.Outcome, s.Err)
	}
}

func TestMaxDurationAbandons(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(orchestrator.WithMaxDuration(80 * time.Millisecond))

	h.wake()
	sess := h.nextSTT()
	sess.Emit(stt.Event{Text: "and then"})

	s := h.nextSession()
	if s.Outcome != orchestrator.OutcomeAbandoned || !errors.Is(s.Err, orchestrator.ErrCaptureTooLong) {
		t.Errorf("session = %s / %v, want abandoned / ErrCaptureTooLong", s.Outcome, s.Err)
	}
	if len(h.agent.Calls()) != 0 {
		t.Error("agent must not be called")
	}
}

// A wake during Speaking cancels playback before the new capture opens.
func TestBargeInDuringSpeaking(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent.Reply = agent.Reply{Text: "once upon a time"}
	h.tts.Hold = true
	h.tts.Chunks = [][]int16{make([]int16, 320)}
	h.start()

	h.wake()
	first := h.nextSTT()
	first.Emit(stt.Event{Text: "tell me a story", Final: true})
	recv(t, h.tts.Started(), "synthesis")
	h.waitState(orchestrator.StateSpeaking)

	h.wake()
	second := h.nextSTT()
	if h.sink.Flushes() == 0 {
		t.Error("playback was not flushed before the new capture opened")
	}

	s := h.nextSession()
	if s.Outcome != orchestrator.OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", s.Outcome)
	}
	h.waitState(orchestrator.StateCapturing)
	if second == first {
		t.Fatal("expected a new transcription session")
	}

	// The new capture works normally.
	h.agent.Set(func(d *agentmock.Dispatcher) { d.Reply = agent.Reply{Text: "sure"} })
	h.tts.Set(func(p *ttsmock.Provider) { p.Hold = false })
	second.Emit(stt.Event{Text: "never mind", Final: true})
	if s := h.nextSession(); s.Outcome != orchestrator.OutcomeCompleted {
		t.Errorf("second outcome = %s, want completed (err %v)", s.Outcome, s.Err)
	}
}

func TestBargeInDuringDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent.Block = true
	h.start()

	h.wake()
	h.nextSTT().Emit(stt.Event{Text: "search the web", Final: true})
	recv(t, h.agent.Started(), "dispatch")
	h.waitState(orchestrator.StateDispatching)

	h.wake()
	h.nextSTT()
	s := h.nextSession()
	if s.Outcome != orchestrator.OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", s.Outcome)
	}
	h.waitState(orchestrator.StateCapturing)
	if calls := h.tts.Calls(); len(calls) != 0 {
		t.Errorf("cancelled dispatch must not speak, got %+v", calls)
	}
}

func TestWakeIgnoredWhileCapturing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()

	h.wake()
	h.nextSTT()
	h.waitState(orchestrator.StateCapturing)

	h.wake()
	h.wake()
	h.noSession(100 * time.Millisecond)
	if n := len(h.stt.Sessions()); n != 1 {
		t.Errorf("transcription sessions = %d, want 1", n)
	}
	if got := h.orch.State(); got != orchestrator.StateCapturing {
		t.Errorf("state = %s, want capturing-command", got)
	}
}

// An agent timeout ends the session and speaks the failure notice.
func TestAgentTimeoutSpeaksNotice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	d, err := agent.New(&llmmock.Provider{Block: true}, agent.WithTimeout(30*time.Millisecond))
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	h.dispatcher = d
	h.start()

	h.wake()
	h.nextSTT().Emit(stt.Event{Text: "what's the weather in Tokyo", Final: true})

	s := h.nextSession()
	if s.Outcome != orchestrator.OutcomeFailed {
		t.Errorf("outcome = %s, want failed", s.Outcome)
	}
	if !errors.Is(s.Err, agent.ErrTimeout) {
		t.Errorf("err = %v, want agent.ErrTimeout", s.Err)
	}
	if k := orchestrator.Classify(s.Err); k != orchestrator.KindTimeout {
		t.Errorf("kind = %s, want timeout", k)
	}
	if got := recv(t, h.tts.Started(), "notice"); got != orchestrator.DefaultNotice {
		t.Errorf("spoke %q, want the failure notice", got)
	}
	h.waitState(orchestrator.StateIdle)
}

func TestFailureNotice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		healthy    bool
		notice     string
		errorClip  bool
		wantSpoken bool
		wantClip   bool
	}{
		{name: "tts healthy", healthy: true, notice: "出错了", wantSpoken: true},
		{name: "tts down, no clip", healthy: false, notice: "出错了"},
		{name: "tts down, clip", healthy: false, notice: "出错了", errorClip: true, wantClip: true},
		{name: "notice disabled, clip", healthy: true, notice: "", errorClip: true, wantClip: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.agent.Err = errors.New("upstream 500")
			opts := []orchestrator.Option{
				orchestrator.WithNotice(tt.notice),
				orchestrator.WithTTSHealth(func() bool { return tt.healthy }),
			}
			if tt.errorClip {
				opts = append(opts, orchestrator.WithErrorClip(clip(7, 1600)))
			}
			h.start(opts...)

			h.wake()
			h.nextSTT().Emit(stt.Event{Text: "hello", Final: true})
			if s := h.nextSession(); s.Outcome != orchestrator.OutcomeFailed {
				t.Fatalf("outcome = %s, want failed", s.Outcome)
			}

			if tt.wantSpoken {
				if got := recv(t, h.tts.Started(), "notice"); got != tt.notice {
					t.Errorf("spoke %q, want %q", got, tt.notice)
				}
			}
			if tt.wantClip {
				waitFor(t, "error clip", func() bool { return sinkHas(h.sink, 7) })
			}
			if !tt.wantSpoken {
				time.Sleep(50 * time.Millisecond)
				if calls := h.tts.Calls(); len(calls) != 0 {
					t.Errorf("unexpected synthesis %+v", calls)
				}
			}
		})
	}
}

// A synthesis failure is reported with the error sound, not by voice.
func TestSynthesisFailurePlaysErrorClip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent.Reply = agent.Reply{Text: "here you go"}
	h.tts.Chunks = [][]int16{make([]int16, 320)}
	h.tts.StreamErr = errors.New("tts: 502")
	h.start(orchestrator.WithErrorClip(clip(9, 800)))

	h.wake()
	h.nextSTT().Emit(stt.Event{Text: "read my mail", Final: true})

	s := h.nextSession()
	if s.Outcome != orchestrator.OutcomeFailed || !errors.Is(s.Err, playback.ErrSynthesis) {
		t.Errorf("session = %s / %v, want failed / ErrSynthesis", s.Outcome, s.Err)
	}
	waitFor(t, "error clip", func() bool { return sinkHas(h.sink, 9) })
	if calls := h.tts.Calls(); len(calls) != 1 {
		t.Errorf("synthesis calls = %d, want only the reply", len(calls))
	}
}

func TestTranscriptionFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		kind orchestrator.ErrorKind
	}{
		{"disconnect", stt.ErrDisconnected, orchestrator.KindTransientIO},
		{"protocol", fmt.Errorf("%w: unexpected message", stt.ErrProtocol), orchestrator.KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.start()

			h.wake()
			sess := h.nextSTT()
			sess.Emit(stt.Event{Text: "what's the"})
			sess.Fail(tt.err)

			s := h.nextSession()
			if s.Outcome != orchestrator.OutcomeFailed || !errors.Is(s.Err, tt.err) {
				t.Errorf("session = %s / %v, want failed / %v", s.Outcome, s.Err, tt.err)
			}
			if k := orchestrator.Classify(s.Err); k != tt.kind {
				t.Errorf("kind = %s, want %s", k, tt.kind)
			}
			if len(h.agent.Calls()) != 0 {
				t.Error("partials must not be dispatched")
			}
			h.waitState(orchestrator.StateIdle)
		})
	}
}

func TestTranscriptionUnavailableRecovers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.stt.SetStartStreamErr(fmt.Errorf("dial: %w", stt.ErrUnavailable))
	h.start()

	h.wake()
	s := h.nextSession()
	if s.Outcome != orchestrator.OutcomeFailed || !errors.Is(s.Err, stt.ErrUnavailable) {
		t.Errorf("session = %s / %v, want failed / ErrUnavailable", s.Outcome, s.Err)
	}
	h.waitState(orchestrator.StateIdle)

	h.stt.SetStartStreamErr(nil)
	h.wake()
	h.nextSTT()
	h.waitState(orchestrator.StateCapturing)
}

func TestShortCommandsAbandoned(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		minChars int
		text     string
	}{
		{"empty final", 1, ""},
		{"whitespace final", 1, "   "},
		{"below min chars", 3, "好的"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.start(orchestrator.WithMinChars(tt.minChars))

			h.wake()
			h.nextSTT().Emit(stt.Event{Text: tt.text, Final: true})

			if s := h.nextSession(); s.Outcome != orchestrator.OutcomeAbandoned {
				t.Errorf("outcome = %s, want abandoned", s.Outcome)
			}
			if len(h.agent.Calls()) != 0 {
				t.Error("agent must not be called")
			}
		})
	}
}

func TestWakeEchoTrimmed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent.Reply = agent.Reply{Text: "会下雨"}
	h.start(orchestrator.WithEchoTrimmer(transcript.NewEchoTrimmer([]string{"你好小莫"}, nil)))

	h.wake()
	h.nextSTT().Emit(stt.Event{Text: "小莫，明天会下雨吗", Final: true})

	if got := recv(t, h.agent.Started(), "dispatch"); got != "明天会下雨吗" {
		t.Errorf("dispatched %q, want %q", got, "明天会下雨吗")
	}
}

func TestEmptyReplyCompletesSilently(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent.Reply = agent.Reply{Text: "  "}
	h.start()

	h.wake()
	h.nextSTT().Emit(stt.Event{Text: "turn off the lights", Final: true})

	if s := h.nextSession(); s.Outcome != orchestrator.OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", s.Outcome)
	}
	if calls := h.tts.Calls(); len(calls) != 0 {
		t.Errorf("empty reply must not be spoken, got %+v", calls)
	}
}

func TestWakeClipPlayedOnCapture(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(orchestrator.WithWakeClip(clip(5, 800)))

	h.wake()
	h.nextSTT()
	waitFor(t, "wake clip", func() bool { return sinkHas(h.sink, 5) })
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestDeviceFailureStopsRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.src.Err = fmt.Errorf("%w: capture device unplugged", audio.ErrDevice)
	h.start()

	close(h.frames)
	err := h.wait()
	if !errors.Is(err, audio.ErrDevice) {
		t.Fatalf("Run = %v, want audio.ErrDevice", err)
	}
	if k := orchestrator.Classify(err); !k.Fatal() {
		t.Errorf("kind %s should be fatal", k)
	}
}

func TestShutdownCancelsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start()

	h.wake()
	sess := h.nextSTT()
	h.waitState(orchestrator.StateCapturing)

	h.cancel()
	if err := h.wait(); err != nil {
		t.Fatalf("Run = %v, want nil on cancel", err)
	}
	if s := h.nextSession(); s.Outcome != orchestrator.OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", s.Outcome)
	}
	if !sess.Closed() {
		t.Error("transcription session was not closed")
	}
	if h.orch.Running() {
		t.Error("Running() = true after shutdown")
	}
}

// Sessions are strictly sequential, barge-in included.
func TestSessionsNeverOverlap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent.Reply = agent.Reply{Text: "done"}
	h.start()

	var ended []orchestrator.Session
	for i := 0; i < 3; i++ {
		h.wake()
		sess := h.nextSTT()
		if n := h.stt.OpenSessions(); n > 1 {
			t.Fatalf("open transcription sessions = %d", n)
		}
		sess.Emit(stt.Event{Text: fmt.Sprintf("command %d", i), Final: true})
		ended = append(ended, h.nextSession())
	}

	// Barge into a held reply.
	h.tts.Set(func(p *ttsmock.Provider) { p.Hold = true })
	h.wake()
	h.nextSTT().Emit(stt.Event{Text: "long story", Final: true})
	h.waitState(orchestrator.StateSpeaking)
	h.wake()
	h.nextSTT()
	ended = append(ended, h.nextSession())

	seen := make(map[string]bool)
	for i, s := range ended {
		if seen[s.ID] {
			t.Errorf("session %d reuses ID %s", i, s.ID)
		}
		seen[s.ID] = true
		if i > 0 && s.StartedAt.Before(ended[i-1].EndedAt) {
			t.Errorf("session %d started before session %d ended", i, i-1)
		}
	}
	if last := ended[len(ended)-1]; last.Outcome != orchestrator.OutcomeCancelled {
		t.Errorf("barged-in session outcome = %s, want cancelled", last.Outcome)
	}
}

func TestSessionMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newHarness(t)
	h.agent.Reply = agent.Reply{Text: "ok"}
	h.start(orchestrator.WithMetrics(metrics), orchestrator.WithSilenceTimeout(40*time.Millisecond))

	h.wake()
	h.nextSTT().Emit(stt.Event{Text: "hi", Final: true})
	h.nextSession()
	h.wake()
	h.nextSTT()
	h.nextSession()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counter(rm, "moss.sessions", "outcome", "completed"); got != 1 {
		t.Errorf("completed sessions = %d, want 1", got)
	}
	if got := counter(rm, "moss.sessions", "outcome", "abandoned"); got != 1 {
		t.Errorf("abandoned sessions = %d, want 1", got)
	}
	if got := counter(rm, "moss.wake.events", "phrase", "moss"); got != 2 {
		t.Errorf("wake events = %d, want 2", got)
	}
	if got := counter(rm, "moss.active_sessions", "", ""); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func counter(rm metricdata.ResourceMetrics, name, key, value string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if key != "" {
					v, ok := dp.Attributes.Value(attribute.Key(key))
					if !ok || v.AsString() != value {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}
