// Package orchestrator runs the voice interaction cycle.
//
// The [Orchestrator] owns the microphone stream and shares it between the
// wake detector, which always listens, and at most one transcription session.
// A wake phrase opens a capture. The final transcript goes to the agent, and
// the reply is spoken. A new wake phrase while the reply is being prepared or
// spoken cancels it and starts over (barge-in).
//
// A single control goroutine is the only writer of the state. Everything else
// (capture, wake detection, session I/O and the agent call) runs in goroutines
// that report back over channels, all supervised by one errgroup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mawwalker/moss/internal/agent"
	"github.com/mawwalker/moss/internal/observe"
	"github.com/mawwalker/moss/internal/playback"
	"github.com/mawwalker/moss/internal/transcript"
	"github.com/mawwalker/moss/pkg/audio"
	"github.com/mawwalker/moss/pkg/provider/stt"
	"github.com/mawwalker/moss/pkg/provider/wake"
)

// Defaults applied by [New].
const (
	DefaultSilenceTimeout = 5 * time.Second
	DefaultMaxDuration    = 30 * time.Second
	DefaultMinChars       = 1
	DefaultNotice         = "抱歉，出了点问题"
)

// Dispatcher answers a finished command. [agent.Dispatcher] implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, text string) (agent.Reply, error)
}

// Player owns the output device. [playback.Player] implements it.
type Player interface {
	Open(ctx context.Context, text string) (*playback.Handle, error)
	PlayClip(ctx context.Context, clip playback.Clip) (*playback.Handle, error)
	Stop()
}

// Config holds the required collaborators.
type Config struct {
	Source   audio.Source
	Detector *wake.Detector
	STT      stt.Provider
	Agent    Dispatcher
	Player   Player
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSilenceTimeout sets how long a capture may go without new text.
func WithSilenceTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.silenceTimeout = d }
}

// WithMaxDuration bounds the whole capture.
func WithMaxDuration(d time.Duration) Option {
	return func(o *Orchestrator) { o.maxDuration = d }
}

// WithMinChars sets the shortest command, in runes, that reaches the agent.
func WithMinChars(n int) Option {
	return func(o *Orchestrator) { o.minChars = n }
}

// WithEchoTrimmer strips a heard wake phrase from the start of transcripts.
func WithEchoTrimmer(t *transcript.EchoTrimmer) Option {
	return func(o *Orchestrator) { o.echo = t }
}

// WithWakeClip plays clip when a capture opens.
func WithWakeClip(clip playback.Clip) Option {
	return func(o *Orchestrator) { o.wakeClip = &clip }
}

// WithErrorClip plays clip after a failure when the notice cannot be spoken.
func WithErrorClip(clip playback.Clip) Option {
	return func(o *Orchestrator) { o.errorClip = &clip }
}

// WithNotice sets the text spoken after a failure. An empty text disables
// the spoken notice.
func WithNotice(text string) Option {
	return func(o *Orchestrator) { o.notice = text }
}

// WithTTSHealth reports whether speech synthesis is currently usable. The
// failure notice is only spoken while it returns true.
func WithTTSHealth(fn func() bool) Option {
	return func(o *Orchestrator) { o.ttsHealthy = fn }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTransitionHook registers fn to be called, from the control goroutine,
// on every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(o *Orchestrator) { o.onTransition = fn }
}

// WithSessionHook registers fn to be called, from the control goroutine,
// when a session ends.
func WithSessionHook(fn func(Session)) Option {
	return func(o *Orchestrator) { o.onSession = fn }
}

// WithBroadcaster fans capture out through b, for example one built with a
// drop hook.
func WithBroadcaster(b *audio.Broadcaster) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithQueueSize bounds each subscriber's frame queue.
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) { o.queueSize = n }
}

// WithStreamConfig sets the audio format announced to the transcription
// service.
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(o *Orchestrator) { o.streamCfg = cfg }
}

// Orchestrator is the voice interaction state machine. Create one with [New]
// and start it with [Run]. State and Running are safe for concurrent use.
type Orchestrator struct {
	source   audio.Source
	detector *wake.Detector
	stt      stt.Provider
	agent    Dispatcher
	player   Player

	bus            *audio.Broadcaster
	queueSize      int
	streamCfg      stt.StreamConfig
	silenceTimeout time.Duration
	maxDuration    time.Duration
	minChars       int
	echo           *transcript.EchoTrimmer
	wakeClip       *playback.Clip
	errorClip      *playback.Clip
	notice         string
	ttsHealthy     func() bool
	metrics        *observe.Metrics
	onTransition   func(from, to State)
	onSession      func(Session)

	state   atomic.Int32
	running atomic.Bool
	started atomic.Bool

	// Owned by the control goroutine.
	group       *errgroup.Group
	cur         *active
	transcripts chan transcriptMsg
	replies     chan replyMsg
}

type transcriptMsg struct {
	s    *active
	ev   stt.Event
	done bool
	err  error
}

type replyMsg struct {
	s     *active
	reply agent.Reply
	err   error
}

// New returns an Orchestrator in the Idle-Listening state.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if cfg.Source == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if cfg.Detector == nil {
		errs = append(errs, errors.New("wake detector is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if cfg.Agent == nil {
		errs = append(errs, errors.New("agent is required"))
	}
	if cfg.Player == nil {
		errs = append(errs, errors.New("player is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		source:         cfg.Source,
		detector:       cfg.Detector,
		stt:            cfg.STT,
		agent:          cfg.Agent,
		player:         cfg.Player,
		queueSize:      audio.DefaultQueueSize,
		streamCfg:      stt.StreamConfig{SampleRate: 16000, Channels: 1},
		silenceTimeout: DefaultSilenceTimeout,
		maxDuration:    DefaultMaxDuration,
		minChars:       DefaultMinChars,
		notice:         DefaultNotice,
		ttsHealthy:     func() bool { return true },
		transcripts:    make(chan transcriptMsg, 16),
		replies:        make(chan replyMsg, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = audio.NewBroadcaster()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// State returns a snapshot of the current state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Running reports whether the audio source is capturing.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Run captures audio and serves interactions until ctx is cancelled, which
// returns nil, or a device fails, which returns an error wrapping
// [audio.ErrDevice]. Run may be called only once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("orchestrator: already started")
	}

	g, gctx := errgroup.WithContext(ctx)
	o.group = g

	wakeSub := o.bus.Subscribe("wake", o.queueSize)
	events := o.detector.Run(gctx, wakeSub.Frames())

	g.Go(func() error {
		o.running.Store(true)
		defer o.running.Store(false)
		defer o.bus.Close()
		if err := o.source.Run(gctx, o.bus.Publish); err != nil {
			return fmt.Errorf("orchestrator: audio source: %w", err)
		}
		return nil
	})
	g.Go(func() error { return o.loop(gctx, events) })

	return g.Wait()
}

// ─── Control loop ─────────────────────────────────────────────────────────────

func (o *Orchestrator) loop(ctx context.Context, events <-chan wake.Event) error {
	defer o.shutdown()
	for {
		cur := o.cur
		var err error
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			o.handleWake(ctx, ev)

		case m := <-o.transcripts:
			if m.s != cur {
				continue
			}
			err = o.handleTranscript(ctx, m)

		case <-cur.silenceC():
			o.abandon(ErrSilenceTimeout)

		case <-cur.deadlineC():
			o.abandon(ErrCaptureTooLong)

		case m := <-o.replies:
			if m.s != cur {
				continue
			}
			err = o.handleReply(ctx, m)

		case <-cur.playbackDone():
			err = o.handlePlaybackDone(ctx)
		}
		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) handleWake(ctx context.Context, ev wake.Event) {
	o.metrics.RecordWake(ctx, ev.Phrase)

	switch st := o.State(); st {
	case StateCapturing, StateTranscribing:
		slog.Debug("wake ignored while capturing", "phrase", ev.Phrase, "state", st)
		return
	case StateDispatching, StateSpeaking:
		o.log().Info("barge-in", "phrase", ev.Phrase, "state", st)
		o.player.Stop()
		o.finish(OutcomeCancelled, nil)
	}

	// A notice or cue from the previous session may still be playing.
	o.player.Stop()
	o.startCapture(ctx, ev)
}

func (o *Orchestrator) startCapture(ctx context.Context, ev wake.Event) {
	s := o.begin(ctx, ev)
	o.setState(StateCapturing)

	if o.wakeClip != nil {
		if _, err := o.player.PlayClip(s.ctx, *o.wakeClip); err != nil {
			o.log().Warn("failed to play wake sound", "err", err)
		}
	}

	// Subscribe before dialling so the words spoken while the connection
	// opens are queued for the session.
	s.sub = o.bus.Subscribe("stt", o.queueSize)
	sess, err := o.stt.StartStream(s.ctx, o.streamCfg)
	if err != nil {
		o.bus.Unsubscribe(s.sub)
		s.sub = nil
		// Opening failures are never fatal.
		_ = o.fail(ctx, fmt.Errorf("orchestrator: open transcription: %w", err))
		return
	}
	s.stt = sess
	s.captureStart = time.Now()
	s.silence = time.NewTimer(o.silenceTimeout)
	s.deadline = time.NewTimer(o.maxDuration)

	frames := s.sub.Frames()
	o.group.Go(func() error {
		feed(sess, frames)
		return nil
	})
	o.group.Go(func() error {
		o.readTranscripts(s, sess)
		return nil
	})
}

// feed forwards captured frames to the transcription session until the
// subscription is closed.
func feed(sess stt.SessionHandle, frames <-chan audio.Frame) {
	for f := range frames {
		if err := sess.SendAudio(audio.EncodePCM16(f.Samples)); err != nil {
			if errors.Is(err, stt.ErrSessionClosed) {
				audio.Drain(frames)
				return
			}
			slog.Debug("failed to send audio", "err", err)
		}
	}
}

func (o *Orchestrator) readTranscripts(s *active, sess stt.SessionHandle) {
	for ev := range sess.Events() {
		select {
		case o.transcripts <- transcriptMsg{s: s, ev: ev}:
		case <-s.ctx.Done():
			return
		}
		if ev.Final {
			return
		}
	}
	select {
	case o.transcripts <- transcriptMsg{s: s, done: true, err: sess.Err()}:
	case <-s.ctx.Done():
	}
}

func (o *Orchestrator) handleTranscript(ctx context.Context, m transcriptMsg) error {
	s := o.cur
	if s.stt == nil {
		// Capture already closed by a final.
		return nil
	}
	if m.done {
		if m.err != nil {
			return o.fail(ctx, fmt.Errorf("orchestrator: transcription: %w", m.err))
		}
		o.abandon(errors.New("orchestrator: transcription ended without a final result"))
		return nil
	}

	if !m.ev.Final {
		if strings.TrimSpace(m.ev.Text) != "" && s.silence != nil {
			s.silence.Reset(o.silenceTimeout)
		}
		return nil
	}

	o.setState(StateTranscribing)
	o.metrics.STTDuration.Record(ctx, time.Since(s.captureStart).Seconds())
	o.closeCapture(s)

	text := strings.TrimSpace(m.ev.Text)
	if o.echo != nil {
		if trimmed, ok := o.echo.Trim(text); ok {
			o.log().Debug("trimmed wake phrase echo", "heard", text, "command", trimmed)
			text = trimmed
		}
	}
	if text == "" || utf8.RuneCountInString(text) < o.minChars {
		o.abandon(fmt.Errorf("orchestrator: command %q is shorter than %d characters", text, o.minChars))
		return nil
	}

	s.Command = text
	o.log().Info("command captured", "text", text)
	o.setState(StateDispatching)
	o.dispatch(s, text)
	return nil
}

func (o *Orchestrator) dispatch(s *active, text string) {
	dctx, cancel := context.WithCancel(s.ctx)
	dctx, span := observe.StartSpan(dctx, "orchestrator.dispatch")
	s.cancelDispatch = cancel

	o.group.Go(func() error {
		defer span.End()
		start := time.Now()
		reply, err := o.agent.Dispatch(dctx, text)
		o.metrics.AgentDuration.Record(dctx, time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		select {
		case o.replies <- replyMsg{s: s, reply: reply, err: err}:
		case <-s.ctx.Done():
		}
		return nil
	})
}

func (o *Orchestrator) handleReply(ctx context.Context, m replyMsg) error {
	s := o.cur
	if s.cancelDispatch != nil {
		s.cancelDispatch()
		s.cancelDispatch = nil
	}
	if m.err != nil {
		return o.fail(ctx, fmt.Errorf("orchestrator: dispatch: %w", m.err))
	}

	text := strings.TrimSpace(m.reply.Text)
	s.Reply = text
	if text == "" {
		o.log().Info("agent returned an empty reply")
		o.finish(OutcomeCompleted, nil)
		o.setState(StateIdle)
		return nil
	}

	pctx, span := observe.StartSpan(s.ctx, "orchestrator.speak")
	h, err := o.player.Open(pctx, text)
	if err != nil {
		span.End()
		return o.fail(ctx, fmt.Errorf("orchestrator: speak: %w", err))
	}
	s.handle = h
	s.speakSpan = span
	o.setState(StateSpeaking)
	return nil
}

func (o *Orchestrator) handlePlaybackDone(ctx context.Context) error {
	s := o.cur
	err := s.handle.Wait(context.Background())
	s.handle = nil
	switch {
	case err == nil:
		o.finish(OutcomeCompleted, nil)
		o.setState(StateIdle)
		return nil
	case errors.Is(err, playback.ErrCancelled):
		o.finish(OutcomeCancelled, nil)
		o.setState(StateIdle)
		return nil
	default:
		return o.fail(ctx, fmt.Errorf("orchestrator: playback: %w", err))
	}
}

// ─── Session bookkeeping ──────────────────────────────────────────────────────

func (o *Orchestrator) begin(ctx context.Context, ev wake.Event) *active {
	id := uuid.NewString()
	sctx, span := observe.StartSpan(observe.WithSession(ctx, id), "orchestrator.session",
		trace.WithAttributes(attribute.String("phrase", ev.Phrase)))
	sctx, cancel := context.WithCancel(sctx)

	s := &active{
		Session: Session{ID: id, Phrase: ev.Phrase, StartedAt: time.Now()},
		ctx:     sctx,
		cancel:  cancel,
		span:    span,
	}
	o.cur = s
	o.metrics.ActiveSessions.Add(ctx, 1)
	o.log().Info("session started", "phrase", ev.Phrase, "confidence", ev.Confidence)
	return s
}

// finish ends the current session. It leaves the state to the caller.
func (o *Orchestrator) finish(outcome Outcome, err error) {
	s := o.cur
	if s == nil {
		return
	}
	log := o.log()
	o.cur = nil

	o.closeCapture(s)
	if s.cancelDispatch != nil {
		s.cancelDispatch()
		s.cancelDispatch = nil
	}
	if s.handle != nil {
		s.handle.Cancel()
		s.handle = nil
	}
	if s.speakSpan != nil {
		s.speakSpan.End()
	}

	s.Outcome = outcome
	s.Err = err
	s.EndedAt = time.Now()

	s.span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome == OutcomeFailed && err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
	s.cancel()

	// Metrics outlive the session context.
	mctx := context.Background()
	o.metrics.RecordSession(mctx, string(outcome))
	o.metrics.ActiveSessions.Add(mctx, -1)

	attrs := []any{"outcome", outcome, "duration", s.Duration()}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	log.Info("session finished", attrs...)

	if o.onSession != nil {
		o.onSession(s.Session)
	}
}

// closeCapture stops feeding audio and releases the transcription session.
func (o *Orchestrator) closeCapture(s *active) {
	s.stopTimers()
	if s.sub != nil {
		o.bus.Unsubscribe(s.sub)
		s.sub = nil
	}
	if s.stt != nil {
		if err := s.stt.Close(); err != nil {
			slog.Debug("failed to close transcription session", "err", err)
		}
		s.stt = nil
	}
}

func (o *Orchestrator) abandon(reason error) {
	o.log().Info("command abandoned", "reason", reason)
	o.finish(OutcomeAbandoned, reason)
	o.setState(StateIdle)
}

// fail ends the current session as failed and returns to Idle-Listening.
// Device errors are returned so that the control loop stops; everything else
// is reported to the user and swallowed.
func (o *Orchestrator) fail(ctx context.Context, err error) error {
	kind := Classify(err)
	o.log().Warn("session failed", "err", err, "kind", kind)
	o.finish(OutcomeFailed, err)
	o.setState(StateIdle)
	if kind.Fatal() {
		return err
	}
	o.notify(ctx, err)
	return nil
}

// notify tells the user that something went wrong: by voice when synthesis
// works and was not the cause, else with the error sound.
func (o *Orchestrator) notify(ctx context.Context, cause error) {
	if o.notice != "" && !errors.Is(cause, playback.ErrSynthesis) && o.ttsHealthy() {
		_, err := o.player.Open(ctx, o.notice)
		if err == nil {
			return
		}
		slog.Warn("failed to speak failure notice", "err", err)
	}
	if o.errorClip != nil {
		if _, err := o.player.PlayClip(ctx, *o.errorClip); err != nil {
			slog.Warn("failed to play error sound", "err", err)
		}
	}
}

func (o *Orchestrator) setState(to State) {
	from := State(o.state.Swap(int32(to)))
	if from == to {
		return
	}
	o.metrics.RecordTransition(context.Background(), from.String(), to.String())
	slog.Debug("state changed", "from", from, "to", to)
	if o.onTransition != nil {
		o.onTransition(from, to)
	}
}

func (o *Orchestrator) log() *slog.Logger {
	if o.cur == nil {
		return slog.Default()
	}
	return observe.Logger(o.cur.ctx)
}

func (o *Orchestrator) shutdown() {
	if o.cur != nil {
		o.player.Stop()
		o.finish(OutcomeCancelled, context.Canceled)
	}
	o.player.Stop()
	o.setState(StateIdle)
}
