// Package realtime provides an stt.Provider for a self-hosted streaming
// recognition server reached over a WebSocket.
//
// The client sends binary PCM16LE messages. The server answers with JSON
// objects of the form {"text": "...", "idx": N}. idx counts completed
// utterances: a message whose idx is greater than every idx seen before
// finalises the current utterance, anything else is a partial revision.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/mawwalker/moss/pkg/provider/stt"
)

const (
	// DefaultURL is the server endpoint used when none is configured.
	DefaultURL = "ws://localhost:8000/sttRealtime"

	defaultAudioBuffer = 64
	defaultEventBuffer = 32
	defaultDialTimeout = 5 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithAudioBuffer sets the outbound queue size in chunks.
func WithAudioBuffer(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.audioBuffer = n
		}
	}
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// Provider implements stt.Provider for the realtime server.
type Provider struct {
	url         string
	audioBuffer int
	dialTimeout time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider for the server at url. An empty url selects
// [DefaultURL].
func New(url string, opts ...Option) *Provider {
	if url == "" {
		url = DefaultURL
	}
	p := &Provider{
		url:         url,
		audioBuffer: defaultAudioBuffer,
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// URL returns the configured endpoint.
func (p *Provider) URL() string { return p.url }

// StartStream dials the server and starts the session's read and write loops.
// The session lives until Close, a final event, a failure, or cancellation of
// ctx.
func (p *Provider) StartStream(ctx context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, p.dialTimeout)
	defer cancelDial()

	conn, _, err := websocket.Dial(dialCtx, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w: %w", p.url, stt.ErrUnavailable, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	sess := &session{
		conn:   conn,
		cancel: cancel,
		audio:  make(chan []byte, p.audioBuffer),
		events: make(chan stt.Event, defaultEventBuffer),
		done:   make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(sctx)
	go sess.writeLoop(sctx)

	return sess, nil
}

// ---- session ----

// message is the JSON payload sent by the server. A missing idx reads as 0,
// which is never final.
type message struct {
	Text string `json:"text"`
	Idx  int    `json:"idx"`
}

// session is a live realtime session. It implements stt.SessionHandle.
type session struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	audio  chan []byte
	events chan stt.Event

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	sendMu  sync.Mutex
	dropped atomic.Int64

	errMu sync.Mutex
	err   error
}

// SendAudio queues a chunk, evicting the oldest queued chunk when full.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for {
		select {
		case s.audio <- chunk:
			return nil
		default:
		}
		select {
		case <-s.audio:
			s.dropped.Add(1)
		default:
		}
	}
}

// Events returns the event channel.
func (s *session) Events() <-chan stt.Event { return s.events }

// Err returns the failure that ended the session, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close signals done before tearing the connection down, so that SendAudio
// refuses new audio and the loops stop without waiting for in-flight I/O.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
		_ = s.conn.CloseNow()
		if n := s.dropped.Load(); n > 0 {
			slog.Debug("stt session dropped audio chunks", "count", n)
		}
	})
	return nil
}

func (s *session) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// writeLoop forwards queued audio as binary messages.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
	}
}

// readLoop turns server messages into events until the final event, a
// failure, or Close.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	maxIdx := 0
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if !s.closing() {
				s.fail(fmt.Errorf("realtime: read: %w: %w", stt.ErrDisconnected, err))
			}
			return
		}

		ev, idx, err := parseMessage(data, maxIdx)
		if err != nil {
			s.fail(err)
			return
		}
		if ev.Final {
			maxIdx = idx
		} else if ev.Text == "" {
			continue
		}
		ev.Timestamp = time.Now()

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
		if ev.Final {
			return
		}
	}
}

// parseMessage decodes one server message. maxIdx is the highest idx seen so
// far; the returned idx is the message's own.
func parseMessage(data []byte, maxIdx int) (stt.Event, int, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return stt.Event{}, 0, fmt.Errorf("realtime: %w: %v", stt.ErrProtocol, err)
	}
	return stt.Event{Text: m.Text, Final: m.Idx > maxIdx}, m.Idx, nil
}
