// Package agent turns a finished voice command into a spoken-ready reply.
//
// A [Dispatcher] sends the command to an LLM together with a bounded
// conversation history and the tools offered by an MCP host. It runs the
// tool-calling loop until the model answers in text, and returns that text as
// a [Reply]. Calls are serialised: the history is a single conversation.
//
// This package lives under internal/ because it encapsulates application-private
// orchestration logic and is not intended to be imported by external code.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mawwalker/moss/internal/mcp"
	"github.com/mawwalker/moss/pkg/provider/llm"
)

// Defaults applied by [New].
const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxHistory    = 20
	DefaultMaxToolRounds = 5
	DefaultTemperature   = 0.1
	DefaultLanguage      = "Chinese"
)

// ErrTimeout is returned by [Dispatcher.Dispatch] when the reply did not
// arrive within the configured ceiling.
var ErrTimeout = errors.New("agent: timed out")

// ToolTrace records one tool invocation made while producing a reply.
type ToolTrace struct {
	Name      string
	Arguments string
	Result    string
	IsError   bool
	Duration  time.Duration
}

// Reply is the agent's answer to one command. Callers that only speak the
// reply read Text; ToolCalls is informational.
type Reply struct {
	Text      string
	ToolCalls []ToolTrace
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithTools offers the host's tools to the model.
func WithTools(host mcp.Host) Option {
	return func(d *Dispatcher) { d.tools = host }
}

// WithTimeout sets the ceiling for one Dispatch, tool calls included.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithMaxHistory sets how many past messages are sent with each command.
// Zero disables history.
func WithMaxHistory(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxHistory = n
		}
	}
}

// WithMaxToolRounds bounds how many rounds of tool calls one command may
// trigger before the model is asked to answer without tools.
func WithMaxToolRounds(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxToolRounds = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(d *Dispatcher) { d.temperature = t }
}

// WithMaxTokens caps the length of each completion. Zero leaves it to the
// provider.
func WithMaxTokens(n int) Option {
	return func(d *Dispatcher) { d.maxTokens = n }
}

// WithLanguage sets the language replies must be written in.
func WithLanguage(lang string) Option {
	return func(d *Dispatcher) {
		if lang != "" {
			d.language = lang
		}
	}
}

// WithInstructions appends extra sections to the system prompt.
func WithInstructions(s string) Option {
	return func(d *Dispatcher) { d.instructions = s }
}

// WithHomeAssistant tells the model how to control smart-home devices. Use it
// when the Home Assistant tools are registered.
func WithHomeAssistant() Option {
	return func(d *Dispatcher) { d.homeAssistant = true }
}

// WithClock replaces time.Now for the date in the system prompt.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher is the LLM-backed conversational agent.
type Dispatcher struct {
	llm           llm.Provider
	tools         mcp.Host
	timeout       time.Duration
	maxHistory    int
	maxToolRounds int
	temperature   float64
	maxTokens     int
	language      string
	instructions  string
	homeAssistant bool
	now           func() time.Time
	caps          llm.ModelCapabilities

	mu      sync.Mutex
	history *history
}

// New returns a Dispatcher that completes through provider.
func New(provider llm.Provider, opts ...Option) (*Dispatcher, error) {
	if provider == nil {
		return nil, errors.New("agent: LLM provider must not be nil")
	}
	d := &Dispatcher{
		llm:           provider,
		timeout:       DefaultTimeout,
		maxHistory:    DefaultMaxHistory,
		maxToolRounds: DefaultMaxToolRounds,
		temperature:   DefaultTemperature,
		language:      DefaultLanguage,
		now:           time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.history = newHistory(d.maxHistory)

	d.caps = provider.Capabilities()
	if d.caps.MaxOutputTokens > 0 && d.maxTokens > d.caps.MaxOutputTokens {
		d.maxTokens = d.caps.MaxOutputTokens
	}
	if d.tools != nil && !d.toolCalling() {
		slog.Warn("agent: model does not support tool calling, tools disabled")
	}
	return d, nil
}

// Dispatch sends text to the model and returns its reply. It blocks until the
// reply is complete, ctx is cancelled, or the timeout expires, in which case
// the error wraps [ErrTimeout]. Upstream failures are wrapped and never
// retried. A failed Dispatch leaves the conversation history unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) (Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Reply{}, fmt.Errorf("agent: %w", err)
	}

	tctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	user := llm.Message{Role: llm.RoleUser, Content: text}
	msgs := append(d.history.Messages(), user)

	var defs []llm.ToolDefinition
	if d.tools != nil && d.toolCalling() {
		defs = d.tools.AvailableTools()
	}
	system := d.systemPrompt()

	var reply Reply
	for round := 0; ; round++ {
		req := llm.CompletionRequest{
			SystemPrompt: system,
			Messages:     msgs,
			Temperature:  d.temperature,
			MaxTokens:    d.maxTokens,
		}
		if round < d.maxToolRounds {
			req.Tools = defs
		}

		resp, err := d.llm.Complete(tctx, req)
		if err != nil {
			return Reply{}, d.wrapErr(ctx, tctx, "complete", err)
		}

		if len(resp.ToolCalls) == 0 || len(req.Tools) == 0 {
			if len(resp.ToolCalls) > 0 {
				slog.Warn("agent: ignoring tool calls the model was not offered",
					"round", round, "calls", len(resp.ToolCalls))
			}
			reply.Text = PlainText(resp.Content)
			break
		}

		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			trace := d.runTool(tctx, call)
			if err := tctx.Err(); err != nil {
				return Reply{}, d.wrapErr(ctx, tctx, "tool "+call.Name, err)
			}
			reply.ToolCalls = append(reply.ToolCalls, trace)
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    trace.Result,
			})
		}
	}

	d.history.Add(user, llm.Message{Role: llm.RoleAssistant, Content: reply.Text})
	return reply, nil
}

// toolCalling reports whether tools may be offered. A zero capability set
// means the model is unknown, and tools are offered.
func (d *Dispatcher) toolCalling() bool {
	return d.caps == (llm.ModelCapabilities{}) || d.caps.SupportsToolCalling
}

// runTool executes one call. Tool failures are reported back to the model as
// the tool's result rather than ending the dispatch.
func (d *Dispatcher) runTool(ctx context.Context, call llm.ToolCall) ToolTrace {
	trace := ToolTrace{Name: call.Name, Arguments: call.Arguments}
	if d.tools == nil {
		trace.Result, trace.IsError = fmt.Sprintf("error: tool %q is not available", call.Name), true
		return trace
	}

	start := time.Now()
	res, err := d.tools.ExecuteTool(ctx, call.Name, call.Arguments)
	trace.Duration = time.Since(start)

	switch {
	case err != nil:
		trace.Result, trace.IsError = "error: "+err.Error(), true
	case res.IsError:
		trace.Result, trace.IsError = "error: "+res.Content, true
	default:
		trace.Result = res.Content
	}
	slog.Debug("agent: tool call", "tool", call.Name, "duration", trace.Duration, "is_error", trace.IsError)
	return trace
}

// wrapErr reports the dispatch ceiling as ErrTimeout. Cancellation by the
// caller is passed through unchanged so that barge-in is not logged as a
// failure of the agent.
func (d *Dispatcher) wrapErr(parent, tctx context.Context, op string, err error) error {
	if parent.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %s: %w", ErrTimeout, d.timeout, op, err)
	}
	return fmt.Errorf("agent: %s: %w", op, err)
}

// History returns a copy of the messages that will precede the next command.
func (d *Dispatcher) History() []llm.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.Messages()
}

// Reset forgets the conversation.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = newHistory(d.maxHistory)
}

// PlainText strips the markdown a model may emit despite instructions, since
// the text is spoken rather than displayed.
func PlainText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		line = strings.TrimLeft(line, "#>")
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "- "); ok {
			line = rest
		} else if rest, ok := strings.CutPrefix(line, "* "); ok {
			line = rest
		}
		line = markdownMarks.Replace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

var markdownMarks = strings.NewReplacer("**", "", "__", "", "`", "")
