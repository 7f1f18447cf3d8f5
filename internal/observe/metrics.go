// Package observe provides application-wide observability primitives for
// moss: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the admin endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Init] bridges
// them to a Prometheus registry served by [Telemetry.Handler]. Tests build
// their own [Metrics] with [NewMetrics] over a private meter provider.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/mawwalker/moss"

// Metrics holds the moss instruments. Attribute keys are listed per field.
type Metrics struct {
	WakeEvents       metric.Int64Counter // phrase
	Sessions         metric.Int64Counter // outcome: completed, cancelled, failed, abandoned
	StateTransitions metric.Int64Counter // from, to

	// STTDuration runs from opening a transcription stream to its final
	// transcript.
	STTDuration metric.Float64Histogram
	// AgentDuration covers one dispatch, tool calls included.
	AgentDuration metric.Float64Histogram
	// TTSFirstAudio runs from opening playback to the first sample reaching
	// the speaker.
	TTSFirstAudio metric.Float64Histogram
	ToolDuration  metric.Float64Histogram // tool

	FramesDropped  metric.Int64Counter // subscriber
	ToolCalls      metric.Int64Counter // tool, status
	ProviderErrors metric.Int64Counter // provider, kind

	// ActiveSessions is 1 while a session is open. Sessions never overlap.
	ActiveSessions metric.Int64UpDownCounter

	HTTPRequestDuration metric.Float64Histogram // method, route, status
}

// latencyBuckets are the histogram bounds, in seconds, for voice latencies.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// instruments creates instruments on one meter and keeps the first errors.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) latency(name, desc string, bounds ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(bounds) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		WakeEvents:       b.counter("moss.wake.events", "Wake phrases detected, by phrase."),
		Sessions:         b.counter("moss.sessions", "Finished interaction sessions, by outcome."),
		StateTransitions: b.counter("moss.state.transitions", "Orchestrator state transitions."),

		STTDuration:   b.latency("moss.stt.duration", "Time from opening transcription to the final transcript.", latencyBuckets...),
		AgentDuration: b.latency("moss.agent.duration", "Latency of one agent dispatch.", latencyBuckets...),
		TTSFirstAudio: b.latency("moss.tts.first_audio", "Time from opening playback to the first audio sample.", latencyBuckets...),
		ToolDuration:  b.latency("moss.tool.duration", "Latency of tool execution.", latencyBuckets...),

		FramesDropped:  b.counter("moss.audio.frames_dropped", "Audio frames dropped by full subscriber queues."),
		ToolCalls:      b.counter("moss.tool.calls", "Tool invocations by tool name and status."),
		ProviderErrors: b.counter("moss.provider.errors", "Provider errors by provider and kind."),

		HTTPRequestDuration: b.latency("moss.http.request.duration", "Admin HTTP request latency by method and route."),
	}
	var err error
	m.ActiveSessions, err = b.meter.Int64UpDownCounter("moss.active_sessions",
		metric.WithDescription("Interaction sessions in progress."))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created on
// first use. Components fall back to it when no [Metrics] is injected.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func attrs(kv ...string) metric.MeasurementOption {
	set := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		set = append(set, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(set...)
}

// RecordWake counts one detected wake phrase.
func (m *Metrics) RecordWake(ctx context.Context, phrase string) {
	m.WakeEvents.Add(ctx, 1, attrs("phrase", phrase))
}

// RecordSession counts a finished session.
func (m *Metrics) RecordSession(ctx context.Context, outcome string) {
	m.Sessions.Add(ctx, 1, attrs("outcome", outcome))
}

// RecordTransition counts one orchestrator state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, attrs("from", from, "to", to))
}

// RecordToolCall matches the tool host's call hook.
func (m *Metrics) RecordToolCall(tool string, d time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	ctx := context.Background()
	m.ToolCalls.Add(ctx, 1, attrs("tool", tool, "status", status))
	m.ToolDuration.Record(ctx, d.Seconds(), attrs("tool", tool))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, attrs("provider", provider, "kind", kind))
}

// RecordFrameDropped matches the broadcaster's drop hook.
func (m *Metrics) RecordFrameDropped(subscriber string) {
	m.FramesDropped.Add(context.Background(), 1, attrs("subscriber", subscriber))
}
