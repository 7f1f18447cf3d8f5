// Command moss is a wake-word voice assistant: it listens on the local
// microphone, transcribes the command that follows the wake phrase, answers it
// with an LLM agent and speaks the reply.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/mawwalker/moss/internal/agent"
	"github.com/mawwalker/moss/internal/config"
	"github.com/mawwalker/moss/internal/health"
	"github.com/mawwalker/moss/internal/mcp"
	"github.com/mawwalker/moss/internal/mcp/mcphost"
	"github.com/mawwalker/moss/internal/mcp/tools/weather"
	"github.com/mawwalker/moss/internal/mcp/tools/websearch"
	"github.com/mawwalker/moss/internal/observe"
	"github.com/mawwalker/moss/internal/orchestrator"
	"github.com/mawwalker/moss/internal/playback"
	"github.com/mawwalker/moss/internal/resilience"
	"github.com/mawwalker/moss/internal/transcript"
	"github.com/mawwalker/moss/pkg/audio"
	"github.com/mawwalker/moss/pkg/audio/device"
	"github.com/mawwalker/moss/pkg/provider/llm"
	"github.com/mawwalker/moss/pkg/provider/llm/anyllm"
	"github.com/mawwalker/moss/pkg/provider/llm/openai"
	"github.com/mawwalker/moss/pkg/provider/stt"
	"github.com/mawwalker/moss/pkg/provider/stt/realtime"
	"github.com/mawwalker/moss/pkg/provider/tts"
	"github.com/mawwalker/moss/pkg/provider/tts/httptts"
	"github.com/mawwalker/moss/pkg/provider/wake"
	"github.com/mawwalker/moss/pkg/provider/wake/sherpa"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration file")
	keywordsFile := flag.String("keywords-file", "", "wake keywords file (overrides wake.keywords_file)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the configuration; a missing file is ignored")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "moss: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "moss: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "moss: %v\n", err)
		}
		return 1
	}
	if *keywordsFile != "" {
		cfg.Wake.KeywordsFile = *keywordsFile
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := cfg.Server.LogLevel
	if *verbose {
		level = config.LogDebug
	}
	slog.SetDefault(newLogger(level))

	slog.Info("moss starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", level,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Init(ctx, observe.ProviderConfig{ServiceName: "moss"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := tel.Metrics

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	p, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer p.close()

	// ── Tools ─────────────────────────────────────────────────────────────────
	host := mcphost.New(mcphost.WithCallHook(metrics.RecordToolCall))
	defer func() {
		if err := host.Close(); err != nil {
			slog.Warn("mcp host close error", "err", err)
		}
	}()
	registerTools(ctx, host, cfg)

	// ── Agent, playback and orchestrator ──────────────────────────────────────
	dispatcher, err := agent.New(p.llm, agentOptions(cfg, host)...)
	if err != nil {
		slog.Error("failed to create agent", "err", err)
		return 1
	}

	player, err := playback.New(p.sink, p.tts, playback.WithFirstAudioHook(func(d time.Duration) {
		metrics.TTSFirstAudio.Record(context.Background(), d.Seconds())
	}))
	if err != nil {
		slog.Error("failed to create player", "err", err)
		return 1
	}
	defer func() {
		if err := player.Close(); err != nil {
			slog.Warn("speaker close error", "err", err)
		}
	}()

	detector := wake.NewDetector(p.wake,
		wake.WithThreshold(cfg.Wake.Threshold),
		wake.WithRefractory(cfg.Wake.Refractory),
		wake.WithRejectHook(func(phrase string, score float64) {
			slog.Debug("wake below threshold", "phrase", phrase, "score", score)
		}),
	)
	defer func() {
		if err := detector.Close(); err != nil {
			slog.Warn("wake engine close error", "err", err)
		}
	}()

	opts, err := orchestratorOptions(cfg, p, metrics)
	if err != nil {
		slog.Error("failed to prepare orchestrator", "err", err)
		return 1
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Source:   p.source,
		Detector: detector,
		STT:      p.stt,
		Agent:    dispatcher,
		Player:   player,
	}, opts...)
	if err != nil {
		slog.Error("failed to create orchestrator", "err", err)
		return 1
	}

	printStartupSummary(cfg, host)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })

	if srv := newAdminServer(cfg, orch, p, tel); srv != nil {
		g.Go(func() error {
			slog.Info("admin server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	slog.Info("listening for the wake phrase, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err, "kind", orchestrator.Classify(err))
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	reg.RegisterWake("sherpa", func(config.ProviderEntry) (wake.Engine, error) {
		m := cfg.Wake.Model
		return sherpa.New(sherpa.Config{
			Encoder:           m.Encoder,
			Decoder:           m.Decoder,
			Joiner:            m.Joiner,
			Tokens:            m.Tokens,
			KeywordsFile:      cfg.Wake.KeywordsFile,
			SampleRate:        cfg.Audio.InputSampleRate,
			NumThreads:        m.NumThreads,
			Provider:          m.Provider,
			KeywordsScore:     m.KeywordsScore,
			KeywordsThreshold: m.KeywordsThreshold,
			NumTrailingBlanks: m.NumTrailingBlanks,
		})
	})

	reg.RegisterAudio("local", func(config.ProviderEntry) (audio.Source, audio.Sink, error) {
		mic, err := device.NewMicrophone(device.MicrophoneConfig{
			SampleRate:    cfg.Audio.InputSampleRate,
			FrameDuration: cfg.Audio.FrameDuration,
		})
		if err != nil {
			return nil, nil, err
		}
		spk, err := device.NewSpeaker(device.SpeakerConfig{SampleRate: cfg.Audio.OutputSampleRate})
		if err != nil {
			_ = mic.Close()
			return nil, nil, err
		}
		return mic, spk, nil
	})

	reg.RegisterSTT("realtime", func(entry config.ProviderEntry) (stt.Provider, error) {
		return realtime.New(entry.BaseURL), nil
	})

	reg.RegisterTTS("http", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []httptts.Option{httptts.WithOutputSampleRate(cfg.Audio.OutputSampleRate)}
		if c := entry.Option("character", ""); c != "" {
			opts = append(opts, httptts.WithCharacter(c))
		}
		return httptts.New(entry.BaseURL, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if v := entry.Option("timeout", ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("options.timeout: %w", err)
			}
			opts = append(opts, openai.WithTimeout(d))
		}
		if v := entry.Option("max_retries", ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("options.max_retries: %w", err)
			}
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})
	// "openai" keeps its own client, which also serves DashScope and vLLM.
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}
}

// providers holds everything built from the registry.
type providers struct {
	wake   wake.Engine
	source audio.Source
	sink   audio.Sink
	stt    *resilience.STTFallback
	tts    *resilience.TTSFallback
	llm    *resilience.LLMFallback
}

// close releases the capture device. The sink and the wake engine are owned
// by the player and the detector.
func (p *providers) close() {
	if c, ok := p.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("microphone close error", "err", err)
		}
	}
}

// buildProviders instantiates the providers named in cfg. STT, TTS and LLM are
// wrapped in fallback groups so that configured alternates take over when the
// primary fails or its circuit breaker is open.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*providers, error) {
	fb := resilience.FallbackConfig{
		OnError: func(provider string, err error) {
			metrics.RecordProviderError(context.Background(), provider, orchestrator.Classify(err).String())
		},
	}
	ps := &providers{}

	engine, err := reg.CreateWake(cfg.Providers.Wake)
	if err != nil {
		return nil, fmt.Errorf("create wake engine %q: %w", cfg.Providers.Wake.Name, err)
	}
	ps.wake = engine

	src, sink, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("open audio %q: %w", cfg.Providers.Audio.Name, err)
	}
	ps.source, ps.sink = src, sink

	fail := func(err error) (*providers, error) {
		ps.close()
		_ = sink.Close()
		_ = engine.Close()
		return nil, err
	}

	sttPrimary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return fail(fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err))
	}
	ps.stt = resilience.NewSTTFallback(sttPrimary, cfg.Providers.STT.Name, fb)
	for _, e := range cfg.Providers.STTFallbacks {
		p, err := reg.CreateSTT(e)
		if err != nil {
			return fail(fmt.Errorf("create stt fallback %q: %w", e.Name, err))
		}
		ps.stt.AddFallback(e.Name, p)
	}

	ttsPrimary, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return fail(fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err))
	}
	ps.tts = resilience.NewTTSFallback(ttsPrimary, cfg.Providers.TTS.Name, fb)
	for _, e := range cfg.Providers.TTSFallbacks {
		p, err := reg.CreateTTS(e)
		if err != nil {
			return fail(fmt.Errorf("create tts fallback %q: %w", e.Name, err))
		}
		ps.tts.AddFallback(e.Name, p)
	}

	llmPrimary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return fail(fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err))
	}
	ps.llm = resilience.NewLLMFallback(llmPrimary, cfg.Providers.LLM.Name, fb)
	for _, e := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return fail(fmt.Errorf("create llm fallback %q: %w", e.Name, err))
		}
		ps.llm.AddFallback(e.Name, p)
	}

	for kind, e := range map[string]config.ProviderEntry{
		"wake": cfg.Providers.Wake, "audio": cfg.Providers.Audio,
		"stt": cfg.Providers.STT, "tts": cfg.Providers.TTS, "llm": cfg.Providers.LLM,
	} {
		slog.Info("provider created", "kind", kind, "name", e.Name)
	}
	return ps, nil
}

// registerTools adds the built-in tools and connects the configured MCP
// servers. Tool sources that fail are logged and skipped.
func registerTools(ctx context.Context, host *mcphost.Host, cfg *config.Config) {
	if key := cfg.Tools.OpenWeatherMap.APIKey; key != "" {
		if err := host.RegisterTools(weather.Tools(key)); err != nil {
			slog.Warn("failed to register weather tool", "err", err)
		}
	}
	if key := cfg.Tools.Tavily.APIKey; key != "" {
		if err := host.RegisterTools(websearch.Tools(key, websearch.WithMaxResults(cfg.Tools.Tavily.MaxResults))); err != nil {
			slog.Warn("failed to register web search tool", "err", err)
		}
	}

	servers := make([]mcp.ServerConfig, 0, len(cfg.MCP.Servers)+1)
	if ha := cfg.Tools.HomeAssistant; ha.Enabled {
		servers = append(servers, config.MCPServerConfig{
			Name:      "home_assistant",
			Transport: mcp.TransportStreamableHTTP,
			URL:       ha.URL,
			Token:     ha.Token,
		}.ServerConfig())
	}
	for _, s := range cfg.MCP.Servers {
		servers = append(servers, s.ServerConfig())
	}
	for _, s := range servers {
		if err := host.RegisterServer(ctx, s); err != nil {
			slog.Warn("failed to connect MCP server", "name", s.Name, "err", err)
			continue
		}
		slog.Info("mcp server connected", "name", s.Name)
	}
}

func agentOptions(cfg *config.Config, host *mcphost.Host) []agent.Option {
	a := cfg.Agent
	opts := []agent.Option{
		agent.WithTools(host),
		agent.WithTimeout(a.Timeout),
		agent.WithMaxHistory(a.MaxHistory),
		agent.WithMaxToolRounds(a.MaxToolRounds),
		agent.WithLanguage(a.Language),
	}
	if a.Temperature != nil {
		opts = append(opts, agent.WithTemperature(*a.Temperature))
	}
	if a.MaxTokens > 0 {
		opts = append(opts, agent.WithMaxTokens(a.MaxTokens))
	}
	if cfg.Tools.HomeAssistant.Enabled {
		opts = append(opts, agent.WithHomeAssistant())
	}
	if a.Instructions != "" {
		opts = append(opts, agent.WithInstructions(a.Instructions))
	}
	return opts
}

func orchestratorOptions(cfg *config.Config, p *providers, metrics *observe.Metrics) ([]orchestrator.Option, error) {
	opts := []orchestrator.Option{
		orchestrator.WithSilenceTimeout(cfg.Capture.SilenceTimeout),
		orchestrator.WithMaxDuration(cfg.Capture.MaxDuration),
		orchestrator.WithMinChars(cfg.Capture.MinChars),
		orchestrator.WithNotice(cfg.Notice.Text),
		orchestrator.WithTTSHealth(p.tts.Healthy),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithQueueSize(cfg.Audio.QueueSize),
		orchestrator.WithBroadcaster(audio.NewBroadcaster(audio.WithDropHook(metrics.RecordFrameDropped))),
		orchestrator.WithStreamConfig(stt.StreamConfig{
			SampleRate: cfg.Audio.InputSampleRate,
			Channels:   1,
		}),
	}

	if !cfg.Capture.KeepWakeEcho {
		kws, err := wake.LoadKeywords(cfg.Wake.KeywordsFile)
		if err != nil {
			return nil, fmt.Errorf("load wake phrases: %w", err)
		}
		opts = append(opts, orchestrator.WithEchoTrimmer(transcript.NewEchoTrimmer(wake.Labels(kws), nil)))
	}

	if path := cfg.Sounds.Wake; path != "" {
		clip, err := playback.LoadClip(path)
		if err != nil {
			return nil, fmt.Errorf("load wake sound: %w", err)
		}
		opts = append(opts, orchestrator.WithWakeClip(clip))
	}
	if path := cfg.Sounds.Error; path != "" {
		clip, err := playback.LoadClip(path)
		if err != nil {
			return nil, fmt.Errorf("load error sound: %w", err)
		}
		opts = append(opts, orchestrator.WithErrorClip(clip))
	}
	return opts, nil
}

// ── Admin server ──────────────────────────────────────────────────────────────

// newAdminServer returns the health and metrics server, or nil when
// server.listen_addr is "off".
func newAdminServer(cfg *config.Config, orch *orchestrator.Orchestrator, p *providers, tel *observe.Telemetry) *http.Server {
	addr := cfg.Server.ListenAddr
	if addr == "" || addr == "off" {
		return nil
	}

	sttURL := cfg.Providers.STT.BaseURL
	if sttURL == "" {
		sttURL = realtime.DefaultURL
	}
	checks := health.New(
		health.Flag("audio_source", orch.Running, "microphone is not capturing"),
		health.Reachable("stt", sttURL),
		health.Flag("stt_backends", p.stt.Healthy, "all STT circuit breakers are open"),
		health.Flag("tts", p.tts.Healthy, "all TTS circuit breakers are open"),
		health.Flag("llm", p.llm.Healthy, "all LLM circuit breakers are open"),
	)

	r := chi.NewRouter()
	r.Use(observe.Middleware(tel.Metrics))
	checks.Register(r)
	r.Handle("/metrics", tel.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, host *mcphost.Host) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           moss, startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Wake", cfg.Providers.Wake.Name, cfg.Wake.KeywordsFile)
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  Fallbacks       : %-19s ║\n", fmt.Sprintf("%d stt, %d tts, %d llm",
		len(cfg.Providers.STTFallbacks), len(cfg.Providers.TTSFallbacks), len(cfg.Providers.LLMFallbacks)))
	fmt.Printf("║  Tools           : %-19d ║\n", len(host.AvailableTools()))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if addr := cfg.Server.ListenAddr; addr != "" && addr != "off" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", addr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
