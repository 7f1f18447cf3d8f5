package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mawwalker/moss/internal/mcp"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"wake":  {"sherpa"},
	"audio": {"local"},
	"stt":   {"realtime"},
	"tts":   {"http"},
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Environment variables read by [ApplyEnv].
const (
	EnvLLMKey         = "LLM_AK"
	EnvLLMURL         = "LLM_URL"
	EnvLLMModel       = "LLM_MODEL"
	EnvTTSSampleRate  = "TTS_SR"
	EnvOpenWeatherKey = "OPENWEATHERMAP_API_KEY"
	EnvTavilyKey      = "TAVILY_API_KEY"
	EnvHassToken      = "HASS_TOKEN"
	EnvSTTURL         = "STT_URL"
	EnvTTSURL         = "TTS_URL"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is [Load] with an explicit environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set are kept. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides secrets and endpoints with the environment variables
// that are set.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Providers.LLM.APIKey, EnvLLMKey)
	set(&cfg.Providers.LLM.BaseURL, EnvLLMURL)
	set(&cfg.Providers.LLM.Model, EnvLLMModel)
	set(&cfg.Providers.STT.BaseURL, EnvSTTURL)
	set(&cfg.Providers.TTS.BaseURL, EnvTTSURL)
	set(&cfg.Tools.OpenWeatherMap.APIKey, EnvOpenWeatherKey)
	set(&cfg.Tools.Tavily.APIKey, EnvTavilyKey)
	set(&cfg.Tools.HomeAssistant.Token, EnvHassToken)

	if v := getenv(EnvTTSSampleRate); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return fmt.Errorf("config: %s=%q is not a positive integer", EnvTTSSampleRate, v)
		}
		cfg.Audio.OutputSampleRate = rate
	}
	return nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputRate
	}
	if cfg.Audio.FrameDuration == 0 {
		cfg.Audio.FrameDuration = DefaultFrameDuration
	}
	if cfg.Audio.QueueSize == 0 {
		cfg.Audio.QueueSize = DefaultQueueSize
	}

	if cfg.Wake.Threshold == 0 {
		cfg.Wake.Threshold = DefaultWakeThreshold
	}
	if cfg.Wake.Refractory == 0 {
		cfg.Wake.Refractory = DefaultWakeRefractory
	}

	if cfg.Capture.SilenceTimeout == 0 {
		cfg.Capture.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.Capture.MaxDuration == 0 {
		cfg.Capture.MaxDuration = DefaultMaxDuration
	}
	if cfg.Capture.MinChars == 0 {
		cfg.Capture.MinChars = DefaultMinChars
	}

	if cfg.Providers.Wake.Name == "" {
		cfg.Providers.Wake.Name = "sherpa"
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = "local"
	}

	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = DefaultAgentTimeout
	}
	if cfg.Agent.MaxHistory == 0 {
		cfg.Agent.MaxHistory = DefaultMaxHistory
	}
	if cfg.Agent.MaxToolRounds == 0 {
		cfg.Agent.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.Agent.Temperature == nil {
		t := DefaultTemperature
		cfg.Agent.Temperature = &t
	}
	if cfg.Agent.Language == "" {
		cfg.Agent.Language = DefaultLanguage
	}

	if cfg.Tools.Tavily.MaxResults == 0 {
		cfg.Tools.Tavily.MaxResults = DefaultTavilyMaxResults
	}
	if cfg.Notice.Text == "" {
		cfg.Notice.Text = DefaultNoticeText
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must be positive", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must be positive", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s must be positive", cfg.Audio.FrameDuration))
	}
	if cfg.Audio.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_size %d must be positive", cfg.Audio.QueueSize))
	}

	// Wake
	if cfg.Wake.Threshold < 0 || cfg.Wake.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wake.threshold %.2f is out of range [0, 1]", cfg.Wake.Threshold))
	}
	if cfg.Wake.Refractory < 0 {
		errs = append(errs, fmt.Errorf("wake.refractory %s must not be negative", cfg.Wake.Refractory))
	}

	// Capture
	if cfg.Capture.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.silence_timeout %s must not be negative", cfg.Capture.SilenceTimeout))
	}
	if cfg.Capture.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("capture.max_duration %s must not be negative", cfg.Capture.MaxDuration))
	}
	if cfg.Capture.SilenceTimeout > 0 && cfg.Capture.MaxDuration > 0 && cfg.Capture.MaxDuration < cfg.Capture.SilenceTimeout {
		errs = append(errs, fmt.Errorf("capture.max_duration %s is shorter than capture.silence_timeout %s", cfg.Capture.MaxDuration, cfg.Capture.SilenceTimeout))
	}
	if cfg.Capture.MinChars < 0 {
		errs = append(errs, fmt.Errorf("capture.min_chars %d must not be negative", cfg.Capture.MinChars))
	}

	// Providers
	required := []struct {
		kind  string
		entry ProviderEntry
	}{
		{"stt", cfg.Providers.STT},
		{"tts", cfg.Providers.TTS},
		{"llm", cfg.Providers.LLM},
	}
	for _, r := range required {
		if r.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", r.kind))
		}
	}
	validateProviderName("wake", cfg.Providers.Wake.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	errs = append(errs, validateFallbacks("stt", cfg.Providers.STTFallbacks)...)
	errs = append(errs, validateFallbacks("tts", cfg.Providers.TTSFallbacks)...)
	errs = append(errs, validateFallbacks("llm", cfg.Providers.LLMFallbacks)...)

	// Agent
	if cfg.Agent.Timeout < 0 {
		errs = append(errs, fmt.Errorf("agent.timeout %s must not be negative", cfg.Agent.Timeout))
	}
	if cfg.Agent.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("agent.max_history %d must not be negative", cfg.Agent.MaxHistory))
	}
	if cfg.Agent.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("agent.max_tool_rounds %d must not be negative", cfg.Agent.MaxToolRounds))
	}
	if t := cfg.Agent.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", *t))
	}

	// Tools
	if cfg.Tools.HomeAssistant.Enabled && cfg.Tools.HomeAssistant.URL == "" {
		errs = append(errs, errors.New("tools.home_assistant.url is required when home_assistant is enabled"))
	}
	if cfg.Tools.HomeAssistant.Enabled && cfg.Tools.HomeAssistant.Token == "" {
		slog.Warn("tools.home_assistant.token is empty; set HASS_TOKEN or the requests will be rejected")
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

func validateFallbacks(kind string, entries []ProviderEntry) []error {
	var errs []error
	for i, e := range entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, e.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
