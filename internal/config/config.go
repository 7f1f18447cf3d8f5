// Package config provides the configuration schema, loader, and provider registry
// for the moss voice assistant.
package config

import (
	"fmt"
	"time"

	"github.com/mawwalker/moss/internal/mcp"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr       = ":9090"
	DefaultInputRate        = 16000
	DefaultOutputRate       = 24000
	DefaultFrameDuration    = 100 * time.Millisecond
	DefaultQueueSize        = 100
	DefaultSilenceTimeout   = 5 * time.Second
	DefaultMaxDuration      = 30 * time.Second
	DefaultMinChars         = 1
	DefaultAgentTimeout     = 30 * time.Second
	DefaultMaxHistory       = 20
	DefaultMaxToolRounds    = 5
	DefaultTemperature      = 0.1
	DefaultLanguage         = "Chinese"
	DefaultNoticeText       = "抱歉，出了点问题"
	DefaultWakeThreshold    = 0.5
	DefaultWakeRefractory   = 1500 * time.Millisecond
	DefaultTavilyMaxResults = 5
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Wake      WakeConfig      `yaml:"wake"`
	Capture   CaptureConfig   `yaml:"capture"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	Tools     ToolsConfig     `yaml:"tools"`
	MCP       MCPConfig       `yaml:"mcp"`
	Sounds    SoundsConfig    `yaml:"sounds"`
	Notice    NoticeConfig    `yaml:"notice"`
}

// ServerConfig holds the admin HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics (e.g., ":9090").
	// "off" disables the server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig describes the local input and output devices.
type AudioConfig struct {
	// InputSampleRate is the microphone rate in Hz. Default: 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the speaker rate in Hz. Default: 24000.
	// Overridden by TTS_SR.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameDuration is the length of each captured frame. Default: 100ms.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// QueueSize bounds every subscriber's frame queue. Default: 100.
	QueueSize int `yaml:"queue_size"`
}

// WakeConfig configures the keyword spotter and the detector around it.
type WakeConfig struct {
	// KeywordsFile lists the wake phrases, one per line. The --keywords-file
	// flag overrides it.
	KeywordsFile string `yaml:"keywords_file"`

	// Threshold is the minimum confidence for an event. Default: 0.5.
	Threshold float64 `yaml:"threshold"`

	// Refractory suppresses repeated detections of one utterance.
	// Default: 1.5s.
	Refractory time.Duration `yaml:"refractory"`

	Model WakeModelConfig `yaml:"model"`
}

// WakeModelConfig holds the keyword-spotting model files and decoding
// parameters. Zero values select the engine defaults.
type WakeModelConfig struct {
	Tokens            string  `yaml:"tokens"`
	Encoder           string  `yaml:"encoder"`
	Decoder           string  `yaml:"decoder"`
	Joiner            string  `yaml:"joiner"`
	NumThreads        int     `yaml:"num_threads"`
	Provider          string  `yaml:"provider"`
	KeywordsScore     float32 `yaml:"keywords_score"`
	KeywordsThreshold float32 `yaml:"keywords_threshold"`
	NumTrailingBlanks int     `yaml:"num_trailing_blanks"`
}

// CaptureConfig bounds how a spoken command is collected.
type CaptureConfig struct {
	// SilenceTimeout ends capture when no new text arrives. Default: 5s.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// MaxDuration is the hard capture limit. Default: 30s.
	MaxDuration time.Duration `yaml:"max_duration"`

	// MinChars is the shortest command that is dispatched. Default: 1.
	MinChars int `yaml:"min_chars"`

	// KeepWakeEcho disables removal of the wake phrase from the start of
	// the transcript.
	KeepWakeEcho bool `yaml:"keep_wake_echo"`
}

// ProvidersConfig selects the implementation for each provider slot.
type ProvidersConfig struct {
	Wake  ProviderEntry `yaml:"wake"`
	Audio ProviderEntry `yaml:"audio"`
	STT   ProviderEntry `yaml:"stt"`
	TTS   ProviderEntry `yaml:"tts"`
	LLM   ProviderEntry `yaml:"llm"`

	// Fallbacks are tried in order after the primary entry fails.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block for a single provider.
type ProviderEntry struct {
	// Name selects the provider implementation registered in the [Registry].
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL is the service endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific settings such as "character" for the
	// TTS service.
	Options map[string]any `yaml:"options"`
}

// Option returns a provider option formatted as a string, or def when it is
// unset.
func (e ProviderEntry) Option(key, def string) string {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def
	}
	if s := fmt.Sprint(v); s != "" {
		return s
	}
	return def
}

// AgentConfig tunes the LLM dispatcher.
type AgentConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxHistory    int           `yaml:"max_history"`
	MaxToolRounds int           `yaml:"max_tool_rounds"`
	Temperature   *float64      `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`

	// Language the assistant answers in. Default: "Chinese".
	Language string `yaml:"language"`

	// Instructions are appended to the built-in system prompt.
	Instructions string `yaml:"instructions"`
}

// ToolsConfig enables the built-in tools. A tool with no credentials is not
// offered to the model.
type ToolsConfig struct {
	OpenWeatherMap OpenWeatherMapConfig `yaml:"openweathermap"`
	Tavily         TavilyConfig         `yaml:"tavily"`
	HomeAssistant  HomeAssistantConfig  `yaml:"home_assistant"`
}

// OpenWeatherMapConfig configures the weather tools.
type OpenWeatherMapConfig struct {
	APIKey string `yaml:"api_key"`
}

// TavilyConfig configures the web search tool.
type TavilyConfig struct {
	APIKey     string `yaml:"api_key"`
	MaxResults int    `yaml:"max_results"`
}

// HomeAssistantConfig connects the Home Assistant MCP server.
type HomeAssistantConfig struct {
	Enabled bool `yaml:"enabled"`

	// URL of the MCP endpoint, e.g. "http://homeassistant.local:8123/mcp_server/sse".
	URL string `yaml:"url"`

	// Token is a long-lived access token. Overridden by HASS_TOKEN.
	Token string `yaml:"token"`
}

// MCPConfig holds settings for additional MCP tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport mcp.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio".
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http".
	URL string `yaml:"url"`

	// Token is sent as a Bearer token with every streamable-http request.
	Token string `yaml:"token"`

	// Headers are added to every streamable-http request.
	Headers map[string]string `yaml:"headers"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio".
	Env map[string]string `yaml:"env"`
}

// ServerConfig converts the entry to the tool host's connection settings.
func (c MCPServerConfig) ServerConfig() mcp.ServerConfig {
	headers := make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		headers[k] = v
	}
	if c.Token != "" {
		headers["Authorization"] = "Bearer " + c.Token
	}
	return mcp.ServerConfig{
		Name:      c.Name,
		Transport: c.Transport,
		Command:   c.Command,
		URL:       c.URL,
		Headers:   headers,
		Env:       c.Env,
	}
}

// SoundsConfig points at the optional cue sounds (MP3 or WAV).
type SoundsConfig struct {
	// Wake is played when a wake phrase is detected.
	Wake string `yaml:"wake"`

	// Error is played when a session fails and the notice cannot be spoken.
	Error string `yaml:"error"`
}

// NoticeConfig holds the spoken failure notice.
type NoticeConfig struct {
	Text string `yaml:"text"`
}
