package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mawwalker/moss/internal/config"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Providers.LLM.Model = "from-yaml"
	cfg.Tools.Tavily.APIKey = "yaml-key"

	err := config.ApplyEnv(cfg, envMap(map[string]string{
		"LLM_AK":                 "sk-env",
		"LLM_URL":                "https://llm.example.com/v1",
		"LLM_MODEL":              "qwen-max",
		"TTS_SR":                 "22050",
		"OPENWEATHERMAP_API_KEY": "owm-env",
		"HASS_TOKEN":             "ha-env",
		"STT_URL":                "ws://stt.local/sttRealtime",
		"TTS_URL":                "http://tts.local/tts",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name, got, want string
	}{
		{"llm.api_key", cfg.Providers.LLM.APIKey, "sk-env"},
		{"llm.base_url", cfg.Providers.LLM.BaseURL, "https://llm.example.com/v1"},
		{"llm.model", cfg.Providers.LLM.Model, "qwen-max"},
		{"stt.base_url", cfg.Providers.STT.BaseURL, "ws://stt.local/sttRealtime"},
		{"tts.base_url", cfg.Providers.TTS.BaseURL, "http://tts.local/tts"},
		{"openweathermap", cfg.Tools.OpenWeatherMap.APIKey, "owm-env"},
		{"tavily (unset keeps yaml)", cfg.Tools.Tavily.APIKey, "yaml-key"},
		{"hass", cfg.Tools.HomeAssistant.Token, "ha-env"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if cfg.Audio.OutputSampleRate != 22050 {
		t.Errorf("OutputSampleRate = %d, want 22050", cfg.Audio.OutputSampleRate)
	}
}

func TestApplyEnv_InvalidSampleRate(t *testing.T) {
	t.Parallel()
	for _, v := range []string{"fast", "0", "-8000"} {
		cfg := &config.Config{}
		err := config.ApplyEnv(cfg, envMap(map[string]string{"TTS_SR": v}))
		if err == nil {
			t.Errorf("TTS_SR=%q: expected error, got nil", v)
			continue
		}
		if !strings.Contains(err.Error(), "TTS_SR") {
			t.Errorf("TTS_SR=%q: error should name the variable, got: %v", v, err)
		}
	}
}

func TestLoadWithEnv_EnvBeatsFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "moss.yaml", sampleYAML)
	cfg, err := config.LoadWithEnv(path, envMap(map[string]string{
		"LLM_AK": "sk-env",
		"TTS_SR": "16000",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "sk-env" {
		t.Errorf("APIKey = %q, want env value", cfg.Providers.LLM.APIKey)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want file value", cfg.Providers.LLM.Model)
	}
	if cfg.Audio.OutputSampleRate != 16000 {
		t.Errorf("OutputSampleRate = %d, want 16000", cfg.Audio.OutputSampleRate)
	}
}

func TestLoadWithEnv_ProviderNamesComeFromFile(t *testing.T) {
	t.Parallel()
	// Env vars fill endpoints and secrets, never provider names.
	path := writeFile(t, "moss.yaml", "server:\n  log_level: info\n")
	_, err := config.LoadWithEnv(path, envMap(map[string]string{"LLM_AK": "sk"}))
	if err == nil || !strings.Contains(err.Error(), "providers.llm.name") {
		t.Errorf("expected missing provider error, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "absent.yaml") {
		t.Errorf("error should name the file, got: %v", err)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "bad.yaml", "providers: [unterminated\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "MOSS_DOTENV_CHECK"
	t.Cleanup(func() { os.Unsetenv(key) })

	path := writeFile(t, ".env", "# comment\n"+key+"=from-file\n")
	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Errorf("%s = %q, want %q", key, got, "from-file")
	}
}

func TestLoadDotEnv_KeepsExisting(t *testing.T) {
	const key = "MOSS_DOTENV_EXISTING"
	t.Setenv(key, "from-shell")

	path := writeFile(t, ".env", key+"=from-file\n")
	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(key); got != "from-shell" {
		t.Errorf("%s = %q, want the shell value", key, got)
	}
}

func TestLoadDotEnv_MissingFileIgnored(t *testing.T) {
	t.Parallel()
	if err := config.LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("missing file: unexpected error %v", err)
	}
	if err := config.LoadDotEnv(""); err != nil {
		t.Errorf("empty path: unexpected error %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"wake", "audio", "stt", "tts", "llm"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(mustOpen(t, filepath.Join("..", "..", "config", "config.yaml")))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Providers.STT.Name != "realtime" || cfg.Providers.TTS.Name != "http" {
		t.Errorf("providers = %q/%q", cfg.Providers.STT.Name, cfg.Providers.TTS.Name)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 {
		t.Errorf("llm fallbacks = %d, want 1", len(cfg.Providers.LLMFallbacks))
	}
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}
