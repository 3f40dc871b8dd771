package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
[gemini]
api_key = "test-key"
model = "gemini-2.0-flash-live-001"
`

func TestLoadAndValidateDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Port != 8080 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server defaults = %d %s", cfg.Server.Port, cfg.Server.Host)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Errorf("logging defaults = %s %s", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.BasePath != "data" {
		t.Errorf("storage defaults = %s %s", cfg.Storage.Type, cfg.Storage.BasePath)
	}
	if cfg.Audio.InputSampleRate != 16000 || cfg.Audio.OutputSampleRate != 24000 {
		t.Errorf("audio rate defaults = %d %d", cfg.Audio.InputSampleRate, cfg.Audio.OutputSampleRate)
	}
	if cfg.Audio.FrameSize != 4096 || cfg.Audio.Gain != 1.0 {
		t.Errorf("audio defaults = %d %f", cfg.Audio.FrameSize, cfg.Audio.Gain)
	}
	if cfg.Gemini.Voice != "Puck" {
		t.Errorf("voice default = %s", cfg.Gemini.Voice)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server]
port = 9090
host = "0.0.0.0"
cors_allowed_origins = ["http://localhost:3000"]

[logging]
level = "debug"
format = "json"

[storage]
base_path = "/tmp/voicelink"

[audio]
input_sample_rate = 16000
output_sample_rate = 24000
frame_size = 2048
gain = 0.8

[gemini]
api_key = "key"
model = "gemini-2.0-flash-live-001"
voice = "Kore"
language = "English"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Audio.FrameSize != 2048 || cfg.Gemini.Voice != "Kore" || cfg.Gemini.Language != "English" {
		t.Errorf("parsed config = %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad storage type", func(c *Config) { c.Storage.Type = "postgres" }},
		{"bad input rate", func(c *Config) { c.Audio.InputSampleRate = 100 }},
		{"bad gain", func(c *Config) { c.Audio.Gain = 9.0 }},
		{"missing model", func(c *Config) { c.Gemini.Model = "" }},
		{"unknown voice", func(c *Config) { c.Gemini.Voice = "Zira" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalConfig))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate should have failed")
			}
		})
	}
}

func TestEnvKeyOverridesFile(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gemini.APIKey != "env-key" {
		t.Errorf("api key = %s, want env override", cfg.Gemini.APIKey)
	}
}

func TestSystemPromptLoadedFromFile(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(promptPath, []byte("You are concise.\n"), 0644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	cfg, err := Load(writeConfig(t, `
[gemini]
api_key = "key"
model = "m"
system_prompt_path = "`+promptPath+`"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gemini.SystemPrompt != "You are concise." {
		t.Errorf("system prompt = %q", cfg.Gemini.SystemPrompt)
	}
}

func TestLoadWithFallbackMissingEverywhere(t *testing.T) {
	if _, err := LoadWithFallback(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error when no config exists")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}
