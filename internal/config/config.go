package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server  ServerConfig  `toml:"server"`  // HTTP server settings
	Logging LoggingConfig `toml:"logging"` // Application logging settings
	Storage StorageConfig `toml:"storage"` // Transcript persistence settings
	Audio   AudioConfig   `toml:"audio"`   // Capture and playback settings
	Gemini  GeminiConfig  `toml:"gemini"`  // Gemini Live voice service settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, recommended for streaming)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	StaticFilesDir     string   `toml:"static_files_dir"`      // Directory to serve static files from (e.g., "www"); empty disables static serving
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains transcript persistence configuration
type StorageConfig struct {
	Type     string `toml:"type"`      // Storage backend type (currently only "sqlite" is supported)
	BasePath string `toml:"base_path"` // Directory where database files are created
}

// AudioConfig contains capture and playback device configuration
type AudioConfig struct {
	InputSampleRate  int     `toml:"input_sample_rate"`  // Microphone sample rate in Hz (the voice service expects 16000)
	OutputSampleRate int     `toml:"output_sample_rate"` // Playback sample rate in Hz (the voice service produces 24000)
	FrameSize        int     `toml:"frame_size"`         // Capture frame size in samples
	Gain             float64 `toml:"gain"`               // Playback gain multiplier (1.0 = unity)
}

// GeminiConfig contains Gemini Live session configuration
type GeminiConfig struct {
	APIKey           string `toml:"api_key"`            // API key; the GEMINI_API_KEY env var takes precedence when set
	Host             string `toml:"host"`               // API host override, empty uses the default endpoint
	Model            string `toml:"model"`              // Live model name, e.g. "gemini-2.0-flash-live-001"
	Voice            string `toml:"voice"`              // Prebuilt voice name, e.g. "Puck"
	Language         string `toml:"language"`           // Spoken language for the session, empty lets the model decide
	SystemPromptPath string `toml:"system_prompt_path"` // Path to a file holding the system instruction
	SystemPrompt     string `toml:"-"`                  // Loaded from SystemPromptPath
}

// validVoices is the set of prebuilt voices the live API accepts.
var validVoices = map[string]bool{
	"Puck":   true,
	"Charon": true,
	"Kore":   true,
	"Fenrir": true,
	"Aoede":  true,
}

// Load reads and parses the config file at the given path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if err := config.loadSystemPrompt(); err != nil {
		return nil, err
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		config.Gemini.APIKey = key
	}

	return &config, nil
}

// loadSystemPrompt reads the system instruction file if one is configured
func (c *Config) loadSystemPrompt() error {
	if c.Gemini.SystemPromptPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.Gemini.SystemPromptPath)
	if err != nil {
		return fmt.Errorf("failed to read system prompt file %s: %w", c.Gemini.SystemPromptPath, err)
	}
	c.Gemini.SystemPrompt = strings.TrimSpace(string(data))
	return nil
}

// LoadWithFallback tries the preferred path first, then standard locations
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate checks the configuration and fills in defaults for optional fields
func (c *Config) Validate() error {
	// Server
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if len(c.Server.CORSAllowedOrigins) == 0 {
		c.Server.CORSAllowedOrigins = []string{"*"}
	}

	// Logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	// Storage
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Storage.BasePath == "" {
		c.Storage.BasePath = "data"
	}

	// Audio
	if c.Audio.InputSampleRate == 0 {
		c.Audio.InputSampleRate = 16000
	}
	if c.Audio.OutputSampleRate == 0 {
		c.Audio.OutputSampleRate = 24000
	}
	if c.Audio.InputSampleRate < 8000 || c.Audio.InputSampleRate > 48000 {
		return fmt.Errorf("invalid input sample rate: %d", c.Audio.InputSampleRate)
	}
	if c.Audio.OutputSampleRate < 8000 || c.Audio.OutputSampleRate > 48000 {
		return fmt.Errorf("invalid output sample rate: %d", c.Audio.OutputSampleRate)
	}
	if c.Audio.FrameSize == 0 {
		c.Audio.FrameSize = 4096
	}
	if c.Audio.FrameSize < 0 {
		return fmt.Errorf("invalid frame size: %d", c.Audio.FrameSize)
	}
	if c.Audio.Gain == 0 {
		c.Audio.Gain = 1.0
	}
	if c.Audio.Gain < 0 || c.Audio.Gain > 4.0 {
		return fmt.Errorf("invalid gain: %f (must be between 0 and 4)", c.Audio.Gain)
	}

	// Gemini
	if c.Gemini.Model == "" {
		return fmt.Errorf("gemini model is required")
	}
	if c.Gemini.Voice == "" {
		c.Gemini.Voice = "Puck"
	}
	if !validVoices[c.Gemini.Voice] {
		return fmt.Errorf("invalid voice: %q", c.Gemini.Voice)
	}
	if c.Gemini.APIKey == "" {
		// Not fatal at load time so status endpoints still work, but the
		// session will fail to connect.
		fmt.Fprintln(os.Stderr, "WARNING: no Gemini API key configured (set gemini.api_key or GEMINI_API_KEY)")
	}

	return nil
}
