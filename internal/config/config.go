package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/codefionn/snapfan/internal/consts"
)

// Config represents the server configuration
type Config struct {
	Port                  int      `json:"port"`
	ControlPort           int      `json:"control_port"`
	HTTPPort              int      `json:"http_port"` // 0 disables the HTTP/WebSocket control surface
	BufferMs              int      `json:"buffer_ms"`
	StreamReadMs          int      `json:"stream_read_ms"`
	SampleFormat          string   `json:"sample_format"` // rate:bits:channels
	Codec                 string   `json:"codec"`
	Streams               []string `json:"streams"` // first entry is the default stream
	MaxControlConnections int      `json:"max_control_connections"`
	LogLevel              string   `json:"log_level"` // debug, info, warn, error, none
	LogPath               string   `json:"log_path,omitempty"`
	DatabasePath          string   `json:"database_path"`
	PidFile               string   `json:"pid_file,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "snapfan")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "snapfan")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "snapfan")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "snapfan")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "snapfan")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "snapfan")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "snapfan")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "snapfan")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Port:                  consts.DefaultStreamPort,
		ControlPort:           consts.DefaultControlPort,
		HTTPPort:              consts.DefaultHTTPPort,
		BufferMs:              consts.DefaultBufferMs,
		StreamReadMs:          consts.DefaultStreamReadMs,
		SampleFormat:          consts.DefaultSampleFormat,
		Codec:                 consts.DefaultCodec,
		Streams:               []string{consts.DefaultStreamURI},
		MaxControlConnections: consts.DefaultMaxControlConnections,
		LogLevel:              "info",
		DatabasePath:          filepath.Join(defaultStateDir(), "clients.db"),
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.DatabasePath == "" {
		config.DatabasePath = filepath.Join(defaultStateDir(), "clients.db")
	}
	if len(config.Streams) == 0 {
		config.Streams = []string{consts.DefaultStreamURI}
	}

	return config, nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid control port %d", c.ControlPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	if c.BufferMs <= 0 {
		return fmt.Errorf("buffer_ms must be positive, got %d", c.BufferMs)
	}
	if c.StreamReadMs <= 0 {
		return fmt.Errorf("stream_read_ms must be positive, got %d", c.StreamReadMs)
	}
	if c.Codec != consts.DefaultCodec {
		return fmt.Errorf("unsupported codec %q", c.Codec)
	}
	if len(c.Streams) == 0 {
		return fmt.Errorf("at least one stream is required")
	}
	return nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
