// Package config holds the daemon configuration, resolved from built-in
// defaults, an optional YAML file, YOMITAN_* environment variables, and
// finally explicitly set command-line flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/precondition/yomitan/cbor"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the websocket listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:8765".
	Addr string `yaml:"addr"`

	// AllowedOrigins lists browser origins allowed to connect. Empty or
	// ["*"] allows every origin.
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// MaxMessageBytes bounds one websocket message.
	MaxMessageBytes int64 `yaml:"maxMessageBytes"`

	// ReplyTimeout bounds a request sent to a context when the caller sets
	// no deadline of its own.
	ReplyTimeout time.Duration `yaml:"replyTimeout"`

	// RendezvousTimeout bounds the wait for a relay target to connect back.
	RendezvousTimeout time.Duration `yaml:"rendezvousTimeout"`

	// WriteTimeout bounds one websocket write.
	WriteTimeout time.Duration `yaml:"writeTimeout"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// ExtensionConfig identifies the pages the process itself serves.
type ExtensionConfig struct {
	// BaseURL is the privileged origin; senders whose URL is below it may
	// call privileged operations.
	BaseURL string `yaml:"baseURL"`
}

// StorageConfig controls the options file.
type StorageConfig struct {
	// OptionsPath is the options file. Its extension selects the format
	// (.json, .yaml, .yml, .msgpack).
	OptionsPath string `yaml:"optionsPath"`

	// Watch reloads the options when the file is edited externally.
	Watch bool `yaml:"watch"`
}

// PopupConfig tunes the search popup.
type PopupConfig struct {
	SearchPath       string        `yaml:"searchPath"`
	DiscoveryTimeout time.Duration `yaml:"discoveryTimeout"`
	ReadyTimeout     time.Duration `yaml:"readyTimeout"`
}

// BrowserConfig selects the browser driven over CDP. When disabled the
// process has no tab host and popup operations fail.
type BrowserConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DebuggerURL string `yaml:"debuggerURL"`
	Bin         string `yaml:"bin"`
	Headless    bool   `yaml:"headless"`
}

// ChannelConfig bounds action channels.
type ChannelConfig struct {
	Limits     cbor.Limits `yaml:"limits"`
	MaxRequest int         `yaml:"maxRequest"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Extension ExtensionConfig `yaml:"extension"`
	Storage   StorageConfig   `yaml:"storage"`
	Popup     PopupConfig     `yaml:"popup"`
	Browser   BrowserConfig   `yaml:"browser"`
	Channel   ChannelConfig   `yaml:"channel"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	optionsPath := "options.json"
	if dir, err := os.UserConfigDir(); err == nil {
		optionsPath = filepath.Join(dir, "yomitan", "options.json")
	}
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8765",
			MaxMessageBytes:   16 << 20,
			ReplyTimeout:      5 * time.Second,
			RendezvousTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Extension: ExtensionConfig{
			BaseURL: "http://127.0.0.1:8765/",
		},
		Storage: StorageConfig{
			OptionsPath: optionsPath,
			Watch:       true,
		},
		Popup: PopupConfig{
			SearchPath:       "search.html",
			DiscoveryTimeout: 1000 * time.Millisecond,
			ReadyTimeout:     2000 * time.Millisecond,
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Channel: ChannelConfig{
			Limits:     cbor.DefaultLimits(),
			MaxRequest: 16 << 20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigFromFile reads a YAML configuration file and merges it on top of
// the built-in defaults. Fields absent from the file retain their defaults.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig resolves defaults, then the YAML file if configPath is set,
// then environment overrides. The caller applies flags last.
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config
	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}
	return ConfigFromEnv(cfg)
}

// Validate returns an error for the first invalid field.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Server.MaxMessageBytes <= 0 {
		return fmt.Errorf("server.maxMessageBytes must be > 0")
	}
	if c.Server.ReplyTimeout <= 0 || c.Server.RendezvousTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	u, err := url.Parse(c.Extension.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("extension.baseURL must be an absolute URL, got %q", c.Extension.BaseURL)
	}

	if c.Storage.OptionsPath == "" {
		return fmt.Errorf("storage.optionsPath must not be empty")
	}
	switch strings.ToLower(filepath.Ext(c.Storage.OptionsPath)) {
	case ".json", ".yaml", ".yml", ".msgpack", ".mpk":
	default:
		return fmt.Errorf("storage.optionsPath must end in .json, .yaml, .yml or .msgpack")
	}

	if c.Popup.SearchPath == "" {
		return fmt.Errorf("popup.searchPath must not be empty")
	}
	if c.Popup.DiscoveryTimeout <= 0 {
		return fmt.Errorf("popup.discoveryTimeout must be > 0")
	}
	if c.Popup.ReadyTimeout <= 0 {
		return fmt.Errorf("popup.readyTimeout must be > 0")
	}

	if c.Channel.Limits.MaxChunk <= 0 || c.Channel.Limits.MaxFrame <= 0 {
		return fmt.Errorf("channel.limits must be > 0")
	}
	if c.Channel.Limits.MaxFrame > cbor.MaxFrameHardLimit {
		return fmt.Errorf("channel.limits.maxFrame must be <= %d", cbor.MaxFrameHardLimit)
	}
	if c.Channel.MaxRequest <= 0 {
		return fmt.Errorf("channel.maxRequest must be > 0")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
		c.Logging.Level = strings.ToLower(c.Logging.Level)
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error")
	}
	return nil
}
