package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigFromEnv applies environment variable overrides to cfg.
//
// Environment variable mapping (all optional, prefix YOMITAN_):
//
//	YOMITAN_ADDR                → Server.Addr
//	YOMITAN_ALLOWED_ORIGINS     → Server.AllowedOrigins     (comma-separated)
//	YOMITAN_MAX_MESSAGE_BYTES   → Server.MaxMessageBytes
//	YOMITAN_REPLY_TIMEOUT       → Server.ReplyTimeout       (duration string)
//	YOMITAN_WRITE_TIMEOUT       → Server.WriteTimeout       (duration string)
//	YOMITAN_BASE_URL            → Extension.BaseURL
//	YOMITAN_OPTIONS_PATH        → Storage.OptionsPath
//	YOMITAN_WATCH               → Storage.Watch             ("true"/"false")
//	YOMITAN_POPUP_READY_TIMEOUT → Popup.ReadyTimeout        (duration string)
//	YOMITAN_BROWSER             → Browser.Enabled           ("true"/"false")
//	YOMITAN_DEBUGGER_URL        → Browser.DebuggerURL
//	YOMITAN_BROWSER_BIN         → Browser.Bin
//	YOMITAN_HEADLESS            → Browser.Headless          ("true"/"false")
//	YOMITAN_LOG_LEVEL           → Logging.Level
//	YOMITAN_LOG_JSON            → Logging.JSON              ("true"/"false")
//
// A variable that is set but cannot be parsed is an error.
func ConfigFromEnv(cfg *Config) (*Config, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &envReader{}

	e.str("YOMITAN_ADDR", &cfg.Server.Addr)
	e.csv("YOMITAN_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	e.int64("YOMITAN_MAX_MESSAGE_BYTES", &cfg.Server.MaxMessageBytes)
	e.duration("YOMITAN_REPLY_TIMEOUT", &cfg.Server.ReplyTimeout)
	e.duration("YOMITAN_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)

	e.str("YOMITAN_BASE_URL", &cfg.Extension.BaseURL)

	e.str("YOMITAN_OPTIONS_PATH", &cfg.Storage.OptionsPath)
	e.bool("YOMITAN_WATCH", &cfg.Storage.Watch)

	e.duration("YOMITAN_POPUP_READY_TIMEOUT", &cfg.Popup.ReadyTimeout)

	e.bool("YOMITAN_BROWSER", &cfg.Browser.Enabled)
	e.str("YOMITAN_DEBUGGER_URL", &cfg.Browser.DebuggerURL)
	e.str("YOMITAN_BROWSER_BIN", &cfg.Browser.Bin)
	e.bool("YOMITAN_HEADLESS", &cfg.Browser.Headless)

	e.str("YOMITAN_LOG_LEVEL", &cfg.Logging.Level)
	e.bool("YOMITAN_LOG_JSON", &cfg.Logging.JSON)

	if e.err != nil {
		return nil, e.err
	}
	return cfg, nil
}

// envReader records the first parse failure.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s=%q: %w", key, v, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) csv(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) int64(key string, dst *int64) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}
