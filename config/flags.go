package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flags holds the command-line overrides, the highest-priority layer.
type Flags struct {
	ConfigPath  *string
	Addr        *string
	BaseURL     *string
	OptionsPath *string
	Watch       *bool
	Origins     *[]string
	Browser     *bool
	DebuggerURL *string
	Headless    *bool
	ReadyWait   *time.Duration
	Verbose     *bool
	JSONLogs    *bool
}

// RegisterFlags defines the daemon flags on fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	return &Flags{
		ConfigPath:  fs.StringP("config", "c", "", "Path to YAML config file (overrides YOMITAN_CONFIG env)"),
		Addr:        fs.String("addr", "", "Listen address"),
		BaseURL:     fs.String("base-url", "", "Base URL of the pages this process serves"),
		OptionsPath: fs.String("options", "", "Options file (.json, .yaml or .msgpack)"),
		Watch:       fs.Bool("watch", true, "Reload options when the file changes"),
		Origins:     fs.StringSlice("allowed-origins", nil, "Allowed websocket origins"),
		Browser:     fs.Bool("browser", false, "Drive a browser over CDP for tab and window management"),
		DebuggerURL: fs.String("debugger-url", "", "CDP endpoint of a running browser"),
		Headless:    fs.Bool("headless", true, "Launch the browser headless"),
		ReadyWait:   fs.Duration("popup-ready-timeout", 0, "How long a new popup may take to report ready"),
		Verbose:     fs.BoolP("verbose", "v", false, "Debug logging"),
		JSONLogs:    fs.Bool("json-logs", false, "Log as JSON"),
	}
}

// Apply copies only the flags the user set explicitly. Unset flags do not
// override values resolved from YAML or environment variables.
func (f *Flags) Apply(fs *pflag.FlagSet, cfg *Config) {
	if fs.Changed("addr") {
		cfg.Server.Addr = *f.Addr
	}
	if fs.Changed("base-url") {
		cfg.Extension.BaseURL = *f.BaseURL
	}
	if fs.Changed("options") {
		cfg.Storage.OptionsPath = *f.OptionsPath
	}
	if fs.Changed("watch") {
		cfg.Storage.Watch = *f.Watch
	}
	if fs.Changed("allowed-origins") {
		cfg.Server.AllowedOrigins = *f.Origins
	}
	if fs.Changed("browser") {
		cfg.Browser.Enabled = *f.Browser
	}
	if fs.Changed("debugger-url") {
		cfg.Browser.DebuggerURL = *f.DebuggerURL
	}
	if fs.Changed("headless") {
		cfg.Browser.Headless = *f.Headless
	}
	if fs.Changed("popup-ready-timeout") {
		cfg.Popup.ReadyTimeout = *f.ReadyWait
	}
	if fs.Changed("verbose") && *f.Verbose {
		cfg.Logging.Level = "debug"
	}
	if fs.Changed("json-logs") {
		cfg.Logging.JSON = *f.JSONLogs
	}
}
