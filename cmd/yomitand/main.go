// Command yomitand runs the dictionary background process: it serves the
// runtime and channel websockets front-end pages connect to and, optionally,
// drives a browser over CDP for the search popup.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/precondition/yomitan"
	"github.com/precondition/yomitan/config"
	"github.com/precondition/yomitan/host/rodhost"
	"github.com/precondition/yomitan/popup"
	"github.com/precondition/yomitan/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	var flags *config.Flags

	rootCmd := &cobra.Command{
		Use:   "yomitand",
		Short: "Dictionary background process",
		Long:  "Routes requests from dictionary front-end pages, relays ports between them, and manages the search popup.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.Flags(), flags)
		},
		SilenceUsage: true,
	}
	flags = config.RegisterFlags(rootCmd.Flags())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, fs *pflag.FlagSet, flags *config.Flags) error {
	configPath := *flags.ConfigPath
	if configPath == "" {
		configPath = os.Getenv("YOMITAN_CONFIG")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	flags.Apply(fs, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	collab := yomitan.Collaborators{}
	browserName := ""
	if cfg.Browser.Enabled {
		h, err := rodhost.Connect(ctx, rodhost.Config{
			DebuggerURL: cfg.Browser.DebuggerURL,
			Bin:         cfg.Browser.Bin,
			Headless:    cfg.Browser.Headless,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect browser: %w", err)
		}
		defer func() {
			if err := h.Close(); err != nil {
				logger.Warn("closing browser", zap.Error(err))
			}
		}()
		collab.Tabs = h
		browserName = "chromium"
	} else {
		logger.Info("browser disabled, search popup unavailable (enable with --browser or YOMITAN_BROWSER=true)")
	}

	backend, err := yomitan.New(yomitan.Config{
		BaseURL:     cfg.Extension.BaseURL,
		OptionsPath: cfg.Storage.OptionsPath,
		Watch:       cfg.Storage.Watch,
		Browser:     browserName,
		Popup: popup.Config{
			SearchPath:       cfg.Popup.SearchPath,
			DiscoveryTimeout: cfg.Popup.DiscoveryTimeout,
			ReadyTimeout:     cfg.Popup.ReadyTimeout,
		},
		Transport: transport.Options{
			AllowedOrigins:    cfg.Server.AllowedOrigins,
			MaxMessageBytes:   cfg.Server.MaxMessageBytes,
			ReplyTimeout:      cfg.Server.ReplyTimeout,
			RendezvousTimeout: cfg.Server.RendezvousTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
		},
		Limits:     cfg.Channel.Limits,
		MaxRequest: cfg.Channel.MaxRequest,
	}, collab, logger)
	if err != nil {
		return fmt.Errorf("failed to build backend: %w", err)
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: backend.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.String("base", cfg.Extension.BaseURL))
		serveErr <- srv.ListenAndServe()
	}()

	// Connections made while preparing wait on the gate.
	if err := backend.Prepare(ctx); err != nil {
		logger.Error("preparation failed, requests will not be answered", zap.Error(err))
	}

	select {
	case <-ctx.Done():
		logger.Info("initiating graceful shutdown")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = backend.Close()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; the
	// backend closes them.
	if err := backend.Close(); err != nil {
		logger.Warn("closing backend", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	if !cfg.JSON {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return zc.Build()
}
