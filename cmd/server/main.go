package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/skypro1111/ctxswitch-asr/internal/audio"
	"github.com/skypro1111/ctxswitch-asr/internal/commit"
	"github.com/skypro1111/ctxswitch-asr/internal/config"
	"github.com/skypro1111/ctxswitch-asr/internal/engine"
	"github.com/skypro1111/ctxswitch-asr/internal/metrics"
	"github.com/skypro1111/ctxswitch-asr/internal/scheduler"
	"github.com/skypro1111/ctxswitch-asr/internal/server"
	"github.com/skypro1111/ctxswitch-asr/internal/session"
	"github.com/skypro1111/ctxswitch-asr/internal/store"
	"github.com/skypro1111/ctxswitch-asr/internal/transcript"
)

const (
	serviceName     = "ctxswitch-asr"
	shutdownTimeout = 10 * time.Second
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Context-switching speech decode scheduler",
	Long: `ctxswitch-asr multiplexes many live audio streams onto one decoding engine.

Clients stream audio over WebSocket; the scheduler swaps each session's decode
state in and out of the engine and streams back pending and final transcripts.

Configuration is read from a YAML file, a .env file in the working directory
and CTXASR_* environment variables, in that order.`,
	SilenceUsage: true,
	// Serve by default
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket and monitoring servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, server.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (defaults apply when empty)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", server.Version),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("ws_port", cfg.Server.Port),
		slog.String("ws_address", cfg.Server.Address),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("commit_margin", cfg.Commit.Margin),
		slog.Float64("max_pass_duration", cfg.Scheduler.MaxPassDuration),
		slog.String("engine", cfg.Engine.Kind),
		slog.String("journal_backend", cfg.Journal.Backend),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	st, err := newStore(cfg.Journal, logger)
	if err != nil {
		return fmt.Errorf("failed to open journal store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Error closing journal store", slog.String("error", err.Error()))
		}
	}()

	journal := transcript.NewJournal(st)
	emitter := transcript.NewEmitter(journal, appMetrics, logger)

	eng, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	margin := audio.DurationToSamples(cfg.Commit.GetMargin(), cfg.Audio.SampleRate)
	policy, err := commit.NewPolicy(int64(margin))
	if err != nil {
		return err
	}

	sched, err := scheduler.New(eng, policy, emitter, scheduler.Config{
		SampleRate:      cfg.Audio.SampleRate,
		MaxPassDuration: cfg.Scheduler.GetMaxPassDuration(),
	}, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	registry, err := session.NewRegistry(session.Config{
		SampleRate:        cfg.Audio.SampleRate,
		MaxBufferDuration: cfg.Audio.GetMaxBufferDuration(),
		MaxSessions:       cfg.Server.MaxSessions,
		IdleTimeout:       cfg.Audio.GetIdleTimeoutDuration(),
		CleanupInterval:   cfg.Audio.GetCleanupInterval(),
		VADThreshold:      cfg.VAD.Threshold,
		VADWindowSize:     cfg.VAD.WindowSize,
		VADSmoothing:      cfg.VAD.Smoothing,
		Gate: audio.GateConfig{
			TriggerDuration: cfg.VAD.GetTriggerDuration(),
			EndpointSilence: cfg.VAD.GetEndpointSilence(),
		},
		KeepTranscripts: cfg.Journal.KeepClosed,
	}, sched, journal, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}

	wsServer, err := server.NewWSServer(&cfg.Server, cfg.Audio.SampleRate, registry, appMetrics, logger)
	if err != nil {
		registry.Stop()
		return fmt.Errorf("failed to create WebSocket server: %w", err)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, registry, sched, wsServer, appMetrics, nil)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- sched.Run(schedCtx)
	}()

	if err := wsServer.Start(); err != nil {
		registry.Stop()
		cancelSched()
		<-schedDone
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", wsServer.Addr()),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-schedDone:
		if runErr == nil {
			runErr = errors.New("scheduler stopped unexpectedly")
		}
		logger.Error("Scheduler stopped, shutting down", slog.String("error", runErr.Error()))
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting connections first, then drain sessions before the engine goes away
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
	}

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	registry.Stop()

	cancelSched()
	if runErr == nil {
		<-schedDone
	}

	schedStats := sched.GetStats()
	wsStats := wsServer.GetStatistics()
	logger.Info("Final statistics",
		slog.Uint64("passes", schedStats.Passes),
		slog.Uint64("failures", schedStats.Failures),
		slog.Uint64("connections", wsStats.ConnectionsAccepted),
		slog.Uint64("frames_received", wsStats.FramesReceived),
		slog.Uint64("frames_rejected", wsStats.FramesRejected),
	)

	if runErr != nil {
		return runErr
	}

	logger.Info("Service stopped")
	return nil
}

// newEngine builds the decoding engine selected by configuration
func newEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.Engine.Kind {
	case "remote":
		return engine.NewRemote(engine.RemoteConfig{
			Endpoint:     cfg.Engine.Endpoint,
			APIKey:       cfg.Engine.APIKey,
			Timeout:      cfg.Engine.GetTimeoutDuration(),
			MaxRetries:   cfg.Engine.MaxRetries,
			RetryBackoff: cfg.Engine.GetRetryBackoff(),
		})
	default:
		return engine.NewStub(engine.StubConfig{
			SampleRate:    cfg.Audio.SampleRate,
			FrameDuration: cfg.Engine.GetFrameDuration(),
			LevelStep:     cfg.Engine.LevelStep,
		})
	}
}

// newStore opens the key-value store backing the transcript journal
func newStore(cfg config.JournalConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "badger":
		return store.NewBadger(store.BadgerOptions{
			Dir:    cfg.Dir,
			Logger: logger.With("component", "badger"),
		})
	default:
		return store.NewMemory(), nil
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
