// Command decode-worker hosts a decoding engine behind the msgpack worker
// protocol so that a scheduler configured with engine.kind=remote can drive
// it over HTTP.
//
// Usage:
//
//	decode-worker [--config config.yaml] [--listen :9000]
//
// The worker reuses the scheduler's configuration file: audio.sample_rate,
// engine.frame_duration, engine.level_step and engine.api_key select the
// engine and its credentials, logging.* configures the logger.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/ctxswitch-asr/internal/config"
	"github.com/skypro1111/ctxswitch-asr/internal/engine"
)

var (
	configPath string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:          "decode-worker",
	Short:        "Serve the reference decoding engine over HTTP",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (defaults apply when empty)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", ":9000", "address to listen on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)

	stub, err := engine.NewStub(engine.StubConfig{
		SampleRate:    cfg.Audio.SampleRate,
		FrameDuration: cfg.Engine.GetFrameDuration(),
		LevelStep:     cfg.Engine.LevelStep,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      engine.NewHandler(stub, cfg.Engine.APIKey, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("Decode worker started",
		slog.String("address", listenAddr),
		slog.String("engine", stub.Name()),
		slog.String("fingerprint", stub.Fingerprint()),
		slog.Bool("auth", cfg.Engine.APIKey != ""),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("decode worker failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stats := stub.GetStats()
	logger.Info("Decode worker stopped",
		slog.Uint64("loads", stats.Loads),
		slog.Uint64("decodes", stats.Decodes),
	)
	return nil
}
