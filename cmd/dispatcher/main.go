// Control dispatcher service.
//
// This is the main entry point for the control dispatcher: a long-lived
// process that accepts control requests (parameter writes and named
// operations), optionally transforms them through configured control filter
// pipelines, and delivers them to downstream southbound services.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/config"
	"github.com/edgectl/dispatcher/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Error().Err(err).Msg("Invalid command line")
		return 1
	}
	applyLogLevel(cfg.LogLevel)

	log.Info().Str("name", cfg.Name).Msg("🚦 Control dispatcher starting...")

	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize dispatcher")
		return 1
	}
	defer srv.ShutdownFunc(ctx)

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start dispatcher")
		return 1
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SIGINT and SIGTERM shut down and unregister. SIGHUP keeps the core
	// registration so the supervisor respawns the service in place.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		sig := <-sigChan

		removeFromCore := sig != syscall.SIGHUP
		log.Info().Str("signal", sig.String()).Msg("🛑 Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		srv.Stop(shutdownCtx, removeFromCore)
	}()

	log.Info().Str("address", cfg.Address).Int("port", cfg.Port).
		Msg("🚀 Dispatcher API listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Server failed")
		return 1
	}
	return 0
}

func applyLogLevel(name string) {
	levels := map[string]zerolog.Level{
		"error":   zerolog.ErrorLevel,
		"warning": zerolog.WarnLevel,
		"info":    zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
	}
	if lvl, ok := levels[name]; ok {
		zerolog.SetGlobalLevel(lvl)
	}
}
