package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/meshroom/internal/adapter/driven/metrics/prometheus"
	handler "github.com/Wyydra/meshroom/internal/adapter/driving/http"
	"github.com/Wyydra/meshroom/internal/config"
	"github.com/Wyydra/meshroom/internal/core/port"
	"github.com/Wyydra/meshroom/internal/core/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := config.LoadRelay(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	l, err := config.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log configuration")
	}
	log.Logger = l

	var (
		metrics     port.RelayMetrics
		metricsHTTP http.Handler
	)
	if cfg.Metrics {
		m := prometheus.New(true)
		metrics, metricsHTTP = m, m.Handler()
	}

	relay := service.NewRelay(metrics, l)
	h := handler.NewHandler(relay, metricsHTTP, handler.Limits{
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod,
		MaxMessageSize: cfg.MaxMessageBytes,
		SendQueue:      cfg.SendQueue,
	}, l)
	h.StaticDir = cfg.StaticDir

	go relay.Run()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.ListenAddr).Bool("metrics", cfg.Metrics).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; stopping
	// the relay closes them.
	relay.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	l.Info().Msg("Server exited")
}
