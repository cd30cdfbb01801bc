package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcdev12/livebid/go/internal/config"
	"github.com/mcdev12/livebid/go/internal/gateway"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", os.Getenv("LIVEBID_CONFIG"), "Path to a YAML config file")
	flag.Parse()

	config.LoadDotEnv()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	config.SetupLogging(cfg.Log.Level)

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.ConnectionConfig.WriteTimeout = cfg.Gateway.WriteWait
	gatewayConfig.ConnectionConfig.PongWait = cfg.Gateway.PongWait
	gatewayConfig.ConnectionConfig.PingInterval = cfg.Gateway.PingPeriod
	gatewayConfig.ConnectionConfig.MaxMessageSize = cfg.Gateway.MaxMessageSize
	gatewayConfig.ConnectionConfig.SendBuffer = cfg.Gateway.SendBuffer
	gatewayConfig.JetStreamConfig.StreamName = cfg.NATS.StreamName
	gatewayConfig.JetStreamConfig.ConsumerName = cfg.Gateway.ConsumerName
	gatewayConfig.JetStreamConfig.SubjectFilter = cfg.NATS.SubjectPrefix + ".>"

	log.Info().
		Str("nats_url", cfg.NATS.URL).
		Str("stream", cfg.NATS.StreamName).
		Str("port", cfg.Gateway.Port).
		Msg("starting auction gateway")

	nc, err := cfg.NATS.Connect("auction-gateway")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gatewayService, err := gateway.NewService(ctx, gatewayConfig, nc)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway service")
	}

	// No WriteTimeout: it would cut long-lived WebSocket streams.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Gateway.Port),
		Handler:     gatewayService.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("gateway service did not stop in time")
	}

	log.Info().Msg("auction gateway shutdown complete")
}
