package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/livebid/go/internal/arbiter"
	"github.com/mcdev12/livebid/go/internal/config"
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

	jsCfg := arbiter.DefaultJetStreamConfig()
	jsCfg.StreamName = cfg.NATS.StreamName
	jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
	jsCfg.MaxAge = cfg.NATS.MaxAge
	jsCfg.DuplicateWindow = cfg.NATS.DuplicateWindow

	log.Info().
		Str("nats_url", cfg.NATS.URL).
		Str("stream", jsCfg.StreamName).
		Str("port", cfg.Arbiter.Port).
		Msg("starting auction arbiter")

	nc, err := cfg.NATS.Connect("auction-arbiter")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher, err := arbiter.NewJetStreamPublisher(ctx, nc, jsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create JetStream publisher")
	}

	arb := arbiter.New(clockwork.NewRealClock(), publisher)
	defer arb.Close()

	sweeper, err := arbiter.NewSweeper(arb, cfg.Arbiter.SweepInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sweeper")
	}
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start sweeper")
	}

	responder := arbiter.NewResponder(arb, nc, cfg.Arbiter.QueueGroup)
	if err := responder.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start NATS responder")
	}

	server := arbiter.NewServer(cfg.Arbiter.Port, arbiter.NewHandler(arb))
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
	responder.Stop()
	if err := sweeper.Stop(); err != nil {
		log.Error().Err(err).Msg("sweeper shutdown failed")
	}

	log.Info().Msg("auction arbiter shutdown complete")
}
