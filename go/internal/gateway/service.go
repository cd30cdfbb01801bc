package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Service ties the event consumer to the WebSocket fan-out.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	eventConsumer     *EventConsumer
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	JetStreamConfig  JetStreamConsumerConfig
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		JetStreamConfig:  DefaultJetStreamConsumerConfig(),
	}
}

// NewService creates a gateway reading the auction stream over nc. The caller owns nc.
func NewService(ctx context.Context, config Config, nc *nats.Conn) (*Service, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	connectionManager := NewConnectionManager(config.ConnectionConfig)

	eventConsumer, err := NewEventConsumer(ctx, js, connectionManager, config.JetStreamConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		eventConsumer:     eventConsumer,
	}, nil
}

// Start runs the fan-out and the consumer until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting auction gateway service")

	go s.connectionManager.Start(ctx)

	if err := s.eventConsumer.Start(ctx); err != nil {
		return fmt.Errorf("event consumer: %w", err)
	}

	log.Info().Msg("auction gateway service stopped")
	return nil
}

// Handler returns the gateway's routes behind CORS.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.wsHandler.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// Stats returns statistics about the gateway's connections
func (s *Service) Stats() Stats {
	return s.connectionManager.Stats()
}
