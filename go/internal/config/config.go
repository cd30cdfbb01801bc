package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcdev12/livebid/go/internal/clock"
	"github.com/mcdev12/livebid/go/internal/connection"
	"gopkg.in/yaml.v3"
)

// Transports the engine can use for the live event stream.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Config is the settings shared by the livebid binaries.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	NATS    NATSConfig    `yaml:"nats"`
	Arbiter ArbiterConfig `yaml:"arbiter"`
	Gateway GatewayConfig `yaml:"gateway"`
	Engine  EngineConfig  `yaml:"engine"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type NATSConfig struct {
	URL             string        `yaml:"url"`
	StreamName      string        `yaml:"stream_name"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	MaxReconnects   int           `yaml:"max_reconnects"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxAge          time.Duration `yaml:"max_age"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

type ArbiterConfig struct {
	Port          string        `yaml:"port"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	QueueGroup    string        `yaml:"queue_group"`
}

type GatewayConfig struct {
	Port           string        `yaml:"port"`
	ConsumerName   string        `yaml:"consumer_name"`
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
	PingPeriod     time.Duration `yaml:"ping_period"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
}

type EngineConfig struct {
	Transport    string             `yaml:"transport"`
	GatewayURL   string             `yaml:"gateway_url"`
	APIURL       string             `yaml:"api_url"`
	BidTimeout   time.Duration      `yaml:"bid_timeout"`
	TickInterval time.Duration      `yaml:"tick_interval"`
	Backoff      connection.Backoff `yaml:"backoff"`
	Urgency      clock.Policy       `yaml:"urgency"`
	AuctionIDs   []string           `yaml:"auction_ids"`
}

// Default returns the configuration used for local development.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		NATS: NATSConfig{
			URL:             "nats://localhost:4222",
			StreamName:      "AUCTION_EVENTS",
			SubjectPrefix:   "auction.events",
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			MaxAge:          7 * 24 * time.Hour,
			DuplicateWindow: 2 * time.Hour,
		},
		Arbiter: ArbiterConfig{
			Port:          "8080",
			SweepInterval: 5 * time.Second,
			QueueGroup:    "arbiter",
		},
		Gateway: GatewayConfig{
			Port:           "8081",
			ConsumerName:   "auction-gateway",
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			PingPeriod:     54 * time.Second,
			MaxMessageSize: 512,
			SendBuffer:     256,
		},
		Engine: EngineConfig{
			Transport:    TransportWebSocket,
			GatewayURL:   "ws://localhost:8081/ws/auctions",
			APIURL:       "http://localhost:8080",
			BidTimeout:   10 * time.Second,
			TickInterval: time.Second,
			Backoff:      connection.DefaultBackoff(),
			Urgency:      clock.DefaultPolicy(),
		},
	}
}

// Load reads the optional YAML file at path over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.StreamName = getEnv("NATS_STREAM", c.NATS.StreamName)

	c.Arbiter.Port = getEnv("ARBITER_PORT", c.Arbiter.Port)
	c.Arbiter.SweepInterval = getEnvAsDuration("ARBITER_SWEEP_INTERVAL", c.Arbiter.SweepInterval)

	c.Gateway.Port = getEnv("GATEWAY_PORT", c.Gateway.Port)
	c.Gateway.ConsumerName = getEnv("GATEWAY_CONSUMER", c.Gateway.ConsumerName)
	c.Gateway.SendBuffer = getEnvAsInt("GATEWAY_SEND_BUFFER", c.Gateway.SendBuffer)

	c.Engine.Transport = getEnv("ENGINE_TRANSPORT", c.Engine.Transport)
	c.Engine.GatewayURL = getEnv("ENGINE_GATEWAY_URL", c.Engine.GatewayURL)
	c.Engine.APIURL = getEnv("ENGINE_API_URL", c.Engine.APIURL)
	c.Engine.BidTimeout = getEnvAsDuration("ENGINE_BID_TIMEOUT", c.Engine.BidTimeout)
	c.Engine.Backoff.MaxAttempts = getEnvAsInt("ENGINE_MAX_RECONNECT_ATTEMPTS", c.Engine.Backoff.MaxAttempts)
	if ids := getEnv("ENGINE_AUCTION_IDS", ""); ids != "" {
		c.Engine.AuctionIDs = splitList(ids)
	}
}

// Validate rejects settings the binaries cannot run with.
func (c Config) Validate() error {
	var errs []error

	if err := c.Engine.Urgency.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine.urgency: %w", err))
	}
	if err := c.Engine.Backoff.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine.backoff: %w", err))
	}
	if c.Engine.BidTimeout <= 0 {
		errs = append(errs, errors.New("engine.bid_timeout must be positive"))
	}
	if c.Engine.TickInterval <= 0 {
		errs = append(errs, errors.New("engine.tick_interval must be positive"))
	}
	switch c.Engine.Transport {
	case TransportWebSocket, TransportNATS:
	default:
		errs = append(errs, fmt.Errorf("engine.transport %q is not one of %s, %s", c.Engine.Transport, TransportWebSocket, TransportNATS))
	}
	if c.Arbiter.SweepInterval <= 0 {
		errs = append(errs, errors.New("arbiter.sweep_interval must be positive"))
	}
	if c.Gateway.PingPeriod >= c.Gateway.PongWait {
		errs = append(errs, errors.New("gateway.ping_period must be shorter than gateway.pong_wait"))
	}
	if c.Gateway.SendBuffer <= 0 {
		errs = append(errs, errors.New("gateway.send_buffer must be positive"))
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
