package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSDialer subscribes directly to the auction event subjects on NATS.
// The client library's own reconnect is disabled: the Monitor owns retry policy.
type NATSDialer struct {
	URL     string
	Subject string
	Name    string
	Timeout time.Duration
}

// Dial connects and subscribes.
func (d *NATSDialer) Dial(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subject := d.Subject
	if subject == "" {
		subject = events.SubjectPrefix + ".>"
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name(d.Name),
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(d.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	sub, err := nc.SubscribeSync(subject)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	return &natsStream{nc: nc, sub: sub}, nil
}

type natsStream struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	closeOnce sync.Once
}

func (s *natsStream) Receive(ctx context.Context) (events.Envelope, error) {
	var env events.Envelope

	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		return env, fmt.Errorf("next NATS message: %w", err)
	}
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return env, fmt.Errorf("%w: subject %s: %v", ErrMalformed, msg.Subject, err)
	}
	return env, nil
}

func (s *natsStream) Close() error {
	s.closeOnce.Do(func() {
		s.nc.Close()
	})
	return nil
}
