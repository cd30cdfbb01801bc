package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Service error headers on failed replies.
const (
	headerError     = "Nats-Service-Error"
	headerErrorCode = "Nats-Service-Error-Code"
)

// Responder answers bid and state requests over NATS request/reply.
type Responder struct {
	arbiter *Arbiter
	nc      *nats.Conn
	queue   string
	timeout time.Duration
	subs    []*nats.Subscription
}

// NewResponder creates a responder. Instances sharing queue split the requests.
func NewResponder(a *Arbiter, nc *nats.Conn, queue string) *Responder {
	return &Responder{
		arbiter: a,
		nc:      nc,
		queue:   queue,
		timeout: 5 * time.Second,
	}
}

// Start subscribes to the bid and state subjects.
func (r *Responder) Start() error {
	handlers := map[string]nats.MsgHandler{
		events.BidSubject("*"):   r.handleBid,
		events.StateSubject("*"): r.handleState,
	}
	for subject, handler := range handlers {
		sub, err := r.nc.QueueSubscribe(subject, r.queue, handler)
		if err != nil {
			r.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	log.Info().Str("queue", r.queue).Msg("arbiter responder listening")
	return nil
}

// Stop drains the subscriptions.
func (r *Responder) Stop() {
	for _, sub := range r.subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("failed to drain subscription")
		}
	}
	r.subs = nil
}

func (r *Responder) handleBid(msg *nats.Msg) {
	auctionID := lastToken(msg.Subject)

	var req events.BidRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.respondError(msg, fmt.Errorf("%w: %v", ErrInvalidBid, err))
		return
	}
	if req.AuctionID == "" {
		req.AuctionID = auctionID
	}
	if req.AuctionID != auctionID {
		r.respondError(msg, fmt.Errorf("%w: body is for %s", ErrInvalidBid, req.AuctionID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	resp, err := r.arbiter.PlaceBid(ctx, req)
	if err != nil {
		r.respondError(msg, err)
		return
	}
	r.respond(msg, resp)
}

func (r *Responder) handleState(msg *nats.Msg) {
	st, err := r.arbiter.State(lastToken(msg.Subject))
	if err != nil {
		r.respondError(msg, err)
		return
	}
	r.respond(msg, st)
}

func (r *Responder) respond(msg *nats.Msg, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		r.respondError(msg, err)
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to send reply")
	}
}

func (r *Responder) respondError(msg *nats.Msg, err error) {
	reply := &nats.Msg{
		Subject: msg.Reply,
		Header: nats.Header{
			headerError:     []string{err.Error()},
			headerErrorCode: []string{errorCode(err)},
		},
	}
	if rerr := msg.RespondMsg(reply); rerr != nil {
		log.Error().Err(rerr).Str("subject", msg.Subject).Msg("failed to send error reply")
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrLotNotFound):
		return "404"
	case errors.Is(err, ErrInvalidBid), errors.Is(err, ErrInvalidLot):
		return "400"
	case errors.Is(err, ErrLotExists):
		return "409"
	default:
		return "500"
	}
}

func lastToken(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
