package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/mcdev12/livebid/go/internal/lifecycle"
	"github.com/nats-io/nats.go"
)

// Service error headers set by the arbiter's NATS responder.
const (
	HeaderError     = "Nats-Service-Error"
	HeaderErrorCode = "Nats-Service-Error-Code"
)

// NATSClient talks to the arbiter over NATS request/reply.
type NATSClient struct {
	nc *nats.Conn
}

// NewNATSClient wraps an established connection. The caller owns nc.
func NewNATSClient(nc *nats.Conn) *NATSClient {
	return &NATSClient{nc: nc}
}

// Submit sends a bid on the lot's bid subject.
func (c *NATSClient) Submit(ctx context.Context, bid events.BidRequest) (events.BidResponse, error) {
	data, err := json.Marshal(bid)
	if err != nil {
		return events.BidResponse{}, fmt.Errorf("marshal bid: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, events.BidSubject(bid.AuctionID), data)
	if err != nil {
		return events.BidResponse{}, fmt.Errorf("request bid: %w", err)
	}

	var out events.BidResponse
	if err := decodeReply(msg, &out); err != nil {
		return events.BidResponse{}, err
	}
	return out, nil
}

// FetchState requests the lot's state.
func (c *NATSClient) FetchState(ctx context.Context, auctionID string) (lifecycle.State, error) {
	msg, err := c.nc.RequestWithContext(ctx, events.StateSubject(auctionID), nil)
	if err != nil {
		return lifecycle.State{}, fmt.Errorf("request auction state: %w", err)
	}

	var out lifecycle.State
	if err := decodeReply(msg, &out); err != nil {
		return lifecycle.State{}, err
	}
	return out, nil
}

func decodeReply(msg *nats.Msg, v interface{}) error {
	if desc := msg.Header.Get(HeaderError); desc != "" {
		switch msg.Header.Get(HeaderErrorCode) {
		case "404":
			return ErrNotFound
		case "400":
			return fmt.Errorf("%w: %s", ErrInvalidRequest, desc)
		default:
			return fmt.Errorf("backend error: %s", desc)
		}
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
