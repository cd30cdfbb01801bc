package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event type on the wire and on the local bus.
type Kind string

const (
	KindNewBid         Kind = "NewBid"
	KindAuctionSold    Kind = "AuctionSold"
	KindAuctionExpired Kind = "AuctionExpired"

	// KindConnectionState is synthesized by the client; it never travels on the wire.
	KindConnectionState Kind = "ConnectionState"
)

// SubjectPrefix is the NATS subject prefix every auction event is published under.
const SubjectPrefix = "auction.events"

var (
	ErrUnknownKind       = errors.New("unknown event kind")
	ErrAuctionIDMismatch = errors.New("payload auction id does not match envelope")
)

// Envelope is the wire format for every auction event.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType Kind            `json:"eventType"`
	AuctionID string          `json:"auctionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in an envelope with a fresh event id.
func NewEnvelope(kind Kind, auctionID string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	return Envelope{
		EventID:   uuid.New().String(),
		EventType: kind,
		AuctionID: auctionID,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// Subject returns the NATS subject an envelope of this kind is published on.
func Subject(kind Kind) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, kind)
}

// Decode parses the envelope payload into its typed struct.
func Decode(env Envelope) (interface{}, error) {
	switch env.EventType {
	case KindNewBid:
		var payload NewBidPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal NewBid payload: %w", err)
		}
		if err := checkAuctionID(env, payload.AuctionID); err != nil {
			return nil, err
		}
		return payload, nil

	case KindAuctionSold:
		var payload AuctionSoldPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal AuctionSold payload: %w", err)
		}
		if err := checkAuctionID(env, payload.AuctionID); err != nil {
			return nil, err
		}
		return payload, nil

	case KindAuctionExpired:
		var payload AuctionExpiredPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal AuctionExpired payload: %w", err)
		}
		if err := checkAuctionID(env, payload.AuctionID); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.EventType)
	}
}

// checkAuctionID rejects payloads addressed to another auction. An empty payload id defers to the envelope.
func checkAuctionID(env Envelope, payloadID string) error {
	if env.AuctionID == "" {
		return fmt.Errorf("%w: envelope has no auction id", ErrAuctionIDMismatch)
	}
	if payloadID != "" && payloadID != env.AuctionID {
		return fmt.Errorf("%w: %s != %s", ErrAuctionIDMismatch, payloadID, env.AuctionID)
	}
	return nil
}
