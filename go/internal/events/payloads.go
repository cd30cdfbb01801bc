package events

import (
	"time"
)

// Event payload types shared between the arbiter, the gateway and the client engine.
// Amounts are in minor currency units.

// NewBidPayload is the payload for a NewBid event
type NewBidPayload struct {
	AuctionID string    `json:"auction_id"`
	Amount    int64     `json:"amount"`
	BidCount  int       `json:"bid_count,omitempty"`
	BidderID  string    `json:"bidder_id,omitempty"`
	PlacedAt  time.Time `json:"placed_at"`
}

// AuctionSoldPayload is the payload for an AuctionSold event
type AuctionSoldPayload struct {
	AuctionID  string    `json:"auction_id"`
	WinnerID   string    `json:"winner_id,omitempty"`
	FinalPrice int64     `json:"final_price,omitempty"`
	SoldAt     time.Time `json:"sold_at"`
}

// AuctionExpiredPayload is the payload for an AuctionExpired event
type AuctionExpiredPayload struct {
	AuctionID string    `json:"auction_id"`
	ExpiredAt time.Time `json:"expired_at"`
}
