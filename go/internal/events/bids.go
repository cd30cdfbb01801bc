package events

import (
	"fmt"
	"time"
)

// BidResult is the backend's verdict on one bid.
type BidResult string

const (
	BidAccepted BidResult = "accepted"
	BidOutbid   BidResult = "rejected-outbid"

	// BidClosed means the backend found the lot already sold or expired.
	BidClosed BidResult = "rejected-closed"
)

// BidSubject is the NATS request subject for bids on auctionID.
func BidSubject(auctionID string) string {
	return fmt.Sprintf("auction.bids.%s", auctionID)
}

// StateSubject is the NATS request subject for the state of auctionID.
func StateSubject(auctionID string) string {
	return fmt.Sprintf("auction.state.%s", auctionID)
}

// BidRequest is a bid submitted to the authoritative backend.
type BidRequest struct {
	RequestID   string    `json:"request_id"`
	AuctionID   string    `json:"auction_id"`
	BidderID    string    `json:"bidder_id"`
	Amount      int64     `json:"amount"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// BidResponse is the backend's resolution of a BidRequest.
type BidResponse struct {
	Outcome        BidResult `json:"outcome"`
	ConfirmedPrice int64     `json:"confirmed_price"`
	BidCount       int       `json:"bid_count"`

	// Status and WinnerID are set for BidClosed.
	Status   string `json:"status,omitempty"`
	WinnerID string `json:"winner_id,omitempty"`

	Error string `json:"error,omitempty"`
}
