package lifecycle

import (
	"time"
)

// Status is the lifecycle status of one lot.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusSold    Status = "sold"
)

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusSold
}

// rank orders statuses by precedence: sold > expired > active.
func (s Status) rank() int {
	switch s {
	case StatusSold:
		return 2
	case StatusExpired:
		return 1
	default:
		return 0
	}
}

// State is the authoritative view of a lot as reported by the backend.
type State struct {
	AuctionID    string    `json:"auction_id"`
	Status       Status    `json:"status"`
	CurrentPrice int64     `json:"current_price"`
	BidCount     int       `json:"bid_count"`
	MinIncrement int64     `json:"min_increment"`
	EndsAt       time.Time `json:"ends_at"`
	BuyNowPrice  int64     `json:"buy_now_price,omitempty"`
	WinnerID     string    `json:"winner_id,omitempty"`
	FinalPrice   int64     `json:"final_price,omitempty"`
	ServerTime   time.Time `json:"server_time"`
}

// Snapshot is a consistent copy of a machine's state for rendering.
type Snapshot struct {
	AuctionID    string    `json:"auction_id"`
	Status       Status    `json:"status"`
	CurrentPrice int64     `json:"current_price"`
	BidCount     int       `json:"bid_count"`
	MinIncrement int64     `json:"min_increment"`
	NextMinimum  int64     `json:"next_minimum"`
	EndsAt       time.Time `json:"ends_at"`

	// ExpiryProvisional is set while the expiry was inferred from the local clock
	// and no server event has confirmed it.
	ExpiryProvisional bool `json:"expiry_provisional"`

	WinnerID   string `json:"winner_id,omitempty"`
	FinalPrice int64  `json:"final_price,omitempty"`

	// Version increases by one on every change.
	Version uint64 `json:"version"`
}

// Active reports whether bids are still possible.
func (s Snapshot) Active() bool {
	return s.Status == StatusActive
}
