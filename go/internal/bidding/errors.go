package bidding

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/mcdev12/livebid/go/internal/lifecycle"
)

var (
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrOffline             = errors.New("offline")
	ErrAuctionClosed       = errors.New("auction closed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinimum        = errors.New("below minimum")

	// ErrTimedOut means the outcome of a submitted bid is unknown. The caller should
	// resync from the backend before trying again.
	ErrTimedOut = errors.New("bid timed out")

	ErrClosed = errors.New("coordinator closed")
)

// Reason names the precondition a bid failed.
type Reason string

const (
	ReasonNotAuthenticated    Reason = "not-authenticated"
	ReasonOffline             Reason = "offline"
	ReasonAuctionClosed       Reason = "auction-closed"
	ReasonInsufficientBalance Reason = "insufficient-balance"
	ReasonBelowMinimum        Reason = "below-minimum"
)

var reasonErrors = map[Reason]error{
	ReasonNotAuthenticated:    ErrNotAuthenticated,
	ReasonOffline:             ErrOffline,
	ReasonAuctionClosed:       ErrAuctionClosed,
	ReasonInsufficientBalance: ErrInsufficientBalance,
	ReasonBelowMinimum:        ErrBelowMinimum,
}

// PreconditionError is a bid rejected before or instead of arbitration. It unwraps to
// the sentinel for its Reason.
type PreconditionError struct {
	Reason Reason
	Amount int64

	// Status is the closed lot's status for ReasonAuctionClosed.
	Status lifecycle.Status

	// Shortfall is Amount minus the balance for ReasonInsufficientBalance.
	Shortfall int64

	// RequiredMinimum is the lowest acceptable bid for ReasonBelowMinimum.
	RequiredMinimum int64
}

func (e *PreconditionError) Error() string {
	switch e.Reason {
	case ReasonNotAuthenticated:
		return "bid rejected: sign in to place a bid"
	case ReasonOffline:
		return "bid rejected: connection is offline"
	case ReasonAuctionClosed:
		return fmt.Sprintf("bid rejected: auction is %s", e.Status)
	case ReasonInsufficientBalance:
		return fmt.Sprintf("bid rejected: balance is %s short of %s", humanize.Comma(e.Shortfall), humanize.Comma(e.Amount))
	case ReasonBelowMinimum:
		return fmt.Sprintf("bid rejected: %s is below the minimum of %s", humanize.Comma(e.Amount), humanize.Comma(e.RequiredMinimum))
	default:
		return fmt.Sprintf("bid rejected: %s", e.Reason)
	}
}

func (e *PreconditionError) Unwrap() error {
	return reasonErrors[e.Reason]
}
