package bidding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/livebid/go/internal/connection"
	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/mcdev12/livebid/go/internal/lifecycle"
	"github.com/mcdev12/livebid/go/internal/session"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds the wait for the backend's resolution of one bid.
const DefaultTimeout = 10 * time.Second

// Submitter is the authoritative backend. It serializes bids per lot and returns
// exactly one outcome for each.
type Submitter interface {
	Submit(ctx context.Context, req events.BidRequest) (events.BidResponse, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, req events.BidRequest) (events.BidResponse, error)

func (f SubmitterFunc) Submit(ctx context.Context, req events.BidRequest) (events.BidResponse, error) {
	return f(ctx, req)
}

// ConnectionState reports the shared channel's liveness. *connection.Monitor satisfies it.
type ConnectionState interface {
	State() connection.State
}

// Outcome is a bid the backend arbitrated.
type Outcome struct {
	Result events.BidResult
	Amount int64

	// ConfirmedPrice is the lot's price after arbitration: Amount when accepted,
	// the winning price when outbid.
	ConfirmedPrice int64
	BidCount       int

	// NextMinimum is the lowest bid that could be accepted now.
	NextMinimum int64
	Snapshot    lifecycle.Snapshot
}

// Accepted reports whether the bid became the high bid.
func (o *Outcome) Accepted() bool {
	return o.Result == events.BidAccepted
}

// Coordinator validates and submits bids for one lot and folds the backend's answer
// into the lot's state machine. Nothing is applied before the backend confirms.
type Coordinator struct {
	machine   *lifecycle.Machine
	session   session.Session
	conn      ConnectionState
	submitter Submitter
	clock     clockwork.Clock
	timeout   time.Duration

	base   context.Context
	cancel context.CancelFunc
}

// NewCoordinator creates a coordinator. A non-positive timeout uses DefaultTimeout.
func NewCoordinator(
	machine *lifecycle.Machine,
	sess session.Session,
	conn ConnectionState,
	submitter Submitter,
	clk clockwork.Clock,
	timeout time.Duration,
) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		machine:   machine,
		session:   sess,
		conn:      conn,
		submitter: submitter,
		clock:     clk,
		timeout:   timeout,
		base:      base,
		cancel:    cancel,
	}
}

// Close cancels every in-flight PlaceBid. Their late results are discarded.
func (c *Coordinator) Close() {
	c.cancel()
}

// Check runs the preconditions against the current state without submitting.
func (c *Coordinator) Check(amount int64) error {
	return c.check(amount, c.machine.Snapshot())
}

func (c *Coordinator) check(amount int64, snap lifecycle.Snapshot) error {
	if !c.session.IsAuthenticated() {
		return &PreconditionError{Reason: ReasonNotAuthenticated, Amount: amount}
	}
	if c.conn.State() != connection.StateConnected {
		return &PreconditionError{Reason: ReasonOffline, Amount: amount}
	}
	if !snap.Active() {
		return &PreconditionError{Reason: ReasonAuctionClosed, Amount: amount, Status: snap.Status}
	}
	if balance := c.session.Balance(); balance < amount {
		return &PreconditionError{Reason: ReasonInsufficientBalance, Amount: amount, Shortfall: amount - balance}
	}
	if amount < snap.NextMinimum {
		return &PreconditionError{Reason: ReasonBelowMinimum, Amount: amount, RequiredMinimum: snap.NextMinimum}
	}
	return nil
}

type submission struct {
	resp events.BidResponse
	err  error
}

// PlaceBid validates amount, submits it and waits for the backend's resolution.
//
// Precondition failures return a *PreconditionError. Accepted and outbid bids return
// an Outcome. A timeout or transport failure returns an error matching ErrTimedOut;
// the bid may or may not have been recorded. Cancelling ctx or closing the coordinator
// abandons the wait and any later result is discarded. PlaceBid never retries.
func (c *Coordinator) PlaceBid(ctx context.Context, amount int64) (*Outcome, error) {
	if c.base.Err() != nil {
		return nil, ErrClosed
	}

	snap := c.machine.Snapshot()
	if err := c.check(amount, snap); err != nil {
		log.Debug().
			Str("auction_id", snap.AuctionID).
			Int64("amount", amount).
			Err(err).
			Msg("bid failed precondition")
		return nil, err
	}

	req := events.BidRequest{
		RequestID:   uuid.New().String(),
		AuctionID:   snap.AuctionID,
		BidderID:    c.session.BidderID(),
		Amount:      amount,
		SubmittedAt: c.clock.Now(),
	}

	submitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.base, cancel)
	defer stop()

	results := make(chan submission, 1)
	go func() {
		resp, err := c.submitter.Submit(submitCtx, req)
		results <- submission{resp: resp, err: err}
	}()

	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	logger := log.With().
		Str("auction_id", req.AuctionID).
		Str("request_id", req.RequestID).
		Int64("amount", amount).
		Logger()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, c.submitFailed(ctx, req, res.err)
		}
		return c.resolve(req, res.resp)

	case <-timer.Chan():
		logger.Warn().Dur("timeout", c.timeout).Msg("bid resolution timed out")
		return nil, fmt.Errorf("%w after %s", ErrTimedOut, c.timeout)

	case <-ctx.Done():
		logger.Debug().Msg("bid abandoned by caller")
		return nil, ctx.Err()

	case <-c.base.Done():
		logger.Debug().Msg("bid abandoned on close")
		return nil, ErrClosed
	}
}

func (c *Coordinator) submitFailed(ctx context.Context, req events.BidRequest, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.base.Err() != nil {
		return ErrClosed
	}
	if errors.Is(err, ErrNotAuthenticated) {
		return &PreconditionError{Reason: ReasonNotAuthenticated, Amount: req.Amount}
	}

	log.Warn().
		Err(err).
		Str("auction_id", req.AuctionID).
		Str("request_id", req.RequestID).
		Msg("bid submission failed")
	return fmt.Errorf("%w: %v", ErrTimedOut, err)
}

func (c *Coordinator) resolve(req events.BidRequest, resp events.BidResponse) (*Outcome, error) {
	switch resp.Outcome {
	case events.BidAccepted, events.BidOutbid:
		c.machine.ApplyBid(resp.ConfirmedPrice, resp.BidCount)
		snap := c.machine.Snapshot()

		next := snap.NextMinimum
		if floor := resp.ConfirmedPrice + snap.MinIncrement; floor > next {
			next = floor
		}

		log.Info().
			Str("auction_id", req.AuctionID).
			Str("result", string(resp.Outcome)).
			Int64("amount", req.Amount).
			Int64("confirmed_price", resp.ConfirmedPrice).
			Msg("bid resolved")

		return &Outcome{
			Result:         resp.Outcome,
			Amount:         req.Amount,
			ConfirmedPrice: resp.ConfirmedPrice,
			BidCount:       resp.BidCount,
			NextMinimum:    next,
			Snapshot:       snap,
		}, nil

	case events.BidClosed:
		status := lifecycle.Status(resp.Status)
		switch status {
		case lifecycle.StatusSold:
			c.machine.ApplySold(events.AuctionSoldPayload{
				AuctionID:  req.AuctionID,
				WinnerID:   resp.WinnerID,
				FinalPrice: resp.ConfirmedPrice,
			})
		default:
			status = lifecycle.StatusExpired
			c.machine.ApplyExpired()
		}
		return nil, &PreconditionError{Reason: ReasonAuctionClosed, Amount: req.Amount, Status: status}

	default:
		return nil, fmt.Errorf("unexpected bid outcome %q", resp.Outcome)
	}
}
