package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/mcdev12/livebid/go/internal/lifecycle"
	"github.com/rs/zerolog/log"
)

var (
	ErrLotNotFound = errors.New("lot not found")
	ErrLotExists   = errors.New("lot already exists")
	ErrInvalidLot  = errors.New("invalid lot")
	ErrInvalidBid  = errors.New("invalid bid")
)

// maxAnswered bounds how many request ids each lot remembers for replay.
const maxAnswered = 1024

// Publisher sends auction events to the live stream.
type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

// LotSpec describes a lot to put up for auction.
type LotSpec struct {
	ID            string    `json:"id,omitempty"`
	StartingPrice int64     `json:"starting_price"`
	MinIncrement  int64     `json:"min_increment"`
	EndsAt        time.Time `json:"ends_at"`

	// BuyNowPrice sells the lot to the first bid at or above it. Zero disables it.
	BuyNowPrice int64 `json:"buy_now_price,omitempty"`
}

type lot struct {
	mu         sync.Mutex
	state      lifecycle.State
	highBidder string

	// answered maps request ids to their response so a resent bid gets the same answer.
	// Only the latest maxAnswered ids are kept, oldest first in answerOrder.
	answered    map[string]events.BidResponse
	answerOrder []string
}

func (l *lot) remember(requestID string, resp events.BidResponse) {
	if _, ok := l.answered[requestID]; ok {
		return
	}
	if len(l.answerOrder) >= maxAnswered {
		delete(l.answered, l.answerOrder[0])
		l.answerOrder = l.answerOrder[1:]
	}
	l.answered[requestID] = resp
	l.answerOrder = append(l.answerOrder, requestID)
}

// Arbiter is the single serialization point for bids. Each lot has its own lock, so
// bids on one lot are decided one at a time while other lots proceed in parallel.
type Arbiter struct {
	clock     clockwork.Clock
	publisher Publisher

	mu   sync.RWMutex
	lots map[string]*lot

	timersMu sync.Mutex
	timers   map[string]*lotTimer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an arbiter with no lots.
func New(clk clockwork.Clock, publisher Publisher) *Arbiter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Arbiter{
		clock:     clk,
		publisher: publisher,
		lots:      make(map[string]*lot),
		timers:    make(map[string]*lotTimer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close stops every deadline timer. Lots keep their state.
func (a *Arbiter) Close() {
	a.cancel()
	a.wg.Wait()
}

// CreateLot opens a lot for bidding and schedules its close.
func (a *Arbiter) CreateLot(spec LotSpec) (lifecycle.State, error) {
	now := a.clock.Now()
	if spec.MinIncrement <= 0 {
		return lifecycle.State{}, fmt.Errorf("%w: min increment must be positive", ErrInvalidLot)
	}
	if spec.StartingPrice < 0 {
		return lifecycle.State{}, fmt.Errorf("%w: starting price must not be negative", ErrInvalidLot)
	}
	if !spec.EndsAt.After(now) {
		return lifecycle.State{}, fmt.Errorf("%w: end time %s is not in the future", ErrInvalidLot, spec.EndsAt.Format(time.RFC3339))
	}
	if spec.BuyNowPrice != 0 && spec.BuyNowPrice <= spec.StartingPrice {
		return lifecycle.State{}, fmt.Errorf("%w: buy now price must exceed the starting price", ErrInvalidLot)
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}

	l := &lot{
		state: lifecycle.State{
			AuctionID:    spec.ID,
			Status:       lifecycle.StatusActive,
			CurrentPrice: spec.StartingPrice,
			MinIncrement: spec.MinIncrement,
			EndsAt:       spec.EndsAt,
			BuyNowPrice:  spec.BuyNowPrice,
		},
		answered: make(map[string]events.BidResponse),
	}

	a.mu.Lock()
	if _, exists := a.lots[spec.ID]; exists {
		a.mu.Unlock()
		return lifecycle.State{}, fmt.Errorf("%w: %s", ErrLotExists, spec.ID)
	}
	a.lots[spec.ID] = l
	a.mu.Unlock()

	a.scheduleClose(spec.ID, spec.EndsAt)

	log.Info().
		Str("auction_id", spec.ID).
		Str("starting_price", humanize.Comma(spec.StartingPrice)).
		Time("ends_at", spec.EndsAt).
		Msg("lot opened")

	return a.snapshot(l, now), nil
}

func (a *Arbiter) lot(id string) (*lot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.lots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLotNotFound, id)
	}
	return l, nil
}

func (a *Arbiter) snapshot(l *lot, now time.Time) lifecycle.State {
	st := l.state
	st.ServerTime = now
	return st
}

// State returns the current state of a lot.
func (a *Arbiter) State(id string) (lifecycle.State, error) {
	l, err := a.lot(id)
	if err != nil {
		return lifecycle.State{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return a.snapshot(l, a.clock.Now()), nil
}

// Lots returns every lot, soonest deadline first.
func (a *Arbiter) Lots() []lifecycle.State {
	a.mu.RLock()
	lots := make([]*lot, 0, len(a.lots))
	for _, l := range a.lots {
		lots = append(lots, l)
	}
	a.mu.RUnlock()

	now := a.clock.Now()
	out := make([]lifecycle.State, 0, len(lots))
	for _, l := range lots {
		l.mu.Lock()
		out = append(out, a.snapshot(l, now))
		l.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EndsAt.Before(out[j].EndsAt)
	})
	return out
}

// PlaceBid decides one bid. A bid is accepted only if the lot is active, its deadline
// has not passed and the amount meets the current price plus the increment. Anything
// else is outbid or closed. A request id seen before gets its original answer.
func (a *Arbiter) PlaceBid(ctx context.Context, req events.BidRequest) (events.BidResponse, error) {
	if req.AuctionID == "" {
		return events.BidResponse{}, fmt.Errorf("%w: auction id is required", ErrInvalidBid)
	}
	if req.Amount <= 0 {
		return events.BidResponse{}, fmt.Errorf("%w: amount must be positive", ErrInvalidBid)
	}
	l, err := a.lot(req.AuctionID)
	if err != nil {
		return events.BidResponse{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.RequestID != "" {
		if resp, ok := l.answered[req.RequestID]; ok {
			log.Debug().Str("request_id", req.RequestID).Msg("replaying answer for resent bid")
			return resp, nil
		}
	}

	resp := a.decide(ctx, l, req)
	if req.RequestID != "" {
		l.remember(req.RequestID, resp)
	}
	return resp, nil
}

func (a *Arbiter) decide(ctx context.Context, l *lot, req events.BidRequest) events.BidResponse {
	now := a.clock.Now()
	st := &l.state

	if st.Status == lifecycle.StatusActive && !now.Before(st.EndsAt) {
		a.closeLocked(ctx, l, now)
	}
	if st.Status != lifecycle.StatusActive {
		return events.BidResponse{
			Outcome:        events.BidClosed,
			ConfirmedPrice: st.CurrentPrice,
			BidCount:       st.BidCount,
			Status:         string(st.Status),
			WinnerID:       st.WinnerID,
		}
	}

	if req.Amount < st.CurrentPrice+st.MinIncrement {
		log.Debug().
			Str("auction_id", st.AuctionID).
			Int64("amount", req.Amount).
			Int64("current_price", st.CurrentPrice).
			Msg("bid outbid")
		return events.BidResponse{
			Outcome:        events.BidOutbid,
			ConfirmedPrice: st.CurrentPrice,
			BidCount:       st.BidCount,
		}
	}

	st.CurrentPrice = req.Amount
	st.BidCount++
	l.highBidder = req.BidderID

	log.Info().
		Str("auction_id", st.AuctionID).
		Str("bidder_id", req.BidderID).
		Str("amount", humanize.Comma(req.Amount)).
		Int("bid_count", st.BidCount).
		Msg("bid accepted")

	a.publish(ctx, events.KindNewBid, st.AuctionID, events.NewBidPayload{
		AuctionID: st.AuctionID,
		Amount:    st.CurrentPrice,
		BidCount:  st.BidCount,
		BidderID:  req.BidderID,
		PlacedAt:  now,
	})

	if st.BuyNowPrice > 0 && req.Amount >= st.BuyNowPrice {
		a.closeLocked(ctx, l, now)
	}

	return events.BidResponse{
		Outcome:        events.BidAccepted,
		ConfirmedPrice: req.Amount,
		BidCount:       st.BidCount,
	}
}

// closeLocked ends an active lot: sold to the high bidder if anyone bid, expired
// otherwise. The caller holds l.mu.
func (a *Arbiter) closeLocked(ctx context.Context, l *lot, now time.Time) {
	st := &l.state
	if st.Status != lifecycle.StatusActive {
		return
	}
	a.cancelTimer(st.AuctionID)

	if st.BidCount > 0 {
		st.Status = lifecycle.StatusSold
		st.WinnerID = l.highBidder
		st.FinalPrice = st.CurrentPrice

		log.Info().
			Str("auction_id", st.AuctionID).
			Str("winner_id", st.WinnerID).
			Str("final_price", humanize.Comma(st.FinalPrice)).
			Msg("lot sold")

		a.publish(ctx, events.KindAuctionSold, st.AuctionID, events.AuctionSoldPayload{
			AuctionID:  st.AuctionID,
			WinnerID:   st.WinnerID,
			FinalPrice: st.FinalPrice,
			SoldAt:     now,
		})
		return
	}

	st.Status = lifecycle.StatusExpired
	log.Info().Str("auction_id", st.AuctionID).Msg("lot expired without bids")
	a.publish(ctx, events.KindAuctionExpired, st.AuctionID, events.AuctionExpiredPayload{
		AuctionID: st.AuctionID,
		ExpiredAt: now,
	})
}

// CloseLot closes a lot whose deadline has passed. It reports whether the lot was
// closed by this call.
func (a *Arbiter) CloseLot(ctx context.Context, id string) (bool, error) {
	l, err := a.lot(id)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := a.clock.Now()
	if l.state.Status != lifecycle.StatusActive || now.Before(l.state.EndsAt) {
		return false, nil
	}
	a.closeLocked(ctx, l, now)
	return true, nil
}

// CloseDue closes every active lot whose deadline has passed and returns how many
// it closed.
func (a *Arbiter) CloseDue(ctx context.Context) int {
	a.mu.RLock()
	ids := make([]string, 0, len(a.lots))
	for id := range a.lots {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	closed := 0
	for _, id := range ids {
		ok, err := a.CloseLot(ctx, id)
		if err != nil {
			continue
		}
		if ok {
			closed++
		}
	}
	return closed
}

// publish sends one event. The caller holds the lot's lock, so events for a lot
// reach the stream in decision order. A failed publish is logged; the decision stands.
func (a *Arbiter) publish(ctx context.Context, kind events.Kind, auctionID string, payload interface{}) {
	if a.publisher == nil {
		return
	}
	env, err := events.NewEnvelope(kind, auctionID, payload)
	if err != nil {
		log.Error().Err(err).Str("auction_id", auctionID).Msg("failed to build event")
		return
	}
	if err := a.publisher.Publish(ctx, env); err != nil {
		log.Error().
			Err(err).
			Str("auction_id", auctionID).
			Str("event_type", string(kind)).
			Str("event_id", env.EventID).
			Msg("failed to publish event")
	}
}
