package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcdev12/livebid/go/internal/bidding"
	"github.com/mcdev12/livebid/go/internal/clock"
	"github.com/mcdev12/livebid/go/internal/connection"
	"github.com/mcdev12/livebid/go/internal/eventbus"
	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/mcdev12/livebid/go/internal/lifecycle"
	"github.com/rs/zerolog/log"
)

// View is one open auction: its state machine, its bid coordinator and the bus and
// ticker subscriptions feeding them.
type View struct {
	engine      *Engine
	auctionID   string
	machine     *lifecycle.Machine
	coordinator *bidding.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	subs     []*eventbus.Subscription
	stopTick func()
	wg       sync.WaitGroup
}

func newView(e *Engine, auctionID string, machine *lifecycle.Machine) *View {
	ctx, cancel := context.WithCancel(e.ctx)
	v := &View{
		engine:    e,
		auctionID: auctionID,
		machine:   machine,
		coordinator: bidding.NewCoordinator(
			machine, e.session, e.monitor, e.backend, e.clock, e.config.BidTimeout,
		),
		ctx:    ctx,
		cancel: cancel,
	}

	v.subs = []*eventbus.Subscription{
		e.bus.SubscribeAuction(events.KindNewBid, auctionID, v.onNewBid),
		e.bus.SubscribeAuction(events.KindAuctionSold, auctionID, v.onSold),
		e.bus.SubscribeAuction(events.KindAuctionExpired, auctionID, v.onExpired),
	}
	v.stopTick = e.ticker.Subscribe(func(now time.Time) {
		machine.Tick(now)
	})
	return v
}

func (v *View) onNewBid(ev eventbus.Event) {
	p, ok := ev.Payload.(events.NewBidPayload)
	if !ok {
		return
	}
	v.machine.ApplyBid(p.Amount, p.BidCount)
}

func (v *View) onSold(ev eventbus.Event) {
	p, ok := ev.Payload.(events.AuctionSoldPayload)
	if !ok {
		return
	}
	v.machine.ApplySold(p)
}

func (v *View) onExpired(ev eventbus.Event) {
	v.machine.ApplyExpired()
}

// AuctionID returns the id of the auction this view follows.
func (v *View) AuctionID() string {
	return v.auctionID
}

// Snapshot returns the current state of the auction.
func (v *View) Snapshot() lifecycle.Snapshot {
	return v.machine.Snapshot()
}

// Remaining evaluates the countdown at the engine clock's current instant.
func (v *View) Remaining() clock.Remaining {
	return v.machine.Remaining(v.engine.clock.Now())
}

// Watch calls fn with every new snapshot. The returned func stops it.
func (v *View) Watch(fn func(lifecycle.Snapshot)) (cancel func()) {
	return v.machine.Watch(fn)
}

// ConnectionState returns the state of the channel shared by every view.
func (v *View) ConnectionState() connection.State {
	return v.engine.monitor.State()
}

// WatchConnection calls fn on every change of the shared channel's state. The
// subscription ends when the returned func is called or the view closes.
func (v *View) WatchConnection(fn func(connection.State)) (cancel func()) {
	sub := v.engine.bus.Subscribe(events.KindConnectionState, func(ev eventbus.Event) {
		if s, ok := ev.Payload.(connection.State); ok {
			fn(s)
		}
	})

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		sub.Unsubscribe()
		return func() {}
	}
	v.subs = append(v.subs, sub)
	v.mu.Unlock()

	var once sync.Once
	return func() { once.Do(sub.Unsubscribe) }
}

// Check reports whether amount would pass the bid preconditions right now.
func (v *View) Check(amount int64) error {
	return v.coordinator.Check(amount)
}

// PlaceBid submits a bid of amount. When the outcome is unknown because the backend
// timed out, the view resyncs in the background.
func (v *View) PlaceBid(ctx context.Context, amount int64) (*bidding.Outcome, error) {
	outcome, err := v.coordinator.PlaceBid(ctx, amount)
	if errors.Is(err, bidding.ErrTimedOut) {
		v.resyncInBackground()
	}
	if errors.Is(err, bidding.ErrClosed) {
		return nil, ErrClosed
	}
	return outcome, err
}

// Resync fetches the authoritative state and reconciles the view against it.
func (v *View) Resync(ctx context.Context) error {
	st, err := v.engine.backend.FetchState(ctx, v.auctionID)
	if err != nil {
		return fmt.Errorf("resync auction %s: %w", v.auctionID, err)
	}
	if v.machine.Reconcile(st) {
		log.Info().
			Str("auction_id", v.auctionID).
			Int64("current_price", st.CurrentPrice).
			Str("status", string(st.Status)).
			Msg("auction resynced")
	}
	return nil
}

func (v *View) resyncInBackground() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ctx, cancel := context.WithTimeout(v.ctx, v.engine.config.ResyncTimeout)
		defer cancel()
		if err := v.Resync(ctx); err != nil && v.ctx.Err() == nil {
			log.Error().Err(err).Str("auction_id", v.auctionID).Msg("background resync failed")
		}
	}()
}

// Close stops following the auction and abandons any in-flight bid. It is idempotent.
// Do not call it from a Watch or WatchConnection callback.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	subs := v.subs
	v.subs = nil
	v.mu.Unlock()

	v.cancel()
	v.coordinator.Close()
	v.stopTick()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	v.wg.Wait()
	v.engine.remove(v)

	log.Info().Str("auction_id", v.auctionID).Msg("auction view closed")
}
