package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/livebid/go/internal/backend"
	"github.com/mcdev12/livebid/go/internal/bidding"
	"github.com/mcdev12/livebid/go/internal/clock"
	"github.com/mcdev12/livebid/go/internal/connection"
	"github.com/mcdev12/livebid/go/internal/eventbus"
	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/mcdev12/livebid/go/internal/lifecycle"
	"github.com/mcdev12/livebid/go/internal/session"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("engine closed")

// Backend is the authoritative side of the engine: it arbitrates bids and serves lot state.
// backend.HTTPClient and backend.NATSClient both satisfy it.
type Backend interface {
	bidding.Submitter
	backend.StateProvider
}

// Config tunes an Engine. Zero values fall back to defaults.
type Config struct {
	Policy       clock.Policy
	Backoff      connection.Backoff
	BidTimeout   time.Duration
	TickInterval time.Duration
	LaneBuffer   int
	// ResyncTimeout bounds background state fetches.
	ResyncTimeout time.Duration
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Policy:        clock.DefaultPolicy(),
		Backoff:       connection.DefaultBackoff(),
		BidTimeout:    bidding.DefaultTimeout,
		TickInterval:  clock.DefaultTickInterval,
		LaneBuffer:    eventbus.DefaultLaneBuffer,
		ResyncTimeout: backend.DefaultTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Policy == (clock.Policy{}) {
		c.Policy = def.Policy
	}
	if c.Backoff == (connection.Backoff{}) {
		c.Backoff = def.Backoff
	}
	if c.BidTimeout <= 0 {
		c.BidTimeout = def.BidTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.LaneBuffer <= 0 {
		c.LaneBuffer = def.LaneBuffer
	}
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = def.ResyncTimeout
	}
	return c
}

// Engine is one bidder's live session. It owns the single shared event channel, the
// event bus fed by it and the countdown ticker; every open View hangs off these.
type Engine struct {
	config  Config
	clock   clockwork.Clock
	backend Backend
	session session.Session

	bus     *eventbus.Bus
	monitor *connection.Monitor
	ticker  *clock.Ticker

	stopWatch func()
	// dropped is set once the channel is lost and cleared when it comes back.
	dropped atomic.Bool

	mu     sync.Mutex
	views  map[*View]struct{}
	closed bool

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an engine. Nothing is dialled until Connect.
func New(dialer connection.Dialer, be Backend, sess session.Session, clk clockwork.Clock, config Config) *Engine {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		config:  config,
		clock:   clk,
		backend: be,
		session: sess,
		bus:     eventbus.NewWithBuffer(config.LaneBuffer),
		ticker:  clock.NewTicker(clk, config.TickInterval),
		views:   make(map[*View]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	e.monitor = connection.NewMonitor(dialer, e.bus.Publish, config.Backoff, clk)
	e.stopWatch = e.monitor.Subscribe(e.onConnectionState)
	return e
}

// Connect starts the ticker and opens the shared channel. After the channel has gone
// disconnected, Connect is how the caller brings it back.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	e.startOnce.Do(func() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.ticker.Run(e.ctx)
		}()
	})
	return e.monitor.Connect(ctx)
}

// ConnectionState returns the state of the shared channel.
func (e *Engine) ConnectionState() connection.State {
	return e.monitor.State()
}

// Subscribe registers handler for events of kind about auctionID, or every auction
// when auctionID is empty.
func (e *Engine) Subscribe(kind events.Kind, auctionID string, handler eventbus.Handler) *eventbus.Subscription {
	return e.bus.SubscribeAuction(kind, auctionID, handler)
}

// onConnectionState forwards transitions to the bus and resyncs every open view when
// the channel comes back, since events sent while it was down are lost.
func (e *Engine) onConnectionState(s connection.State) {
	e.bus.PublishConnectionState(s)

	switch s {
	case connection.StateReconnecting, connection.StateDisconnected:
		e.dropped.Store(true)
	case connection.StateConnected:
		if !e.dropped.Swap(false) {
			return
		}
		views := e.openViews()
		log.Info().Int("views", len(views)).Msg("event channel restored, resyncing auctions")
		for _, v := range views {
			v.resyncInBackground()
		}
	}
}

// Open fetches the lot's authoritative state and starts following it. The state is
// fetched again once the view is subscribed, so events published in between are not lost.
func (e *Engine) Open(ctx context.Context, auctionID string) (*View, error) {
	st, err := e.backend.FetchState(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("fetch auction %s: %w", auctionID, err)
	}

	machine, err := lifecycle.FromState(st, e.config.Policy, e.clock)
	if err != nil {
		return nil, fmt.Errorf("load auction %s: %w", auctionID, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	v := newView(e, auctionID, machine)
	e.views[v] = struct{}{}
	e.mu.Unlock()

	if err := v.Resync(ctx); err != nil {
		v.Close()
		return nil, err
	}

	snap := machine.Snapshot()
	log.Info().
		Str("auction_id", auctionID).
		Str("status", string(snap.Status)).
		Int64("current_price", snap.CurrentPrice).
		Msg("auction view opened")
	return v, nil
}

func (e *Engine) openViews() []*View {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*View, 0, len(e.views))
	for v := range e.views {
		out = append(out, v)
	}
	return out
}

func (e *Engine) remove(v *View) {
	e.mu.Lock()
	delete(e.views, v)
	e.mu.Unlock()
}

// Close closes every view, tears the channel down and stops the ticker. It is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	for _, v := range e.openViews() {
		v.Close()
	}

	e.stopWatch()
	e.monitor.Disconnect()
	e.cancel()
	e.wg.Wait()
	e.bus.Close()

	log.Info().Msg("engine closed")
}
