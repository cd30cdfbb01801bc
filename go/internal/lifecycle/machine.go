package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/livebid/go/internal/clock"
	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/rs/zerolog/log"
)

var ErrInvalidParams = errors.New("invalid auction parameters")

// Params seeds a new machine.
type Params struct {
	AuctionID    string
	CurrentPrice int64
	BidCount     int
	MinIncrement int64
	EndsAt       time.Time
	Policy       clock.Policy
	// Clock anchors the countdown. Nil means the real clock.
	Clock clockwork.Clock
}

func (p Params) validate() error {
	if p.AuctionID == "" {
		return fmt.Errorf("%w: auction id is required", ErrInvalidParams)
	}
	if p.MinIncrement <= 0 {
		return fmt.Errorf("%w: min increment must be positive, got %d", ErrInvalidParams, p.MinIncrement)
	}
	if p.CurrentPrice < 0 || p.BidCount < 0 {
		return fmt.Errorf("%w: price and bid count must not be negative", ErrInvalidParams)
	}
	if p.EndsAt.IsZero() {
		return fmt.Errorf("%w: end time is required", ErrInvalidParams)
	}
	return nil
}

// Machine owns the lifecycle of one lot. Every mutation goes through its lock, so the
// clock ticker, the event bus and the bid coordinator can drive it concurrently.
type Machine struct {
	countdown *clock.Countdown

	// notifyMu serializes mutation plus notification so watchers see snapshots in order.
	notifyMu sync.Mutex

	mu       sync.RWMutex
	snap     Snapshot
	watchers map[int]func(Snapshot)
	nextID   int
}

// New creates a machine for one lot. A lot whose end time is not after now starts expired.
func New(p Params, now time.Time) (*Machine, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	policy := p.Policy
	if policy == (clock.Policy{}) {
		policy = clock.DefaultPolicy()
	}

	clk := p.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	m := &Machine{
		countdown: clock.NewCountdown(clk, policy, p.EndsAt),
		snap: Snapshot{
			AuctionID:    p.AuctionID,
			Status:       StatusActive,
			CurrentPrice: p.CurrentPrice,
			BidCount:     p.BidCount,
			MinIncrement: p.MinIncrement,
			EndsAt:       p.EndsAt,
		},
		watchers: make(map[int]func(Snapshot)),
	}
	if m.countdown.At(now).Ended() {
		m.snap.Status = StatusExpired
		m.snap.ExpiryProvisional = true
	}
	m.snap.NextMinimum = m.snap.CurrentPrice + m.snap.MinIncrement
	return m, nil
}

// FromState creates a machine from an authoritative state fetch, counting down on clk.
func FromState(s State, policy clock.Policy, clk clockwork.Clock) (*Machine, error) {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	m, err := New(Params{
		AuctionID:    s.AuctionID,
		CurrentPrice: s.CurrentPrice,
		BidCount:     s.BidCount,
		MinIncrement: s.MinIncrement,
		EndsAt:       s.EndsAt,
		Policy:       policy,
		Clock:        clk,
	}, clk.Now())
	if err != nil {
		return nil, err
	}
	m.Reconcile(s)
	return m, nil
}

// Snapshot returns a consistent copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Remaining evaluates the time left at now. The deadline is anchored on the machine's
// clock, so a now read from that clock is measured on its monotonic reading.
func (m *Machine) Remaining(now time.Time) clock.Remaining {
	return m.countdown.At(now)
}

// Watch registers fn to receive a snapshot after every change. fn must not call back
// into the machine's mutating methods.
func (m *Machine) Watch(fn func(Snapshot)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// Tick expires an active lot once its end time has passed. The expiry is provisional
// until the server confirms it, and a later sale still wins.
func (m *Machine) Tick(now time.Time) bool {
	return m.mutate(func(s *Snapshot) bool {
		if s.Status != StatusActive {
			return false
		}
		if !m.countdown.At(now).Ended() {
			return false
		}
		s.Status = StatusExpired
		s.ExpiryProvisional = true
		return true
	})
}

// ApplyNewBid applies a confirmed bid amount. See ApplyBid.
func (m *Machine) ApplyNewBid(amount int64) bool {
	return m.ApplyBid(amount, 0)
}

// ApplyBid applies a confirmed price while the lot is active. The price must strictly
// exceed the current one, so the same confirmation arriving twice counts once. The bid
// count goes up by one, or to bidCount when the server reports a higher total.
func (m *Machine) ApplyBid(price int64, bidCount int) bool {
	return m.mutate(func(s *Snapshot) bool {
		return applyPrice(s, price, bidCount)
	})
}

func applyPrice(s *Snapshot, price int64, bidCount int) bool {
	if s.Status != StatusActive || price <= s.CurrentPrice {
		return false
	}
	s.CurrentPrice = price
	s.BidCount++
	if bidCount > s.BidCount {
		s.BidCount = bidCount
	}
	return true
}

// ApplySold marks the lot sold whatever its current status.
func (m *Machine) ApplySold(p events.AuctionSoldPayload) bool {
	return m.mutate(func(s *Snapshot) bool {
		return applySold(s, p.WinnerID, p.FinalPrice)
	})
}

func applySold(s *Snapshot, winnerID string, finalPrice int64) bool {
	if s.Status == StatusSold {
		changed := false
		if s.WinnerID == "" && winnerID != "" {
			s.WinnerID = winnerID
			changed = true
		}
		if s.FinalPrice == 0 && finalPrice != 0 {
			s.FinalPrice = finalPrice
			changed = true
		}
		return changed
	}
	s.Status = StatusSold
	s.ExpiryProvisional = false
	s.WinnerID = winnerID
	s.FinalPrice = finalPrice
	return true
}

// ApplyExpired marks the lot expired unless it is already sold. It also confirms a
// provisional local expiry.
func (m *Machine) ApplyExpired() bool {
	return m.mutate(applyExpired)
}

func applyExpired(s *Snapshot) bool {
	switch s.Status {
	case StatusSold:
		return false
	case StatusExpired:
		if !s.ExpiryProvisional {
			return false
		}
		s.ExpiryProvisional = false
		return true
	default:
		s.Status = StatusExpired
		s.ExpiryProvisional = false
		return true
	}
}

// Reconcile folds an authoritative state fetch into the machine. The same rules as for
// events apply: price only moves up while active, and status only moves up the
// sold > expired > active precedence. The bid count becomes the larger of the local
// and the reported count.
func (m *Machine) Reconcile(st State) bool {
	if st.AuctionID != "" && st.AuctionID != m.Snapshot().AuctionID {
		log.Warn().
			Str("auction_id", m.Snapshot().AuctionID).
			Str("state_auction_id", st.AuctionID).
			Msg("ignoring state for another auction")
		return false
	}

	return m.mutate(func(s *Snapshot) bool {
		changed := false
		if st.CurrentPrice > s.CurrentPrice && s.Status == StatusActive {
			s.CurrentPrice = st.CurrentPrice
			if st.BidCount > s.BidCount {
				s.BidCount = st.BidCount
			}
			changed = true
		}
		if st.Status.rank() < s.Status.rank() {
			return changed
		}
		switch st.Status {
		case StatusSold:
			changed = applySold(s, st.WinnerID, st.FinalPrice) || changed
		case StatusExpired:
			changed = applyExpired(s) || changed
		}
		return changed
	})
}

func (m *Machine) mutate(fn func(s *Snapshot) bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	before := m.snap.Status
	if !fn(&m.snap) {
		m.mu.Unlock()
		return false
	}
	m.snap.NextMinimum = m.snap.CurrentPrice + m.snap.MinIncrement
	m.snap.Version++
	snap := m.snap
	watchers := make([]func(Snapshot), 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	if snap.Status != before {
		log.Info().
			Str("auction_id", snap.AuctionID).
			Str("from", string(before)).
			Str("to", string(snap.Status)).
			Bool("provisional", snap.ExpiryProvisional).
			Msg("auction status changed")
	} else {
		log.Debug().
			Str("auction_id", snap.AuctionID).
			Int64("current_price", snap.CurrentPrice).
			Int("bid_count", snap.BidCount).
			Msg("auction updated")
	}

	for _, w := range watchers {
		w(snap)
	}
	return true
}
