package lifecycle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/livebid/go/internal/clock"
	"github.com/mcdev12/livebid/go/internal/events"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMachine(t *testing.T, endsIn time.Duration) *Machine {
	t.Helper()
	m, err := New(Params{
		AuctionID:    "lot-1",
		CurrentPrice: 1000,
		MinIncrement: 100,
		EndsAt:       start.Add(endsIn),
	}, start)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func TestNewStartsActive(t *testing.T) {
	m := newMachine(t, time.Hour)
	s := m.Snapshot()
	if s.Status != StatusActive {
		t.Fatalf("status = %s, want active", s.Status)
	}
	if s.NextMinimum != 1100 {
		t.Fatalf("next minimum = %d, want 1100", s.NextMinimum)
	}
}

func TestNewPastEndStartsExpired(t *testing.T) {
	m := newMachine(t, -time.Second)
	s := m.Snapshot()
	if s.Status != StatusExpired || !s.ExpiryProvisional {
		t.Fatalf("status = %s provisional = %v, want provisional expired", s.Status, s.ExpiryProvisional)
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"missing id", Params{MinIncrement: 1, EndsAt: start}},
		{"zero increment", Params{AuctionID: "a", EndsAt: start}},
		{"negative price", Params{AuctionID: "a", MinIncrement: 1, CurrentPrice: -1, EndsAt: start}},
		{"missing end", Params{AuctionID: "a", MinIncrement: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.p, start); !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("New() error = %v, want ErrInvalidParams", err)
			}
		})
	}
}

func TestTickExpiresAtDeadline(t *testing.T) {
	m := newMachine(t, time.Minute)

	if m.Tick(start.Add(59 * time.Second)) {
		t.Fatalf("Tick before deadline changed state")
	}
	if !m.Tick(start.Add(time.Minute)) {
		t.Fatalf("Tick at deadline did not expire")
	}
	s := m.Snapshot()
	if s.Status != StatusExpired || !s.ExpiryProvisional {
		t.Fatalf("status = %s provisional = %v, want provisional expired", s.Status, s.ExpiryProvisional)
	}
	if m.Tick(start.Add(2 * time.Minute)) {
		t.Fatalf("second Tick changed state")
	}
}

func TestTickFollowsInjectedClock(t *testing.T) {
	fc := clockwork.NewFakeClockAt(start)
	m, err := New(Params{
		AuctionID:    "lot-1",
		CurrentPrice: 1000,
		MinIncrement: 100,
		EndsAt:       start.Add(90 * time.Second),
		Clock:        fc,
	}, fc.Now())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	fc.Advance(time.Minute)
	if r := m.Remaining(fc.Now()); r.Total != 30*time.Second || r.Urgency != clock.UrgencyUrgent {
		t.Fatalf("remaining = %v %s, want 30s urgent", r.Total, r.Urgency)
	}
	if m.Tick(fc.Now()) {
		t.Fatalf("Tick with 30s left changed state")
	}

	fc.Advance(30 * time.Second)
	if !m.Tick(fc.Now()) {
		t.Fatalf("Tick at the deadline did not expire")
	}
	if r := m.Remaining(fc.Now()); !r.Ended() || r.Total != 0 {
		t.Fatalf("remaining = %v %s, want ended at zero", r.Total, r.Urgency)
	}
}

func TestRemainingUsesMonotonicReading(t *testing.T) {
	// A deadline decoded from the wire carries no monotonic reading.
	endsAt := time.Now().Add(time.Hour).Round(0)
	m, err := New(Params{AuctionID: "lot-1", MinIncrement: 100, EndsAt: endsAt}, time.Now())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	now := time.Now()
	got := m.Remaining(now).Total
	// Measured on the monotonic clock, the deadline stays an hour after construction.
	if want := endsAt.Sub(now.Round(0)); got < want-time.Second || got > want+time.Second {
		t.Fatalf("remaining = %v, want about %v", got, want)
	}
	if m.Tick(now) {
		t.Fatalf("Tick an hour before the deadline changed state")
	}
}

func TestNewBidIsIdempotent(t *testing.T) {
	m := newMachine(t, time.Hour)

	if !m.ApplyNewBid(1100) {
		t.Fatalf("first ApplyNewBid(1100) = false")
	}
	if m.ApplyNewBid(1100) {
		t.Fatalf("second ApplyNewBid(1100) = true")
	}
	s := m.Snapshot()
	if s.CurrentPrice != 1100 || s.BidCount != 1 {
		t.Fatalf("price = %d count = %d, want 1100 and 1", s.CurrentPrice, s.BidCount)
	}
}

func TestStaleBidIgnored(t *testing.T) {
	m := newMachine(t, time.Hour)
	m.ApplyNewBid(1500)
	if m.ApplyNewBid(1200) {
		t.Fatalf("stale bid applied")
	}
	s := m.Snapshot()
	if s.CurrentPrice != 1500 || s.BidCount != 1 {
		t.Fatalf("price = %d count = %d, want 1500 and 1", s.CurrentPrice, s.BidCount)
	}
}

func TestApplyBidAdoptsHigherServerCount(t *testing.T) {
	m := newMachine(t, time.Hour)
	m.ApplyBid(1300, 4)
	if got := m.Snapshot().BidCount; got != 4 {
		t.Fatalf("bid count = %d, want 4", got)
	}
	m.ApplyBid(1400, 2)
	if got := m.Snapshot().BidCount; got != 5 {
		t.Fatalf("bid count = %d, want 5", got)
	}
}

func TestBidsFrozenOnceClosed(t *testing.T) {
	m := newMachine(t, time.Hour)
	m.ApplyExpired()
	if m.ApplyNewBid(5000) {
		t.Fatalf("bid applied to expired lot")
	}
	if got := m.Snapshot().CurrentPrice; got != 1000 {
		t.Fatalf("price = %d, want 1000", got)
	}
}

func TestSoldOutranksExpiredInAnyOrder(t *testing.T) {
	sold := events.AuctionSoldPayload{AuctionID: "lot-1", WinnerID: "bidder-9", FinalPrice: 1200}

	t.Run("expired then sold", func(t *testing.T) {
		m := newMachine(t, time.Hour)
		m.ApplyExpired()
		m.ApplySold(sold)
		if s := m.Snapshot(); s.Status != StatusSold || s.WinnerID != "bidder-9" {
			t.Fatalf("status = %s winner = %q, want sold by bidder-9", s.Status, s.WinnerID)
		}
	})

	t.Run("sold then expired", func(t *testing.T) {
		m := newMachine(t, time.Hour)
		m.ApplySold(sold)
		if m.ApplyExpired() {
			t.Fatalf("ApplyExpired changed a sold lot")
		}
		if s := m.Snapshot(); s.Status != StatusSold {
			t.Fatalf("status = %s, want sold", s.Status)
		}
	})

	t.Run("local expiry then sold", func(t *testing.T) {
		m := newMachine(t, 500*time.Millisecond)
		m.Tick(start.Add(time.Second))
		m.ApplySold(sold)
		s := m.Snapshot()
		if s.Status != StatusSold || s.ExpiryProvisional {
			t.Fatalf("status = %s provisional = %v, want confirmed sold", s.Status, s.ExpiryProvisional)
		}
	})
}

func TestServerExpiryConfirmsProvisional(t *testing.T) {
	m := newMachine(t, time.Second)
	m.Tick(start.Add(time.Second))
	if !m.ApplyExpired() {
		t.Fatalf("ApplyExpired did not confirm provisional expiry")
	}
	if m.Snapshot().ExpiryProvisional {
		t.Fatalf("expiry still provisional")
	}
	if m.ApplyExpired() {
		t.Fatalf("repeated ApplyExpired changed state")
	}
}

func TestMonotonicUnderConcurrentBids(t *testing.T) {
	m := newMachine(t, time.Hour)

	var mu sync.Mutex
	var seen []Snapshot
	m.Watch(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			m.ApplyNewBid(amount)
		}(int64(1100 + i*10))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		prev, cur := seen[i-1], seen[i]
		if cur.CurrentPrice <= prev.CurrentPrice || cur.BidCount <= prev.BidCount || cur.Version != prev.Version+1 {
			t.Fatalf("snapshot %d went from %+v to %+v", i, prev, cur)
		}
	}
	if got := m.Snapshot().CurrentPrice; got != 1590 {
		t.Fatalf("final price = %d, want 1590", got)
	}
}

func TestReconcile(t *testing.T) {
	t.Run("adopts higher price", func(t *testing.T) {
		m := newMachine(t, time.Hour)
		m.Reconcile(State{AuctionID: "lot-1", Status: StatusActive, CurrentPrice: 1700, BidCount: 6})
		s := m.Snapshot()
		if s.CurrentPrice != 1700 || s.BidCount != 6 || s.NextMinimum != 1800 {
			t.Fatalf("got %+v, want price 1700 count 6 next 1800", s)
		}
	})

	t.Run("stale count keeps local count", func(t *testing.T) {
		m := newMachine(t, time.Hour)
		m.ApplyBid(1100, 4)
		if !m.Reconcile(State{AuctionID: "lot-1", Status: StatusActive, CurrentPrice: 1300, BidCount: 2}) {
			t.Fatalf("Reconcile ignored a higher price")
		}
		s := m.Snapshot()
		if s.CurrentPrice != 1300 || s.BidCount != 4 {
			t.Fatalf("got price %d count %d, want 1300 and 4", s.CurrentPrice, s.BidCount)
		}
	})

	t.Run("ignores lower price", func(t *testing.T) {
		m := newMachine(t, time.Hour)
		m.ApplyNewBid(2000)
		if m.Reconcile(State{AuctionID: "lot-1", Status: StatusActive, CurrentPrice: 1500, BidCount: 9}) {
			t.Fatalf("Reconcile applied a lower price")
		}
	})

	t.Run("price then sold", func(t *testing.T) {
		m := newMachine(t, time.Hour)
		m.Reconcile(State{AuctionID: "lot-1", Status: StatusSold, CurrentPrice: 1400, BidCount: 3, WinnerID: "b", FinalPrice: 1400})
		s := m.Snapshot()
		if s.Status != StatusSold || s.CurrentPrice != 1400 || s.FinalPrice != 1400 {
			t.Fatalf("got %+v, want sold at 1400", s)
		}
	})

	t.Run("active does not reopen", func(t *testing.T) {
		m := newMachine(t, time.Second)
		m.Tick(start.Add(time.Second))
		m.Reconcile(State{AuctionID: "lot-1", Status: StatusActive, CurrentPrice: 1000})
		if s := m.Snapshot(); s.Status != StatusExpired {
			t.Fatalf("status = %s, want expired", s.Status)
		}
	})

	t.Run("other auction ignored", func(t *testing.T) {
		m := newMachine(t, time.Hour)
		if m.Reconcile(State{AuctionID: "lot-2", Status: StatusSold}) {
			t.Fatalf("Reconcile applied another auction's state")
		}
	})
}

func TestFromStateHonoursTerminalStatus(t *testing.T) {
	m, err := FromState(State{
		AuctionID:    "lot-1",
		Status:       StatusSold,
		CurrentPrice: 2500,
		BidCount:     7,
		MinIncrement: 50,
		EndsAt:       start.Add(time.Hour),
		WinnerID:     "bidder-2",
		FinalPrice:   2500,
	}, clock.DefaultPolicy(), clockwork.NewFakeClockAt(start))
	if err != nil {
		t.Fatalf("FromState() error = %v", err)
	}
	s := m.Snapshot()
	if s.Status != StatusSold || s.WinnerID != "bidder-2" || s.CurrentPrice != 2500 || s.BidCount != 7 {
		t.Fatalf("got %+v", s)
	}
}

func TestWatchCancel(t *testing.T) {
	m := newMachine(t, time.Hour)
	calls := 0
	cancel := m.Watch(func(Snapshot) { calls++ })

	m.ApplyNewBid(1100)
	cancel()
	m.ApplyNewBid(1200)

	if calls != 1 {
		t.Fatalf("watcher calls = %d, want 1", calls)
	}
}
