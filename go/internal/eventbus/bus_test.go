package eventbus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/livebid/go/internal/connection"
	"github.com/mcdev12/livebid/go/internal/events"
)

func newBidEnvelope(t *testing.T, auctionID string, amount int64) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.KindNewBid, auctionID, events.NewBidPayload{AuctionID: auctionID, Amount: amount})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func waitFor(t *testing.T, ch <-chan int64, n int) []int64 {
	t.Helper()
	var got []int64
	for len(got) < n {
		select {
		case v := <-ch:
			got = append(got, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d events", len(got), n)
		}
	}
	return got
}

func TestAllHandlersInvoked(t *testing.T) {
	bus := New()
	defer bus.Close()

	a, b := make(chan int64, 1), make(chan int64, 1)
	bus.Subscribe(events.KindNewBid, func(ev Event) { a <- ev.Payload.(events.NewBidPayload).Amount })
	bus.Subscribe(events.KindNewBid, func(ev Event) { b <- ev.Payload.(events.NewBidPayload).Amount })

	bus.Publish(newBidEnvelope(t, "lot-1", 1100))

	if got := waitFor(t, a, 1); got[0] != 1100 {
		t.Fatalf("handler a got %d, want 1100", got[0])
	}
	if got := waitFor(t, b, 1); got[0] != 1100 {
		t.Fatalf("handler b got %d, want 1100", got[0])
	}
}

func TestPerAuctionOrdering(t *testing.T) {
	bus := New()
	defer bus.Close()

	lot1, lot2 := make(chan int64, 200), make(chan int64, 200)
	bus.SubscribeAuction(events.KindNewBid, "lot-1", func(ev Event) { lot1 <- ev.Payload.(events.NewBidPayload).Amount })
	bus.SubscribeAuction(events.KindNewBid, "lot-2", func(ev Event) { lot2 <- ev.Payload.(events.NewBidPayload).Amount })

	for i := int64(1); i <= 100; i++ {
		bus.Publish(newBidEnvelope(t, "lot-1", i))
		bus.Publish(newBidEnvelope(t, "lot-2", 1000+i))
	}

	for i, v := range waitFor(t, lot1, 100) {
		if v != int64(i+1) {
			t.Fatalf("lot-1 event %d = %d, want %d", i, v, i+1)
		}
	}
	for i, v := range waitFor(t, lot2, 100) {
		if v != int64(1000+i+1) {
			t.Fatalf("lot-2 event %d = %d, want %d", i, v, 1000+i+1)
		}
	}
}

func TestAuctionScopedSubscriptionIgnoresOthers(t *testing.T) {
	bus := New()
	defer bus.Close()

	got := make(chan string, 4)
	bus.SubscribeAuction(events.KindAuctionSold, "lot-1", func(ev Event) { got <- ev.AuctionID })

	for _, id := range []string{"lot-2", "lot-1"} {
		env, err := events.NewEnvelope(events.KindAuctionSold, id, events.AuctionSoldPayload{AuctionID: id})
		if err != nil {
			t.Fatalf("new envelope: %v", err)
		}
		bus.Publish(env)
	}

	select {
	case id := <-got:
		if id != "lot-1" {
			t.Fatalf("got event for %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
	select {
	case id := <-got:
		t.Fatalf("unexpected second event for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeDuringDelivery(t *testing.T) {
	bus := New()
	defer bus.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0

	sub := bus.SubscribeAuction(events.KindNewBid, "lot-1", func(ev Event) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
	})

	bus.Publish(newBidEnvelope(t, "lot-1", 1))
	<-entered

	unsubscribed := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(unsubscribed)
	}()

	select {
	case <-unsubscribed:
		t.Fatalf("Unsubscribe returned while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	bus.Publish(newBidEnvelope(t, "lot-1", 2))
	close(release)
	<-unsubscribed

	bus.Publish(newBidEnvelope(t, "lot-1", 3))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	bus := New()
	defer bus.Close()

	got := make(chan int64, 2)
	bus.Subscribe(events.KindNewBid, func(ev Event) { got <- ev.Payload.(events.NewBidPayload).Amount })

	bus.Publish(events.Envelope{EventType: events.KindNewBid, AuctionID: "lot-1", Payload: []byte(`not json`)})
	bus.Publish(newBidEnvelope(t, "lot-1", 7))

	if v := waitFor(t, got, 1); v[0] != 7 {
		t.Fatalf("got %d, want 7", v[0])
	}
}

func TestConnectionStateEvents(t *testing.T) {
	bus := New()
	defer bus.Close()

	got := make(chan connection.State, 4)
	bus.Subscribe(events.KindConnectionState, func(ev Event) { got <- ev.Payload.(connection.State) })

	bus.PublishConnectionState(connection.StateReconnecting)
	bus.PublishConnectionState(connection.StateConnected)

	for _, want := range []connection.State{connection.StateReconnecting, connection.StateConnected} {
		select {
		case s := <-got:
			if s != want {
				t.Fatalf("state = %s, want %s", s, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing state %s", want)
		}
	}
}

func TestCloseDrainsAndStops(t *testing.T) {
	bus := New()

	got := make(chan int64, 10)
	bus.Subscribe(events.KindNewBid, func(ev Event) { got <- ev.Payload.(events.NewBidPayload).Amount })

	bus.Publish(newBidEnvelope(t, "lot-1", 1))
	bus.Close()
	bus.Close()

	if len(got) != 1 {
		t.Fatalf("drained %d events, want 1", len(got))
	}

	bus.Publish(newBidEnvelope(t, "lot-1", 2))
	if len(got) != 1 {
		t.Fatalf("event delivered after close")
	}
}

func TestFullLaneDropsInsteadOfBlocking(t *testing.T) {
	bus := NewWithBuffer(1)
	defer bus.Close()

	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	bus.Subscribe(events.KindNewBid, func(ev Event) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-block
	})

	bus.Publish(newBidEnvelope(t, "lot-1", 1))
	<-entered

	done := make(chan struct{})
	go func() {
		for i := int64(2); i < 10; i++ {
			bus.Publish(newBidEnvelope(t, "lot-1", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full lane")
	}
	close(block)
}

func (b *Bus) laneCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lanes)
}

func waitForLanes(t *testing.T, bus *Bus, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.laneCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("lanes = %d, want %d", bus.laneCount(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUnwatchedAuctionsGetNoLane(t *testing.T) {
	bus := New()
	defer bus.Close()

	for i := 0; i < 500; i++ {
		env, err := events.NewEnvelope(events.KindAuctionExpired, fmt.Sprintf("lot-%d", i), events.AuctionExpiredPayload{})
		if err != nil {
			t.Fatalf("new envelope: %v", err)
		}
		bus.Publish(env)
	}
	if n := bus.laneCount(); n != 0 {
		t.Fatalf("lanes = %d with no subscribers, want 0", n)
	}

	got := make(chan int64, 1)
	bus.SubscribeAuction(events.KindNewBid, "lot-7", func(ev Event) {
		got <- ev.Payload.(events.NewBidPayload).Amount
	})
	bus.Publish(newBidEnvelope(t, "lot-8", 100))
	bus.Publish(newBidEnvelope(t, "lot-7", 200))
	if n := bus.laneCount(); n > 1 {
		t.Fatalf("lanes = %d, want at most the watched auction's", n)
	}
	if amounts := waitFor(t, got, 1); amounts[0] != 200 {
		t.Fatalf("got amount %d, want 200", amounts[0])
	}
}

func TestDrainedLaneIsReleased(t *testing.T) {
	bus := New()
	defer bus.Close()

	got := make(chan int64, 10)
	sub := bus.SubscribeAuction(events.KindNewBid, "lot-1", func(ev Event) {
		got <- ev.Payload.(events.NewBidPayload).Amount
	})

	bus.Publish(newBidEnvelope(t, "lot-1", 1))
	waitFor(t, got, 1)
	waitForLanes(t, bus, 0)

	// A fresh lane keeps delivering in order.
	for i := int64(2); i <= 5; i++ {
		bus.Publish(newBidEnvelope(t, "lot-1", i))
	}
	amounts := waitFor(t, got, 4)
	for i, amount := range amounts {
		if amount != int64(i+2) {
			t.Fatalf("amounts = %v, want 2..5 in order", amounts)
		}
	}
	waitForLanes(t, bus, 0)

	sub.Unsubscribe()
	bus.Publish(newBidEnvelope(t, "lot-1", 6))
	if n := bus.laneCount(); n != 0 {
		t.Fatalf("lanes = %d after unsubscribe, want 0", n)
	}
}
