package session

import (
	"testing"
	"time"
)

func TestLoginAndExpire(t *testing.T) {
	m := NewManager()
	signals, cancel := m.Signals()
	defer cancel()

	m.Login("bidder-1", "tok", 5000)
	if !m.IsAuthenticated() || m.Balance() != 5000 || m.Token() != "tok" {
		t.Fatalf("after Login: auth = %v balance = %d token = %q", m.IsAuthenticated(), m.Balance(), m.Token())
	}

	m.Expire()
	if m.IsAuthenticated() || m.Token() != "" || m.Balance() != 0 {
		t.Fatalf("after Expire: auth = %v balance = %d token = %q", m.IsAuthenticated(), m.Balance(), m.Token())
	}

	want := []Signal{
		{Kind: LoggedIn, BidderID: "bidder-1"},
		{Kind: LoggedOut, BidderID: "bidder-1", Reason: ReasonExpired},
	}
	for _, w := range want {
		select {
		case got := <-signals:
			if got.Kind != w.Kind || got.BidderID != w.BidderID || got.Reason != w.Reason {
				t.Fatalf("signal = %+v, want %+v", got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s signal", w.Kind)
		}
	}
}

func TestExpireWhenSignedOutIsSilent(t *testing.T) {
	m := NewManager()
	signals, cancel := m.Signals()
	defer cancel()

	m.Expire()
	select {
	case sig := <-signals:
		t.Fatalf("unexpected signal %+v", sig)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	m := NewManager()
	signals, cancel := m.Signals()
	cancel()
	cancel()

	if _, ok := <-signals; ok {
		t.Fatalf("channel still open after cancel")
	}
	m.Login("bidder-1", "tok", 1)
}

func TestSlowObserverDoesNotBlock(t *testing.T) {
	m := NewManager()
	_, cancel := m.Signals()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < signalBuffer*3; i++ {
			m.Login("bidder-1", "tok", 1)
			m.Logout()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on a full observer")
	}
}
