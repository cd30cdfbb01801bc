package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/livebid/go/internal/connection"
	"github.com/mcdev12/livebid/go/internal/events"
)

func newTestServer(t *testing.T) (*ConnectionManager, *httptest.Server) {
	t.Helper()
	cm := NewConnectionManager(DefaultConnectionConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go cm.Start(ctx)

	mux := http.NewServeMux()
	NewWebSocketHandler(cm).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return cm, srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/auctions" + query
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForConnections(t *testing.T, cm *ConnectionManager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cm.Stats().TotalConnections == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connections = %d, want %d", cm.Stats().TotalConnections, n)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) events.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env events.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func newBid(t *testing.T, auctionID string, amount int64) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.KindNewBid, auctionID, events.NewBidPayload{
		AuctionID: auctionID,
		Amount:    amount,
		PlacedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestBroadcastFollowsAuctionFilter(t *testing.T) {
	cm, srv := newTestServer(t)

	lot1 := dial(t, wsURL(srv, "?auction_id=lot-1"))
	everything := dial(t, wsURL(srv, ""))
	waitForConnections(t, cm, 2)

	cm.Broadcast(newBid(t, "lot-2", 500))
	cm.Broadcast(newBid(t, "lot-1", 1100))

	if env := readEnvelope(t, lot1); env.AuctionID != "lot-1" {
		t.Fatalf("lot-1 client got auction %q, want lot-1", env.AuctionID)
	}

	first := readEnvelope(t, everything)
	second := readEnvelope(t, everything)
	if first.AuctionID != "lot-2" || second.AuctionID != "lot-1" {
		t.Fatalf("unfiltered client got %q then %q, want lot-2 then lot-1", first.AuctionID, second.AuctionID)
	}
}

func TestMultipleAuctionsOnOneConnection(t *testing.T) {
	cm, srv := newTestServer(t)

	conn := dial(t, wsURL(srv, "?auction_id=lot-1&auction_id=lot-2"))
	waitForConnections(t, cm, 1)

	stats := cm.Stats()
	if stats.ActiveAuctions != 2 || stats.ByAuction["lot-1"] != 1 || stats.ByAuction["lot-2"] != 1 {
		t.Fatalf("stats = %+v, want one connection on lot-1 and lot-2", stats)
	}

	cm.Broadcast(newBid(t, "lot-3", 100))
	cm.Broadcast(newBid(t, "lot-2", 200))

	if env := readEnvelope(t, conn); env.AuctionID != "lot-2" {
		t.Fatalf("got auction %q, want lot-2", env.AuctionID)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	cm, srv := newTestServer(t)

	conn := dial(t, wsURL(srv, "?auction_id=lot-1"))
	waitForConnections(t, cm, 1)

	conn.Close()
	waitForConnections(t, cm, 0)
	if got := cm.Stats().ActiveAuctions; got != 0 {
		t.Fatalf("active auctions = %d, want 0", got)
	}
}

func TestStatsEndpoint(t *testing.T) {
	cm, srv := newTestServer(t)

	dial(t, wsURL(srv, "?auction_id=lot-1"))
	waitForConnections(t, cm, 1)

	resp, err := http.Get(srv.URL + "/ws/stats")
	if err != nil {
		t.Fatalf("GET /ws/stats: %v", err)
	}
	defer resp.Body.Close()

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalConnections != 1 || stats.ByAuction["lot-1"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestMonitorReceivesBroadcast(t *testing.T) {
	cm, srv := newTestServer(t)

	received := make(chan events.Envelope, 1)
	dialer := &connection.WebSocketDialer{URL: wsURL(srv, "?auction_id=lot-1")}
	mon := connection.NewMonitor(dialer, func(env events.Envelope) {
		received <- env
	}, connection.DefaultBackoff(), nil)

	if err := mon.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer mon.Disconnect()
	if got := mon.State(); got != connection.StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	waitForConnections(t, cm, 1)

	sent := newBid(t, "lot-1", 1200)
	cm.Broadcast(sent)

	select {
	case env := <-received:
		if env.EventID != sent.EventID {
			t.Fatalf("event id = %s, want %s", env.EventID, sent.EventID)
		}
		payload, err := events.Decode(env)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if bid := payload.(events.NewBidPayload); bid.Amount != 1200 {
			t.Fatalf("amount = %d, want 1200", bid.Amount)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never received the broadcast")
	}
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (r *recordingBroadcaster) Broadcast(env events.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func TestHandleData(t *testing.T) {
	rec := &recordingBroadcaster{}
	ec := &EventConsumer{broadcaster: rec, config: DefaultJetStreamConsumerConfig()}

	valid, err := json.Marshal(newBid(t, "lot-1", 1100))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	tests := []struct {
		name      string
		data      string
		malformed bool
	}{
		{name: "valid", data: string(valid)},
		{name: "not json", data: "{", malformed: true},
		{name: "unknown kind", data: `{"eventId":"e1","eventType":"Bogus","auctionId":"lot-1","payload":{}}`, malformed: true},
		{name: "mismatched auction", data: `{"eventId":"e2","eventType":"NewBid","auctionId":"lot-1","payload":{"auction_id":"lot-9","amount":5}}`, malformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ec.handleData([]byte(tt.data))
			if tt.malformed {
				if !errors.Is(err, errMalformed) {
					t.Fatalf("err = %v, want errMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("handleData: %v", err)
			}
		})
	}

	if len(rec.envs) != 1 || rec.envs[0].AuctionID != "lot-1" {
		t.Fatalf("broadcast %d envelopes, want only the valid one", len(rec.envs))
	}
}
