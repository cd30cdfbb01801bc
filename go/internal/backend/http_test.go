package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcdev12/livebid/go/internal/bidding"
	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/mcdev12/livebid/go/internal/lifecycle"
	"github.com/nats-io/nats.go"
)

type fakeCreds struct {
	token   string
	expired int
}

func (f *fakeCreds) Token() string { return f.token }
func (f *fakeCreds) Expire()       { f.expired++ }

func TestHTTPSubmit(t *testing.T) {
	var gotAuth string
	var gotBid events.BidRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auctions/lot-1/bids" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBid); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events.BidResponse{Outcome: events.BidAccepted, ConfirmedPrice: 1100, BidCount: 1})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, &fakeCreds{token: "tok"}, time.Second)
	defer client.Close()

	resp, err := client.Submit(context.Background(), events.BidRequest{AuctionID: "lot-1", Amount: 1100, BidderID: "b1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if resp.Outcome != events.BidAccepted || resp.ConfirmedPrice != 1100 {
		t.Fatalf("response = %+v", resp)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q, want Bearer tok", gotAuth)
	}
	if gotBid.Amount != 1100 || gotBid.BidderID != "b1" {
		t.Fatalf("posted bid = %+v", gotBid)
	}
}

func TestHTTPUnauthorizedExpiresSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"token expired"}`))
	}))
	defer srv.Close()

	creds := &fakeCreds{token: "stale"}
	client := NewHTTPClient(srv.URL, creds, time.Second)
	defer client.Close()

	_, err := client.Submit(context.Background(), events.BidRequest{AuctionID: "lot-1", Amount: 1})
	if !errors.Is(err, bidding.ErrNotAuthenticated) {
		t.Fatalf("Submit() error = %v, want ErrNotAuthenticated", err)
	}
	if creds.expired != 1 {
		t.Fatalf("Expire called %d times, want 1", creds.expired)
	}
}

func TestHTTPFetchState(t *testing.T) {
	endsAt := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auctions/lot-1":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(lifecycle.State{
				AuctionID:    "lot-1",
				Status:       lifecycle.StatusActive,
				CurrentPrice: 1200,
				BidCount:     2,
				MinIncrement: 100,
				EndsAt:       endsAt,
			})
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"not found"}`))
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil, time.Second)
	defer client.Close()

	st, err := client.FetchState(context.Background(), "lot-1")
	if err != nil {
		t.Fatalf("FetchState() error = %v", err)
	}
	if st.CurrentPrice != 1200 || st.BidCount != 2 || !st.EndsAt.Equal(endsAt) {
		t.Fatalf("state = %+v", st)
	}

	if _, err := client.FetchState(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FetchState(missing) error = %v, want ErrNotFound", err)
	}
}

func TestHTTPServerErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"message":"arbiter draining"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil, time.Second)
	defer client.Close()

	_, err := client.FetchState(context.Background(), "lot-1")
	if err == nil || err.Error() != "request failed (503): arbiter draining" {
		t.Fatalf("FetchState() error = %v", err)
	}
}

func TestDecodeReply(t *testing.T) {
	tests := []struct {
		name    string
		msg     *nats.Msg
		wantErr error
	}{
		{
			name: "ok",
			msg:  &nats.Msg{Data: []byte(`{"outcome":"accepted","confirmed_price":1100,"bid_count":1}`)},
		},
		{
			name:    "not found",
			msg:     &nats.Msg{Header: nats.Header{HeaderError: []string{"no such lot"}, HeaderErrorCode: []string{"404"}}},
			wantErr: ErrNotFound,
		},
		{
			name:    "bad request",
			msg:     &nats.Msg{Header: nats.Header{HeaderError: []string{"amount must be positive"}, HeaderErrorCode: []string{"400"}}},
			wantErr: ErrInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out events.BidResponse
			err := decodeReply(tt.msg, &out)
			if tt.wantErr == nil {
				if err != nil || out.ConfirmedPrice != 1100 {
					t.Fatalf("decodeReply() = %+v, %v", out, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("decodeReply() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
