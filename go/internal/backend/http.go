package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/livebid/go/internal/bidding"
	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/mcdev12/livebid/go/internal/lifecycle"
	"github.com/rs/zerolog/log"
	"resty.dev/v3"
)

type errorResponse struct {
	Message string `json:"message"`
}

// HTTPClient talks to the auction HTTP API.
type HTTPClient struct {
	client *resty.Client
	creds  Credentials
}

// NewHTTPClient creates a client for the API at baseURL. creds may be nil for
// anonymous state reads.
func NewHTTPClient(baseURL string, creds Credentials, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &HTTPClient{
		client: client,
		creds:  creds,
	}
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	return c.client.Close()
}

func (c *HTTPClient) request(ctx context.Context) *resty.Request {
	req := c.client.R().SetContext(ctx)
	if c.creds != nil {
		if token := c.creds.Token(); token != "" {
			req.SetAuthToken(token)
		}
	}
	return req
}

// Submit posts a bid and returns the backend's resolution.
func (c *HTTPClient) Submit(ctx context.Context, bid events.BidRequest) (events.BidResponse, error) {
	var out events.BidResponse
	var apiErr errorResponse

	resp, err := c.request(ctx).
		SetPathParam("id", bid.AuctionID).
		SetBody(bid).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/auctions/{id}/bids")
	if err != nil {
		return events.BidResponse{}, fmt.Errorf("post bid: %w", err)
	}
	if err := c.checkStatus(resp.StatusCode(), apiErr); err != nil {
		return events.BidResponse{}, err
	}

	log.Debug().
		Str("auction_id", bid.AuctionID).
		Str("outcome", string(out.Outcome)).
		Msg("bid response received")
	return out, nil
}

// FetchState gets the current state of a lot.
func (c *HTTPClient) FetchState(ctx context.Context, auctionID string) (lifecycle.State, error) {
	var out lifecycle.State
	var apiErr errorResponse

	resp, err := c.request(ctx).
		SetPathParam("id", auctionID).
		SetResult(&out).
		SetError(&apiErr).
		Get("/api/auctions/{id}")
	if err != nil {
		return lifecycle.State{}, fmt.Errorf("get auction state: %w", err)
	}
	if err := c.checkStatus(resp.StatusCode(), apiErr); err != nil {
		return lifecycle.State{}, err
	}
	return out, nil
}

func (c *HTTPClient) checkStatus(status int, apiErr errorResponse) error {
	switch {
	case status == http.StatusUnauthorized:
		if c.creds != nil {
			c.creds.Expire()
		}
		return fmt.Errorf("%w: your session has expired, please log in again", bidding.ErrNotAuthenticated)
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, apiErr.Message)
	case status >= 300:
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return fmt.Errorf("request failed (%d): %s", status, msg)
	}
	return nil
}
