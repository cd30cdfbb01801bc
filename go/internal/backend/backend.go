package backend

import (
	"context"
	"errors"
	"time"

	"github.com/mcdev12/livebid/go/internal/lifecycle"
)

// DefaultTimeout is the per-request timeout for backend calls.
const DefaultTimeout = 10 * time.Second

var (
	ErrNotFound       = errors.New("auction not found")
	ErrInvalidRequest = errors.New("invalid request")
)

// StateProvider fetches the authoritative state of a lot.
type StateProvider interface {
	FetchState(ctx context.Context, auctionID string) (lifecycle.State, error)
}

// Credentials supplies the bearer token and is told when the backend rejects it.
// *session.Manager satisfies it.
type Credentials interface {
	Token() string
	Expire()
}
