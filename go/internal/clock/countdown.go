package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Countdown evaluates the time left on one lot against an injected clock.
//
// The deadline is re-anchored on the clock's reading at construction, so with a real
// clock later evaluations use the monotonic reading and do not drift when the wall
// clock is adjusted.
type Countdown struct {
	clock    clockwork.Clock
	policy   Policy
	endsAt   time.Time
	deadline time.Time
}

// NewCountdown creates a countdown towards endsAt.
func NewCountdown(clk clockwork.Clock, policy Policy, endsAt time.Time) *Countdown {
	now := clk.Now()
	return &Countdown{
		clock:    clk,
		policy:   policy,
		endsAt:   endsAt,
		deadline: now.Add(endsAt.Sub(now)),
	}
}

// EndsAt returns the wall-clock deadline the countdown was created with.
func (c *Countdown) EndsAt() time.Time {
	return c.endsAt
}

// Remaining evaluates the countdown at the clock's current instant.
func (c *Countdown) Remaining() Remaining {
	return c.At(c.clock.Now())
}

// At evaluates the countdown at now.
func (c *Countdown) At(now time.Time) Remaining {
	return c.policy.Evaluate(c.deadline, now)
}
