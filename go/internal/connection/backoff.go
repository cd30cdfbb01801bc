package connection

import (
	"errors"
	"time"
)

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultBackoff returns the schedule used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     500 * time.Millisecond,
		Max:         10 * time.Second,
		Multiplier:  2,
		MaxAttempts: 6,
	}
}

// Validate checks the schedule is usable.
func (b Backoff) Validate() error {
	if b.Initial <= 0 {
		return errors.New("backoff initial delay must be positive")
	}
	if b.Max < b.Initial {
		return errors.New("backoff max delay must not be below the initial delay")
	}
	if b.Multiplier < 1 {
		return errors.New("backoff multiplier must be at least 1")
	}
	if b.MaxAttempts < 1 {
		return errors.New("backoff needs at least one attempt")
	}
	return nil
}

// Delay returns the wait before the given 1-based attempt. It never goes below
// Initial or above Max.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	if d < float64(b.Initial) {
		return b.Initial
	}
	return time.Duration(d)
}
