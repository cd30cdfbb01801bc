package clock

import (
	"errors"
	"fmt"
	"time"
)

// Urgency is a coarse classification of the time left on a lot.
type Urgency string

const (
	UrgencyNormal  Urgency = "normal"
	UrgencyWarning Urgency = "warning"
	UrgencyUrgent  Urgency = "urgent"
	UrgencyEnded   Urgency = "ended"
)

// Policy holds the urgency thresholds. A lot is in warning once at most WarningWithin
// remains and urgent once at most UrgentWithin remains.
type Policy struct {
	WarningWithin time.Duration `yaml:"warning_within"`
	UrgentWithin  time.Duration `yaml:"urgent_within"`
}

// DefaultPolicy returns the thresholds used by the storefront.
func DefaultPolicy() Policy {
	return Policy{
		WarningWithin: 24 * time.Hour,
		UrgentWithin:  time.Hour,
	}
}

// Validate rejects thresholds that would let urgency go down as time runs out.
func (p Policy) Validate() error {
	if p.WarningWithin <= 0 || p.UrgentWithin <= 0 {
		return errors.New("urgency thresholds must be positive")
	}
	if p.UrgentWithin > p.WarningWithin {
		return fmt.Errorf("urgent threshold %s exceeds warning threshold %s", p.UrgentWithin, p.WarningWithin)
	}
	return nil
}

// Remaining is the time left on a lot, broken down for display.
type Remaining struct {
	Total   time.Duration `json:"total"`
	Days    int           `json:"days"`
	Hours   int           `json:"hours"`
	Minutes int           `json:"minutes"`
	Seconds int           `json:"seconds"`
	Urgency Urgency       `json:"urgency"`
	Label   string        `json:"label"`
}

// Ended reports whether no time is left.
func (r Remaining) Ended() bool {
	return r.Urgency == UrgencyEnded
}

// Evaluate computes the time left until endsAt as seen at now. It has no side effects.
func (p Policy) Evaluate(endsAt, now time.Time) Remaining {
	total := endsAt.Sub(now)
	if total <= 0 {
		return Remaining{Urgency: UrgencyEnded, Label: "Ended"}
	}

	secs := int64(total / time.Second)
	r := Remaining{
		Total:   total,
		Days:    int(secs / 86400),
		Hours:   int(secs % 86400 / 3600),
		Minutes: int(secs % 3600 / 60),
		Seconds: int(secs % 60),
		Urgency: p.urgencyFor(total),
	}
	r.Label = label(r)
	return r
}

func (p Policy) urgencyFor(total time.Duration) Urgency {
	switch {
	case total <= 0:
		return UrgencyEnded
	case total <= p.UrgentWithin:
		return UrgencyUrgent
	case total <= p.WarningWithin:
		return UrgencyWarning
	default:
		return UrgencyNormal
	}
}

func label(r Remaining) string {
	switch {
	case r.Days > 0:
		return fmt.Sprintf("%dd %dh", r.Days, r.Hours)
	case r.Hours > 0:
		return fmt.Sprintf("%dh %dm", r.Hours, r.Minutes)
	default:
		return fmt.Sprintf("%dm %02ds", r.Minutes, r.Seconds)
	}
}
