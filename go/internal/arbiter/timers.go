package arbiter

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type lotTimer struct {
	timer clockwork.Timer
	stop  chan struct{}
}

// scheduleClose arms a one-shot timer that closes the lot at its deadline.
func (a *Arbiter) scheduleClose(auctionID string, endsAt time.Time) {
	duration := endsAt.Sub(a.clock.Now())
	if duration <= 0 {
		return
	}

	lt := &lotTimer{timer: a.clock.NewTimer(duration), stop: make(chan struct{})}
	a.replaceTimer(auctionID, lt)

	a.wg.Add(1)
	go func(id string, lt *lotTimer) {
		defer a.wg.Done()
		select {
		case <-lt.timer.Chan():
			a.removeTimer(id, lt)
			if _, err := a.CloseLot(a.ctx, id); err != nil {
				log.Error().Err(err).Str("auction_id", id).Msg("failed to close lot at deadline")
			}
		case <-lt.stop:
		case <-a.ctx.Done():
			stopAndDrainTimer(lt.timer)
			a.removeTimer(id, lt)
		}
	}(auctionID, lt)

	log.Debug().
		Str("auction_id", auctionID).
		Time("deadline", endsAt).
		Dur("duration", duration).
		Msg("scheduled lot close")
}

// replaceTimer stores the lot's timer, stopping any timer it replaces.
func (a *Arbiter) replaceTimer(auctionID string, lt *lotTimer) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()

	if existing, ok := a.timers[auctionID]; ok {
		existing.cancel()
		log.Debug().Str("auction_id", auctionID).Msg("replaced existing timer")
	}
	a.timers[auctionID] = lt
}

// cancelTimer stops the lot's timer when the lot closes before its deadline fires.
func (a *Arbiter) cancelTimer(auctionID string) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()

	if lt, ok := a.timers[auctionID]; ok {
		lt.cancel()
		delete(a.timers, auctionID)
	}
}

func (a *Arbiter) removeTimer(auctionID string, lt *lotTimer) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	if a.timers[auctionID] == lt {
		delete(a.timers, auctionID)
	}
}

func (lt *lotTimer) cancel() {
	stopAndDrainTimer(lt.timer)
	close(lt.stop)
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
