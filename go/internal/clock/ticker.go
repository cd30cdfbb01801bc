package clock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultTickInterval is how often the ticker fires when no interval is configured.
const DefaultTickInterval = time.Second

// Ticker is the scheduled task that drives countdowns and local expiry checks.
// Consumers subscribe instead of polling on their own timers.
type Ticker struct {
	clock    clockwork.Clock
	interval time.Duration

	mu     sync.Mutex
	subs   map[int]func(now time.Time)
	nextID int
}

// NewTicker creates a ticker firing every interval on clk.
func NewTicker(clk clockwork.Clock, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{
		clock:    clk,
		interval: interval,
		subs:     make(map[int]func(now time.Time)),
	}
}

// Subscribe registers fn to be called on every tick. The returned func removes it.
func (t *Ticker) Subscribe(fn func(now time.Time)) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Run fires ticks until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	tk := t.clock.NewTicker(t.interval)
	defer tk.Stop()

	log.Debug().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("ticker stopped")
			return
		case now := <-tk.Chan():
			t.fire(now)
		}
	}
}

// fire calls every subscriber with now; subscribers run outside the lock.
func (t *Ticker) fire(now time.Time) {
	t.mu.Lock()
	fns := make([]func(time.Time), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(now)
	}
}
