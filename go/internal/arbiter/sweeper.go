package arbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

// Sweeper periodically closes lots whose deadline passed without their timer
// closing them, for example after a timer was lost to a restart.
type Sweeper struct {
	arbiter   *Arbiter
	scheduler gocron.Scheduler
	interval  time.Duration
}

// NewSweeper creates a sweeper over a. Call Start to begin sweeping.
func NewSweeper(a *Arbiter, interval time.Duration) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithClock(a.clock))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Sweeper{
		arbiter:   a,
		scheduler: scheduler,
		interval:  interval,
	}, nil
}

// Start schedules the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.Sweep(context.Background())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("close-due-lots"),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.scheduler.Start()
	log.Info().Dur("interval", s.interval).Msg("lot sweeper started")
	return nil
}

// Sweep closes every due lot once.
func (s *Sweeper) Sweep(ctx context.Context) int {
	closed := s.arbiter.CloseDue(ctx)
	if closed > 0 {
		log.Warn().Int("closed", closed).Msg("sweeper closed lots past their deadline")
	}
	return closed
}

// Stop shuts the scheduler down.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}
