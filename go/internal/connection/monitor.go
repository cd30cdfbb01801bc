package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/rs/zerolog/log"
)

// State is the liveness of the shared real-time channel.
type State string

const (
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// ErrMalformed marks a message that could not be decoded. The stream stays usable.
var ErrMalformed = errors.New("malformed message")

// Stream is one established channel delivering event envelopes.
type Stream interface {
	// Receive blocks until the next envelope arrives or the stream fails.
	// Errors wrapping ErrMalformed are per-message and do not end the stream.
	Receive(ctx context.Context) (events.Envelope, error)
	// Close releases the channel. It is safe to call more than once and
	// unblocks a pending Receive.
	Close() error
}

// Dialer opens a Stream.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// Sink receives every inbound envelope, in receipt order, from a single goroutine.
type Sink func(env events.Envelope)

// Monitor owns the channel for a session: it dials, pumps envelopes into the sink,
// redials with capped exponential backoff on failure, and reports every state change
// to its observers. Callers only ever see state transitions.
type Monitor struct {
	dialer  Dialer
	sink    Sink
	backoff Backoff
	clock   clockwork.Clock

	// lifecycleMu serializes Connect and Disconnect.
	lifecycleMu sync.Mutex
	// notifyMu serializes state changes together with their notifications so observers
	// see transitions one at a time and in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	state     State
	gen       uint64
	stream    Stream
	cancel    context.CancelFunc
	done      chan struct{}
	observers map[int]func(State)
	nextObsID int
}

// NewMonitor creates a monitor in the disconnected state.
func NewMonitor(dialer Dialer, sink Sink, backoff Backoff, clk clockwork.Clock) *Monitor {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Monitor{
		dialer:    dialer,
		sink:      sink,
		backoff:   backoff,
		clock:     clk,
		state:     StateDisconnected,
		observers: make(map[int]func(State)),
	}
}

// State returns the current connection state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for every state transition. Observers are called one at a
// time and must not call Connect or Disconnect synchronously.
func (m *Monitor) Subscribe(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

// Connect establishes the channel. It is a no-op while already connected or
// reconnecting. A failed dial returns the error and leaves the monitor disconnected.
func (m *Monitor) Connect(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	running := m.cancel != nil
	m.mu.Unlock()
	if running {
		return nil
	}

	stream, err := m.dialer.Dial(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to establish event channel")
		return fmt.Errorf("dial event channel: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.stream = stream
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.transition(gen, StateConnected)
	log.Info().Msg("event channel connected")

	go m.run(runCtx, gen, stream, done)
	return nil
}

// Disconnect tears the channel down. It is idempotent and always succeeds; once it
// returns no further envelopes reach the sink.
func (m *Monitor) Disconnect() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	cancel, done, stream := m.cancel, m.done, m.stream
	m.cancel, m.done, m.stream = nil, nil, nil
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		if stream != nil {
			stream.Close()
		}
		<-done
		log.Info().Msg("event channel disconnected")
	}

	m.transition(gen, StateDisconnected)
}

// run pumps the stream and redials on failure until ctx is cancelled or the retry
// budget is spent.
func (m *Monitor) run(ctx context.Context, gen uint64, stream Stream, done chan struct{}) {
	defer close(done)

	for {
		err := m.pump(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).Msg("event channel lost, reconnecting")
		m.transition(gen, StateReconnecting)

		stream = m.redial(ctx)
		if stream == nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Int("max_attempts", m.backoff.MaxAttempts).Msg("event channel retry budget exhausted")
			m.mu.Lock()
			if m.gen == gen {
				m.cancel()
				m.cancel, m.done, m.stream = nil, nil, nil
			}
			m.mu.Unlock()
			m.transition(gen, StateDisconnected)
			return
		}

		m.mu.Lock()
		if ctx.Err() != nil || m.gen != gen {
			m.mu.Unlock()
			stream.Close()
			return
		}
		m.stream = stream
		m.mu.Unlock()

		m.transition(gen, StateConnected)
		log.Info().Msg("event channel reconnected")
	}
}

func (m *Monitor) pump(ctx context.Context, stream Stream) error {
	for {
		env, err := stream.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				log.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.sink(env)
	}
}

// redial waits out the backoff schedule between attempts. It returns nil when the
// budget is exhausted or ctx is cancelled.
func (m *Monitor) redial(ctx context.Context) Stream {
	for attempt := 1; attempt <= m.backoff.MaxAttempts; attempt++ {
		delay := m.backoff.Delay(attempt)
		timer := m.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}

		stream, err := m.dialer.Dial(ctx)
		if err == nil {
			return stream
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("reconnect attempt failed")
	}
	return nil
}

// transition applies s if gen is still current and s differs from the current state,
// then notifies observers while holding notifyMu.
func (m *Monitor) transition(gen uint64, s State) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	observers := make([]func(State), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	log.Debug().Str("state", string(s)).Msg("connection state changed")
	for _, fn := range observers {
		fn(s)
	}
}
