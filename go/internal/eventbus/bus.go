package eventbus

import (
	"sync"

	"github.com/mcdev12/livebid/go/internal/connection"
	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/rs/zerolog/log"
)

// DefaultLaneBuffer is how many events may queue for one auction before new ones are dropped.
const DefaultLaneBuffer = 256

// connectionLane is the lane key for connection state changes.
const connectionLane = "\x00connection"

// Event is a decoded inbound event.
type Event struct {
	ID        string
	Kind      events.Kind
	AuctionID string
	// Payload is one of events.NewBidPayload, events.AuctionSoldPayload,
	// events.AuctionExpiredPayload or connection.State.
	Payload interface{}
}

// Handler receives events of the kind it subscribed to.
type Handler func(ev Event)

// Subscription is one registered handler.
type Subscription struct {
	bus       *Bus
	id        int
	kind      events.Kind
	auctionID string
	handler   Handler

	// mu is held for the duration of each delivery.
	mu     sync.Mutex
	active bool
}

// Unsubscribe removes the handler. It waits for an in-flight delivery to this handler
// to return; after it returns the handler is never called again. Do not call it
// synchronously from the handler being removed.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)

	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.handler(ev)
}

// Bus dispatches inbound events to subscribers. Events for one auction are delivered
// in receipt order on that auction's lane; lanes run independently of each other.
type Bus struct {
	laneBuffer int

	mu     sync.RWMutex
	subs   map[events.Kind]map[int]*Subscription
	nextID int
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	return NewWithBuffer(DefaultLaneBuffer)
}

// NewWithBuffer creates a bus whose per-auction queues hold size events.
func NewWithBuffer(size int) *Bus {
	if size <= 0 {
		size = DefaultLaneBuffer
	}
	return &Bus{
		laneBuffer: size,
		subs:       make(map[events.Kind]map[int]*Subscription),
		lanes:      make(map[string]*lane),
	}
}

// Subscribe registers handler for every event of kind, whatever the auction.
func (b *Bus) Subscribe(kind events.Kind, handler Handler) *Subscription {
	return b.SubscribeAuction(kind, "", handler)
}

// SubscribeAuction registers handler for events of kind about auctionID only.
// An empty auctionID matches every auction.
func (b *Bus) SubscribeAuction(kind events.Kind, auctionID string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus:       b,
		id:        b.nextID,
		kind:      kind,
		auctionID: auctionID,
		handler:   handler,
		active:    true,
	}
	b.nextID++

	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]*Subscription)
	}
	b.subs[kind][sub.id] = sub
	return sub
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[s.kind]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.subs, s.kind)
		}
	}
}

// Publish decodes env and queues it on its auction's lane. It is the connection
// monitor's sink. Malformed envelopes are logged and dropped.
func (b *Bus) Publish(env events.Envelope) {
	payload, err := events.Decode(env)
	if err != nil {
		log.Warn().
			Err(err).
			Str("event_id", env.EventID).
			Str("event_type", string(env.EventType)).
			Msg("dropping undecodable event")
		return
	}

	b.enqueue(env.AuctionID, Event{
		ID:        env.EventID,
		Kind:      env.EventType,
		AuctionID: env.AuctionID,
		Payload:   payload,
	})
}

// PublishConnectionState fans a connection state change out to ConnectionState subscribers.
func (b *Bus) PublishConnectionState(state connection.State) {
	b.enqueue(connectionLane, Event{
		Kind:    events.KindConnectionState,
		Payload: state,
	})
}

// enqueue queues ev on the lane for key, starting the lane if needed. Events nobody
// subscribed to are dropped here, so unwatched auctions never get a lane.
func (b *Bus) enqueue(key string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.hasSubscriberLocked(ev) {
		return
	}
	l, ok := b.lanes[key]
	if !ok {
		l = &lane{queue: make(chan Event, b.laneBuffer)}
		b.lanes[key] = l
		b.wg.Add(1)
		go b.runLane(key, l)
	}

	// The send never blocks, so holding the lock keeps it ordered against Close.
	select {
	case l.queue <- ev:
	default:
		log.Warn().
			Str("auction_id", ev.AuctionID).
			Str("event_type", string(ev.Kind)).
			Msg("event lane full, dropping event")
	}
}

func (b *Bus) hasSubscriberLocked(ev Event) bool {
	for _, sub := range b.subs[ev.Kind] {
		if sub.auctionID == "" || sub.auctionID == ev.AuctionID {
			return true
		}
	}
	return false
}

// runLane delivers the lane's events and exits once its queue is drained. The next
// event for the same key starts a fresh lane.
func (b *Bus) runLane(key string, l *lane) {
	defer b.wg.Done()
	for ev := range l.queue {
		for _, sub := range b.matching(ev) {
			sub.deliver(ev)
		}
		if b.retire(key, l) {
			return
		}
	}
}

// retire removes l if nothing is queued on it. enqueue sends under the same lock, so
// no event can slip in between the check and the removal.
func (b *Bus) retire(key string, l *lane) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(l.queue) > 0 {
		return false
	}
	delete(b.lanes, key)
	return true
}

func (b *Bus) matching(ev Event) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Subscription
	for _, sub := range b.subs[ev.Kind] {
		if sub.auctionID == "" || sub.auctionID == ev.AuctionID {
			out = append(out, sub)
		}
	}
	return out
}

// Close stops accepting events, lets queued events drain and waits for the lanes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for key, l := range b.lanes {
		close(l.queue)
		delete(b.lanes, key)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

type lane struct {
	queue chan Event
}
