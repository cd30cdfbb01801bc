package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Session is the read-only view of the signed-in bidder the bidding engine consumes.
type Session interface {
	IsAuthenticated() bool
	Balance() int64
	BidderID() string
	Token() string
}

// SignalKind identifies a session change.
type SignalKind string

const (
	LoggedIn  SignalKind = "logged_in"
	LoggedOut SignalKind = "logged_out"
)

// Logout reasons.
const (
	ReasonUserLogout = "user_logout"
	ReasonExpired    = "session_expired"
)

// Signal is delivered to observers on every login and logout.
type Signal struct {
	Kind     SignalKind
	BidderID string
	Reason   string
	At       time.Time
}

// signalBuffer is how many unread signals an observer may hold before new ones are dropped.
const signalBuffer = 8

// Manager holds the signed-in bidder. It is safe for concurrent use.
type Manager struct {
	mu            sync.RWMutex
	authenticated bool
	bidderID      string
	token         string
	balance       int64

	observers map[int]chan Signal
	nextID    int
}

// NewManager creates a manager with nobody signed in.
func NewManager() *Manager {
	return &Manager{
		observers: make(map[int]chan Signal),
	}
}

func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authenticated
}

func (m *Manager) Balance() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance
}

func (m *Manager) BidderID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bidderID
}

func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Login signs a bidder in.
func (m *Manager) Login(bidderID, token string, balance int64) {
	m.mu.Lock()
	m.authenticated = true
	m.bidderID = bidderID
	m.token = token
	m.balance = balance
	m.mu.Unlock()

	log.Info().Str("bidder_id", bidderID).Msg("bidder signed in")
	m.broadcast(Signal{Kind: LoggedIn, BidderID: bidderID, At: time.Now()})
}

// SetBalance records a balance refreshed by the account service.
func (m *Manager) SetBalance(balance int64) {
	m.mu.Lock()
	m.balance = balance
	m.mu.Unlock()
}

// Logout signs the bidder out at their request.
func (m *Manager) Logout() {
	m.signOut(ReasonUserLogout)
}

// Expire signs the bidder out because the backend rejected their token.
func (m *Manager) Expire() {
	m.signOut(ReasonExpired)
}

func (m *Manager) signOut(reason string) {
	m.mu.Lock()
	if !m.authenticated {
		m.mu.Unlock()
		return
	}
	bidderID := m.bidderID
	m.authenticated = false
	m.token = ""
	m.balance = 0
	m.mu.Unlock()

	log.Info().Str("bidder_id", bidderID).Str("reason", reason).Msg("bidder signed out")
	m.broadcast(Signal{Kind: LoggedOut, BidderID: bidderID, Reason: reason, At: time.Now()})
}

// Signals registers an observer. The returned channel receives every later signal
// until cancel is called, after which it is closed.
func (m *Manager) Signals() (signals <-chan Signal, cancel func()) {
	ch := make(chan Signal, signalBuffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) broadcast(sig Signal) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.observers {
		select {
		case ch <- sig:
		default:
			log.Warn().Str("signal", string(sig.Kind)).Msg("session observer is not keeping up, dropping signal")
		}
	}
}
