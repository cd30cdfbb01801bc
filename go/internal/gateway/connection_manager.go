package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/rs/zerolog/log"
)

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		PongWait:        60 * time.Second,
		PingInterval:    54 * time.Second,
		MaxMessageSize:  512,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// ConnectionManager fans auction events out to WebSocket clients. A client follows
// a set of auctions, or every auction when it names none.
type ConnectionManager struct {
	mu        sync.RWMutex
	byAuction map[string]map[*Connection]struct{}
	all       map[*Connection]struct{}

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan events.Envelope
}

// Connection is one WebSocket client.
type Connection struct {
	ID          string
	Auctions    []string
	ConnectedAt time.Time

	conn    *websocket.Conn
	send    chan []byte
	manager *ConnectionManager
	once    sync.Once
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		byAuction: make(map[string]map[*Connection]struct{}),
		all:       make(map[*Connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan events.Envelope, 1000),
	}
}

// Start delivers queued broadcasts until ctx is cancelled. A single loop keeps the
// order events were queued in.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			cm.closeAll()
			log.Info().Msg("connection manager shutting down")
			return
		case env := <-cm.broadcastCh:
			cm.handleBroadcast(env)
		}
	}
}

// Broadcast queues env for every client following its auction.
func (cm *ConnectionManager) Broadcast(env events.Envelope) {
	select {
	case cm.broadcastCh <- env:
	default:
		log.Warn().
			Str("auction_id", env.AuctionID).
			Str("event_type", string(env.EventType)).
			Msg("broadcast channel full, dropping message")
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket following auctionIDs.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, auctionIDs []string) error {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		Auctions:    auctionIDs,
		ConnectedAt: time.Now(),
		conn:        ws,
		send:        make(chan []byte, cm.config.SendBuffer),
		manager:     cm,
	}
	cm.register(c)

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Strs("auction_ids", auctionIDs).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) register(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if len(c.Auctions) == 0 {
		cm.all[c] = struct{}{}
		return
	}
	for _, id := range c.Auctions {
		if cm.byAuction[id] == nil {
			cm.byAuction[id] = make(map[*Connection]struct{})
		}
		cm.byAuction[id][c] = struct{}{}
	}
}

// unregister removes c from every pool and closes its send queue. Safe to call
// more than once.
func (cm *ConnectionManager) unregister(c *Connection) {
	c.once.Do(func() {
		cm.mu.Lock()
		delete(cm.all, c)
		for _, id := range c.Auctions {
			if pool, ok := cm.byAuction[id]; ok {
				delete(pool, c)
				if len(pool) == 0 {
					delete(cm.byAuction, id)
				}
			}
		}
		close(c.send)
		cm.mu.Unlock()

		log.Info().Str("connection_id", c.ID).Msg("connection unregistered")
	})
}

func (cm *ConnectionManager) targets(auctionID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]*Connection, 0, len(cm.all)+len(cm.byAuction[auctionID]))
	for c := range cm.all {
		out = append(out, c)
	}
	for c := range cm.byAuction[auctionID] {
		out = append(out, c)
	}
	return out
}

func (cm *ConnectionManager) handleBroadcast(env events.Envelope) {
	targets := cm.targets(env.AuctionID)
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, c := range targets {
		if !c.enqueue(data) {
			log.Warn().
				Str("connection_id", c.ID).
				Msg("connection send buffer full, closing connection")
			cm.unregister(c)
		}
	}

	log.Debug().
		Str("event_type", string(env.EventType)).
		Str("auction_id", env.AuctionID).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	conns := make(map[*Connection]struct{})
	for c := range cm.all {
		conns[c] = struct{}{}
	}
	for _, pool := range cm.byAuction {
		for c := range pool {
			conns[c] = struct{}{}
		}
	}
	cm.mu.RUnlock()

	for c := range conns {
		cm.unregister(c)
	}
}

// Stats is a point-in-time count of connected clients.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	AllAuctions      int            `json:"all_auctions"`
	ActiveAuctions   int            `json:"active_auctions"`
	ByAuction        map[string]int `json:"by_auction"`
}

// Stats returns statistics about active connections
func (cm *ConnectionManager) Stats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	unique := make(map[*Connection]struct{}, len(cm.all))
	for c := range cm.all {
		unique[c] = struct{}{}
	}
	byAuction := make(map[string]int, len(cm.byAuction))
	for id, pool := range cm.byAuction {
		byAuction[id] = len(pool)
		for c := range pool {
			unique[c] = struct{}{}
		}
	}

	return Stats{
		TotalConnections: len(unique),
		AllAuctions:      len(cm.all),
		ActiveAuctions:   len(cm.byAuction),
		ByAuction:        byAuction,
	}
}

// enqueue hands data to the write pump without blocking. It reports false when the
// client is not keeping up. The manager's read lock keeps the send queue open.
func (c *Connection) enqueue(data []byte) (ok bool) {
	c.manager.mu.RLock()
	defer c.manager.mu.RUnlock()
	if !c.registered() {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// registered reports whether c is still in a pool. The caller holds the manager lock.
func (c *Connection) registered() bool {
	if _, ok := c.manager.all[c]; ok {
		return true
	}
	for _, id := range c.Auctions {
		if _, ok := c.manager.byAuction[id][c]; ok {
			return true
		}
	}
	return false
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump keeps the read deadline fresh on pongs. Clients do not send commands;
// anything they send is logged and ignored.
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.manager.config.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		log.Debug().
			Str("connection_id", c.ID).
			Int("bytes", len(message)).
			Msg("ignoring client message")
	}
}
