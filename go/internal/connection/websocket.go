package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/livebid/go/internal/events"
)

// WebSocketDialer connects to the gateway's websocket fan-out.
type WebSocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	// ReadTimeout is how long the stream may stay silent. Server pings extend it.
	ReadTimeout time.Duration
}

// Dial opens a websocket stream.
func (d *WebSocketDialer) Dial(ctx context.Context) (Stream, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}

	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", d.URL, err)
	}

	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}

	s := &wsStream{conn: conn, readTimeout: readTimeout}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	return s, nil
}

type wsStream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	closeOnce   sync.Once
}

// Receive reads the next envelope. Cancellation is honoured by Close, which the
// monitor calls on teardown.
func (s *wsStream) Receive(ctx context.Context) (events.Envelope, error) {
	var env events.Envelope
	if err := ctx.Err(); err != nil {
		return env, err
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return env, fmt.Errorf("read websocket: %w", err)
	}
	s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
