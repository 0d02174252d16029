package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is one live upstream connection.
type Session interface {
	// ID identifies the session in logs and status snapshots.
	ID() string
	// ReadMessage blocks for the next payload. Errors are *ClosedByPeerError for
	// an orderly close and *TransportError otherwise.
	ReadMessage() ([]byte, error)
	// Close tears the session down; repeated calls are safe.
	Close() error
}

// Dialer opens upstream sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// closeWriteWait bounds the close frame write during teardown.
const closeWriteWait = time.Second

// WebSocketDialer dials the upstream feed with gorilla/websocket.
type WebSocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial performs the websocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context) (Session, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsSession{id: uuid.NewString(), conn: conn}, nil
}

type wsSession struct {
	id   string
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) ReadMessage() ([]byte, error) {
	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &ClosedByPeerError{Code: ce.Code, Text: ce.Text}
			}
			return nil, &TransportError{Err: err}
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

// Close sends a normal-closure frame (best effort) and closes the socket.
func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
