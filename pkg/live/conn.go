package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"safety-aware-orchestrator/pkg/models"
)

const (
	defaultConnectTimeout = 10 * time.Second
	sendTimeout           = 10 * time.Second
	closeGrace            = 250 * time.Millisecond
)

// Conn is a remote streaming connection. Send is only called from the
// outbound task and Receive only from the inbound task. Close unblocks both.
type Conn interface {
	Send(ctx context.Context, f models.Frame) error
	Receive(ctx context.Context) (ServerEvent, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Conn, error)
}

// WSDialer connects to a BidiGenerateContent-style websocket endpoint.
type WSDialer struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, cfg SessionConfig) (Conn, error) {
	endpoint, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse live endpoint: %w", err)
	}
	if d.APIKey != "" {
		q := endpoint.Query()
		q.Set("key", d.APIKey)
		endpoint.RawQuery = q.Encode()
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	if err := conn.WriteJSON(newSetup(cfg)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read setup ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	ev, err := decodeServerMessage(payload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ev.SetupComplete {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first live frame: %s", truncate(string(payload), 120))
	}

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Send writes one frame. A peer that stops reading fails the write after
// sendTimeout instead of holding the writer forever.
func (c *wsConn) Send(_ context.Context, f models.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	return c.conn.WriteJSON(newRealtimeInput(f))
}

// Receive blocks for the next message. A normal close is reported as io.EOF.
func (c *wsConn) Receive(_ context.Context) (ServerEvent, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ServerEvent{}, io.EOF
			}
			return ServerEvent{}, err
		}
		// the endpoint sends JSON in both text and binary frames
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return decodeServerMessage(data)
	}
}

// Close does not take writeMu: a Send stalled on the peer holds it. The close
// frame is best-effort within closeGrace, then the socket is closed, which
// fails any pending write or read.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		err = c.conn.Close()
	})
	return err
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
