package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 30 * time.Second
	maxMessageSize   = 1024 * 1024
)

// WebSocketDialer opens binary websocket transports with gorilla/websocket.
type WebSocketDialer struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWebSocketDialer(logger *slog.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   16 * 1024,
			WriteBufferSize:  16 * 1024,
		},
		logger: logger.With("component", "stream_transport"),
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string, h Handler) (Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: status %d", ErrHandshakeRejected, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial stream: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	t := &wsTransport{
		conn:    conn,
		handler: h,
		logger:  d.logger,
	}
	go t.readLoop()
	return t, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	handler Handler
	logger  *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (t *wsTransport) Send(msg []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// Close sends a normal closure and tears the connection down. The read loop then
// reports CloseNormal.
func (t *wsTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	t.writeMu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) readLoop() {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			t.finish(err)
			return
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}
		t.handler.message(data)
	}
}

func (t *wsTransport) finish(err error) {
	localClose := t.closed.Swap(true)
	_ = t.conn.Close()

	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		t.logger.Debug("stream closed by peer", "code", ce.Code, "reason", ce.Text)
		t.handler.close(ce.Code, ce.Text)
	case localClose:
		t.handler.close(CloseNormal, "")
	default:
		t.logger.Error("stream read error", "error", err)
		t.handler.error(err)
		t.handler.close(CloseAbnormal, err.Error())
	}
}
