package dictation

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/dictation-backend/internal/audio"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 128
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventQueue buffers events produced before and while the websocket is served.
type eventQueue struct {
	ch     chan Event
	logger *slog.Logger
}

func newEventQueue(logger *slog.Logger) *eventQueue {
	return &eventQueue{ch: make(chan Event, sendBufferSize), logger: logger}
}

func (q *eventQueue) push(ev Event) {
	select {
	case q.ch <- ev:
	default:
		q.logger.Warn("send buffer full, dropping event", "type", ev.Type)
	}
}

// wsClient is the browser side of one recording: binary frames carry float32-LE
// samples, text frames carry control messages, and events flow back as JSON.
type wsClient struct {
	ws     *websocket.Conn
	rec    *Recording
	events *eventQueue
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(ws *websocket.Conn, rec *Recording, events *eventQueue, logger *slog.Logger) *wsClient {
	return &wsClient{
		ws:     ws,
		rec:    rec,
		events: events,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// serve runs until the peer goes away. A disconnect without a stop message still
// stops the recording so the transcript is finalized.
func (c *wsClient) serve() {
	go c.writePump()
	c.readPump()
	c.shutdown()
	_ = c.rec.Stop()
}

func (c *wsClient) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsClient) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			if err := c.rec.Push(audio.DecodeFloat32LE(message)); err != nil {
				c.logger.Warn("push audio failed", "error", err)
			}
		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				c.logger.Warn("failed to unmarshal control message", "error", err)
				continue
			}
			if msg.Type == controlStop {
				if err := c.rec.Stop(); err != nil {
					c.logger.Warn("stop recording failed", "error", err)
				}
			}
		}
	}
}

// writePump is the only writer on the connection. It closes the websocket after
// session_end has been written.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.events.ch:
			if err := c.writeEvent(ev); err != nil {
				c.logger.Error("websocket write error", "error", err)
				_ = c.ws.Close()
				return
			}
			if ev.Type == EventSessionEnd {
				c.closeGracefully()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *wsClient) writeEvent(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// closeGracefully sends a normal close frame and bounds the wait for the peer's
// reply.
func (c *wsClient) closeGracefully() {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.ws.SetReadDeadline(time.Now().Add(writeWait))
}
