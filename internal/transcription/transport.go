package transcription

import "context"

// Close codes reported to Handler.OnClose.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// Transport is an open duplex binary message connection.
type Transport interface {
	Send(msg []byte) error
	Close() error
}

// Handler receives transport notifications. OnClose is called exactly once, after
// any OnError, whether the close was local or remote.
type Handler struct {
	OnMessage func(msg []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

func (h Handler) message(msg []byte) {
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

func (h Handler) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Handler) close(code int, reason string) {
	if h.OnClose != nil {
		h.OnClose(code, reason)
	}
}

// Dialer opens a Transport to url. Dial returns once the connection is open;
// notifications start flowing to h immediately after.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handler) (Transport, error)
}
