package transcription

import (
	"errors"
	"fmt"

	"github.com/eleven-am/dictation-backend/internal/eventstream"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateFaulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transcript is one decoded result. Partial and final results are forwarded as
// received; accumulating them is up to the caller.
type Transcript struct {
	Text      string
	IsPartial bool
	Results   []eventstream.Result
}

var (
	ErrSessionActive     = errors.New("transcription session already active")
	ErrSessionFaulted    = errors.New("transcription session faulted")
	ErrStopped           = errors.New("transcription session stopped")
	ErrHandshakeRejected = errors.New("stream handshake rejected")
	ErrTransportClosed   = errors.New("transport closed")
)

// CaptureError means the audio source could not be started.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string { return "capture: " + e.Err.Error() }
func (e *CaptureError) Unwrap() error { return e.Err }

// SigningError means no presigned URL could be produced, usually because no
// credentials are held.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string { return "signing: " + e.Err.Error() }
func (e *SigningError) Unwrap() error { return e.Err }

// TransportError reports a failed dial, a transport error, or an abnormal close.
type TransportError struct {
	Code   int
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return "transport: " + e.Err.Error()
	}
	if e.Reason != "" {
		return fmt.Sprintf("transport closed abnormally: code %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("transport closed abnormally: code %d", e.Code)
}

func (e *TransportError) Unwrap() error { return e.Err }
