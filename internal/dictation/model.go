package dictation

import "time"

type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventTranscript   EventType = "transcript"
	EventError        EventType = "error"
	EventSessionEnd   EventType = "session_end"
)

// Event is what clients receive over the websocket and the SSE stream.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text,omitempty"`
	IsPartial bool      `json:"is_partial"`
	// Transcript is the accumulated text: every final result so far plus the
	// current partial.
	Transcript string    `json:"transcript,omitempty"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	OutcomeNormal  = "normal"
	OutcomeFaulted = "faulted"
)

const (
	CodeStreamException      = "stream_exception"
	CodeAuthenticationFailed = "authentication_failed"
	CodeTransportError       = "transport_error"
	CodeCaptureError         = "capture_error"
	CodeNoCredentials        = "no_credentials"
	CodeInternal             = "internal_error"
)

// ControlMessage is a text frame sent by the client on the audio websocket.
type ControlMessage struct {
	Type string `json:"type"`
}

const controlStop = "stop"

type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	ClientKey  string    `json:"client_key"`
	State      string    `json:"state"`
	SampleRate int       `json:"sample_rate"`
	StartedAt  time.Time `json:"started_at"`
	Transcript string    `json:"transcript"`
}

type SessionsResponse struct {
	Total    int           `json:"total"`
	Sessions []SessionInfo `json:"sessions"`
}
