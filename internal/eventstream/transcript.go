package eventstream

import (
	"encoding/json"
	"fmt"
)

// TranscriptEvent is the JSON body of an inbound TranscriptEvent.
type TranscriptEvent struct {
	Transcript Transcript `json:"Transcript"`
}

type Transcript struct {
	Results []Result `json:"Results"`
}

type Result struct {
	ResultID     string        `json:"ResultId,omitempty"`
	StartTime    float64       `json:"StartTime,omitempty"`
	EndTime      float64       `json:"EndTime,omitempty"`
	IsPartial    bool          `json:"IsPartial"`
	ChannelID    string        `json:"ChannelId,omitempty"`
	Alternatives []Alternative `json:"Alternatives"`
}

type Alternative struct {
	Transcript string `json:"Transcript"`
	Items      []Item `json:"Items,omitempty"`
}

type Item struct {
	Content    string  `json:"Content"`
	Type       string  `json:"Type,omitempty"`
	StartTime  float64 `json:"StartTime,omitempty"`
	EndTime    float64 `json:"EndTime,omitempty"`
	Confidence float64 `json:"Confidence,omitempty"`
}

// Top returns the first alternative of the first result.
func (e *TranscriptEvent) Top() (Result, Alternative, bool) {
	if e == nil || len(e.Transcript.Results) == 0 {
		return Result{}, Alternative{}, false
	}
	r := e.Transcript.Results[0]
	if len(r.Alternatives) == 0 {
		return r, Alternative{}, false
	}
	return r, r.Alternatives[0], true
}

// ProtocolError is an exception message sent by the service.
type ProtocolError struct {
	MessageType   string
	ExceptionType string
	Message       string
}

func (e *ProtocolError) Error() string {
	kind := e.ExceptionType
	if kind == "" {
		kind = e.MessageType
	}
	if e.Message == "" {
		return fmt.Sprintf("stream exception %s", kind)
	}
	return fmt.Sprintf("stream exception %s: %s", kind, e.Message)
}

type exceptionBody struct {
	Message string `json:"Message"`
	Lower   string `json:"message"`
}

// ParseMessage interprets a decoded inbound frame. Event frames yield their
// transcript payload; every other message type yields a *ProtocolError.
func ParseMessage(f Frame) (*TranscriptEvent, error) {
	if mt := f.MessageType(); mt != MessageTypeEvent {
		perr := &ProtocolError{MessageType: mt, ExceptionType: f.Header(HeaderExceptionType)}
		var body exceptionBody
		if err := json.Unmarshal(f.Body, &body); err == nil {
			perr.Message = body.Message
			if perr.Message == "" {
				perr.Message = body.Lower
			}
		} else if len(f.Body) > 0 {
			perr.Message = string(f.Body)
		}
		return nil, perr
	}

	var ev TranscriptEvent
	if len(f.Body) == 0 {
		return &ev, nil
	}
	if err := json.Unmarshal(f.Body, &ev); err != nil {
		return nil, &FrameError{Op: "parse", Err: err}
	}
	return &ev, nil
}
