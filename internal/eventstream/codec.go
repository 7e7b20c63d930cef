package eventstream

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	awsevent "github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

const (
	HeaderMessageType   = ":message-type"
	HeaderEventType     = ":event-type"
	HeaderContentType   = ":content-type"
	HeaderExceptionType = ":exception-type"

	MessageTypeEvent     = "event"
	MessageTypeException = "exception"

	EventTypeAudio      = "AudioEvent"
	EventTypeTranscript = "TranscriptEvent"

	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeJSON        = "application/json"
)

// Value is a typed header value. The wire types are StringValue, BytesValue,
// BoolValue, Int8Value through Int64Value, TimestampValue and UUIDValue.
type Value = awsevent.Value

type (
	StringValue    = awsevent.StringValue
	BytesValue     = awsevent.BytesValue
	BoolValue      = awsevent.BoolValue
	Int8Value      = awsevent.Int8Value
	Int16Value     = awsevent.Int16Value
	Int32Value     = awsevent.Int32Value
	Int64Value     = awsevent.Int64Value
	TimestampValue = awsevent.TimestampValue
	UUIDValue      = awsevent.UUIDValue
)

type Frame struct {
	Headers map[string]Value
	Body    []byte
}

// Header returns the string form of the named header, or "" when absent.
func (f Frame) Header(name string) string {
	v, ok := f.Headers[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(StringValue); ok {
		return string(s)
	}
	return fmt.Sprint(v.Get())
}

func (f Frame) MessageType() string { return f.Header(HeaderMessageType) }
func (f Frame) EventType() string   { return f.Header(HeaderEventType) }

// FrameError reports bytes that do not form exactly one well-formed message.
type FrameError struct {
	Op  string
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("eventstream %s: %v", e.Op, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

var (
	ErrTrailingBytes = errors.New("trailing bytes after message")
	ErrEmptyInput    = errors.New("empty input")
)

var (
	encoder = awsevent.NewEncoder()
	decoder = awsevent.NewDecoder()
)

// Encode serializes f into the length-prefixed, CRC-checked wire format. Headers
// are written in name order so output is stable for a given frame.
func Encode(f Frame) ([]byte, error) {
	names := make([]string, 0, len(f.Headers))
	for name := range f.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	msg := awsevent.Message{Payload: f.Body}
	for _, name := range names {
		v := f.Headers[name]
		if v == nil {
			return nil, &FrameError{Op: "encode", Err: fmt.Errorf("header %q has no value", name)}
		}
		msg.Headers.Set(name, v)
	}

	var buf bytes.Buffer
	if err := encoder.Encode(&buf, msg); err != nil {
		return nil, &FrameError{Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// Decode parses exactly one message from b.
func Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, &FrameError{Op: "decode", Err: ErrEmptyInput}
	}

	r := bytes.NewReader(b)
	msg, err := decoder.Decode(r, nil)
	if err != nil {
		return Frame{}, &FrameError{Op: "decode", Err: err}
	}
	if r.Len() > 0 {
		return Frame{}, &FrameError{Op: "decode", Err: fmt.Errorf("%w: %d", ErrTrailingBytes, r.Len())}
	}

	f := Frame{
		Headers: make(map[string]Value, len(msg.Headers)),
		Body:    msg.Payload,
	}
	for _, h := range msg.Headers {
		f.Headers[h.Name] = h.Value
	}
	return f, nil
}

// NewAudioEvent wraps 16-bit PCM in an outbound audio event. An empty pcm slice
// produces the end-of-input frame. Both carry the octet-stream content type.
func NewAudioEvent(pcm []byte) Frame {
	return Frame{
		Headers: map[string]Value{
			HeaderMessageType: StringValue(MessageTypeEvent),
			HeaderEventType:   StringValue(EventTypeAudio),
			HeaderContentType: StringValue(ContentTypeOctetStream),
		},
		Body: pcm,
	}
}

func IsEndOfStream(f Frame) bool {
	return f.MessageType() == MessageTypeEvent && f.EventType() == EventTypeAudio && len(f.Body) == 0
}
