package dictation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/dictation-backend/internal/credentials"
	"github.com/eleven-am/dictation-backend/internal/eventstream"
	"github.com/eleven-am/dictation-backend/internal/transcription"
)

const (
	partialText = "patient"
	finalText   = "patient reports headache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testCreds = credentials.StaticProvider{Value: credentials.Credentials{
	AccessKeyID:     "AKIDEXAMPLE",
	SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
}}

// scriptedTransport answers every audio event with a partial transcript and the
// end-of-input frame with a final transcript followed by a normal close.
type scriptedTransport struct {
	h         transcription.Handler
	exception string
	inbox     chan []byte

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func newScriptedTransport(h transcription.Handler, exception string) *scriptedTransport {
	t := &scriptedTransport{
		h:         h,
		exception: exception,
		inbox:     make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *scriptedTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transcription.ErrTransportClosed
	}
	select {
	case t.inbox <- append([]byte(nil), msg...):
	default:
	}
	return nil
}

func (t *scriptedTransport) Close() error {
	go t.closeWith(transcription.CloseNormal)
	return nil
}

func (t *scriptedTransport) closeWith(code int) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
		t.h.OnClose(code, "")
	})
}

func (t *scriptedTransport) loop() {
	for {
		select {
		case raw := <-t.inbox:
			f, err := eventstream.Decode(raw)
			if err != nil {
				continue
			}
			if t.exception != "" {
				t.h.OnMessage(mustFrame(eventstream.Frame{
					Headers: map[string]eventstream.Value{
						eventstream.HeaderMessageType:   eventstream.StringValue(eventstream.MessageTypeException),
						eventstream.HeaderExceptionType: eventstream.StringValue(t.exception),
					},
					Body: []byte(`{"Message":"rejected"}`),
				}))
				t.closeWith(transcription.CloseNormal)
				return
			}
			if eventstream.IsEndOfStream(f) {
				t.h.OnMessage(transcriptFrame(finalText, false))
				t.closeWith(transcription.CloseNormal)
				return
			}
			t.h.OnMessage(transcriptFrame(partialText, true))
		case <-t.done:
			return
		}
	}
}

type scriptedDialer struct {
	err       error
	exception string

	mu    sync.Mutex
	dials int
}

func (d *scriptedDialer) Dial(ctx context.Context, url string, h transcription.Handler) (transcription.Transport, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return newScriptedTransport(h, d.exception), nil
}

func transcriptFrame(text string, partial bool) []byte {
	p := "false"
	if partial {
		p = "true"
	}
	return mustFrame(eventstream.Frame{
		Headers: map[string]eventstream.Value{
			eventstream.HeaderMessageType: eventstream.StringValue(eventstream.MessageTypeEvent),
			eventstream.HeaderEventType:   eventstream.StringValue(eventstream.EventTypeTranscript),
		},
		Body: []byte(`{"Transcript":{"Results":[{"IsPartial":` + p + `,"Alternatives":[{"Transcript":"` + text + `"}]}]}}`),
	})
}

func mustFrame(f eventstream.Frame) []byte {
	raw, err := eventstream.Encode(f)
	if err != nil {
		panic(err)
	}
	return raw
}

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) add(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *eventCollector) types() []EventType {
	events := c.snapshot()
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

type publisherFunc func(ctx context.Context, ev Event) error

func (f publisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

func newTestManager(d transcription.Dialer, pub Publisher, maxSessions int) *Manager {
	return NewManager(ManagerConfig{
		Transcription: transcription.Config{DrainTimeout: time.Second},
		MaxSessions:   maxSessions,
	}, testCreds, d, pub, testLogger())
}

func waitDone(t *testing.T, rec *Recording) {
	t.Helper()
	select {
	case <-rec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recording to end")
	}
}

func waitStreaming(t *testing.T, rec *Recording) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.WaitStreaming(ctx); err != nil {
		t.Fatalf("WaitStreaming error: %v", err)
	}
}

func equalTypes(got, want []EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
