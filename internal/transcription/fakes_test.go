package transcription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/dictation-backend/internal/capture"
	"github.com/eleven-am/dictation-backend/internal/credentials"
	"github.com/eleven-am/dictation-backend/internal/eventstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
	handler Handler
}

func (t *fakeTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, append([]byte(nil), msg...))
	return nil
}

// Close mirrors a real transport: the close notification arrives asynchronously.
func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h := t.handler
	t.mu.Unlock()
	go h.close(CloseNormal, "")
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) frames(tb testing.TB) []eventstream.Frame {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]eventstream.Frame, 0, len(t.sent))
	for _, raw := range t.sent {
		f, err := eventstream.Decode(raw)
		if err != nil {
			tb.Fatalf("sent frame does not decode: %v", err)
		}
		out = append(out, f)
	}
	return out
}

// deliver simulates an inbound server message.
func (t *fakeTransport) deliver(msg []byte) {
	t.handler.message(msg)
}

// serverClose simulates the peer closing the stream.
func (t *fakeTransport) serverClose(code int, reason string) {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.handler.close(code, reason)
}

func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.handler.error(err)
	t.handler.close(CloseAbnormal, err.Error())
}

type fakeDialer struct {
	mu        sync.Mutex
	urls      []string
	transport *fakeTransport
	err       error
	gate      chan struct{}
	dialed    chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{transport: &fakeTransport{}, dialed: make(chan struct{}, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, h Handler) (Transport, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	gate := d.gate
	d.mu.Unlock()
	d.dialed <- struct{}{}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	d.transport.mu.Lock()
	d.transport.handler = h
	d.transport.mu.Unlock()
	return d.transport, nil
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

type failingSource struct{}

func (failingSource) Start(func([]float32)) error { return errors.New("permission denied") }
func (failingSource) Stop() error                 { return nil }
func (failingSource) SampleRate() int             { return 44100 }

type recorder struct {
	mu          sync.Mutex
	transcripts []Transcript
	errs        []error
}

func (r *recorder) onTranscript(t Transcript) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts = append(r.transcripts, t)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapshot() ([]Transcript, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transcript(nil), r.transcripts...), append([]error(nil), r.errs...)
}

var testCreds = credentials.StaticProvider{Value: credentials.Credentials{
	AccessKeyID:     "AKIDEXAMPLE",
	SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
	SessionToken:    "session-token",
}}

func newTestSession(d Dialer) *Session {
	return New(Config{DrainTimeout: time.Second}, testCreds, d, testLogger())
}

// startStreaming starts a session on a push source and waits for the stream to open.
func startStreaming(t *testing.T, s *Session, rec *recorder) *capture.PushSource {
	t.Helper()
	src := capture.NewPushSource(44100)
	if err := s.Start(context.Background(), src, rec.onTranscript, rec.onError); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitStreaming(ctx); err != nil {
		t.Fatalf("WaitStreaming error: %v", err)
	}
	return src
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to close")
	}
}

func eventFrame(t *testing.T, body string) []byte {
	t.Helper()
	raw, err := eventstream.Encode(eventstream.Frame{
		Headers: map[string]eventstream.Value{
			eventstream.HeaderMessageType: eventstream.StringValue(eventstream.MessageTypeEvent),
			eventstream.HeaderEventType:   eventstream.StringValue(eventstream.EventTypeTranscript),
			eventstream.HeaderContentType: eventstream.StringValue(eventstream.ContentTypeJSON),
		},
		Body: []byte(body),
	})
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	return raw
}

func exceptionFrame(t *testing.T, kind, message string) []byte {
	t.Helper()
	raw, err := eventstream.Encode(eventstream.Frame{
		Headers: map[string]eventstream.Value{
			eventstream.HeaderMessageType:   eventstream.StringValue(eventstream.MessageTypeException),
			eventstream.HeaderExceptionType: eventstream.StringValue(kind),
		},
		Body: []byte(`{"Message":"` + message + `"}`),
	})
	if err != nil {
		t.Fatalf("encode exception: %v", err)
	}
	return raw
}

func transcriptBody(text string, partial bool) string {
	p := "false"
	if partial {
		p = "true"
	}
	return `{"Transcript":{"Results":[{"IsPartial":` + p + `,"Alternatives":[{"Transcript":"` + text + `"}]}]}}`
}
