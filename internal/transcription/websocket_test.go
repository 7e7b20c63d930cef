package transcription

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/dictation-backend/internal/capture"
	"github.com/eleven-am/dictation-backend/internal/eventstream"
	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type closeEvent struct {
	code   int
	reason string
}

type handlerRecorder struct {
	mu       sync.Mutex
	messages [][]byte
	errs     []error
	closes   chan closeEvent
}

func newHandlerRecorder() *handlerRecorder {
	return &handlerRecorder{closes: make(chan closeEvent, 4)}
}

func (r *handlerRecorder) handler() Handler {
	return Handler{
		OnMessage: func(msg []byte) {
			r.mu.Lock()
			r.messages = append(r.messages, msg)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnClose: func(code int, reason string) { r.closes <- closeEvent{code, reason} },
	}
}

func (r *handlerRecorder) waitClose(t *testing.T) closeEvent {
	t.Helper()
	select {
	case ev := <-r.closes:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
	return closeEvent{}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialer_EchoAndPeerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, data, err := conn.ReadMessage()
		if err != nil || mt != websocket.BinaryMessage {
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, data)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	rec := newHandlerRecorder()
	tr, err := NewWebSocketDialer(testLogger()).Dial(context.Background(), wsURL(srv), rec.handler())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	if err := tr.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	ev := rec.waitClose(t)
	if ev.code != CloseNormal || ev.reason != "done" {
		t.Errorf("expected normal close with reason, got %+v", ev)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 1 || string(rec.messages[0]) != "\x01\x02\x03" {
		t.Errorf("expected echoed message, got %v", rec.messages)
	}
	if len(rec.errs) != 0 {
		t.Errorf("expected no errors, got %v", rec.errs)
	}
	if err := tr.Send([]byte{4}); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed after close, got %v", err)
	}
}

func TestWebSocketDialer_LocalClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := newHandlerRecorder()
	tr, err := NewWebSocketDialer(testLogger()).Dial(context.Background(), wsURL(srv), rec.handler())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if ev := rec.waitClose(t); ev.code != CloseNormal {
		t.Errorf("expected normal close, got %+v", ev)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestWebSocketDialer_AbruptDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	rec := newHandlerRecorder()
	_, err := NewWebSocketDialer(testLogger()).Dial(context.Background(), wsURL(srv), rec.handler())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	if ev := rec.waitClose(t); ev.code != CloseAbnormal {
		t.Errorf("expected abnormal close, got %+v", ev)
	}
}

func TestWebSocketDialer_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "signature expired", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewWebSocketDialer(testLogger()).Dial(context.Background(), wsURL(srv), Handler{})
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Errorf("expected ErrHandshakeRejected, got %v", err)
	}
}

func TestWebSocketDialer_HandshakeOtherStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewWebSocketDialer(testLogger()).Dial(context.Background(), wsURL(srv), Handler{})
	if err == nil || errors.Is(err, ErrHandshakeRejected) {
		t.Errorf("expected a non-auth dial error, got %v", err)
	}
}

// fakeStreamService accepts audio events and answers each one with a transcript,
// closing normally once it sees the end-of-input frame.
func fakeStreamService(gotQuery chan<- string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery <- r.URL.RawQuery
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := eventstream.Decode(data)
			if err != nil {
				return
			}
			if eventstream.IsEndOfStream(f) {
				body := `{"Transcript":{"Results":[{"IsPartial":false,"Alternatives":[{"Transcript":"patient reports headache"}]}]}}`
				_ = conn.WriteMessage(websocket.BinaryMessage, mustEncodeTranscript(body))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_, _, _ = conn.ReadMessage()
				return
			}
			body := `{"Transcript":{"Results":[{"IsPartial":true,"Alternatives":[{"Transcript":"patient"}]}]}}`
			_ = conn.WriteMessage(websocket.BinaryMessage, mustEncodeTranscript(body))
		}
	}))
}

func mustEncodeTranscript(body string) []byte {
	raw, err := eventstream.Encode(eventstream.Frame{
		Headers: map[string]eventstream.Value{
			eventstream.HeaderMessageType: eventstream.StringValue(eventstream.MessageTypeEvent),
			eventstream.HeaderEventType:   eventstream.StringValue(eventstream.EventTypeTranscript),
		},
		Body: []byte(body),
	})
	if err != nil {
		panic(err)
	}
	return raw
}

func TestSession_OverWebSocket(t *testing.T) {
	gotQuery := make(chan string, 1)
	srv := fakeStreamService(gotQuery)
	defer srv.Close()

	cfg := Config{
		Scheme:   "ws",
		Endpoint: strings.TrimPrefix(srv.URL, "http://"),
	}
	s := New(cfg, testCreds, NewWebSocketDialer(testLogger()), testLogger())

	rec := &recorder{}
	src := capture.NewPushSource(44100)
	if err := s.Start(context.Background(), src, rec.onTranscript, rec.onError); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitStreaming(ctx); err != nil {
		t.Fatalf("WaitStreaming error: %v", err)
	}

	query := <-gotQuery
	if !strings.Contains(query, "X-Amz-Signature=") || !strings.Contains(query, "specialty=PRIMARYCARE") {
		t.Errorf("unexpected handshake query %s", query)
	}

	_ = src.Push(make([]float32, 4096))
	deadline := time.After(2 * time.Second)
	for {
		if transcripts, _ := rec.snapshot(); len(transcripts) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for partial transcript")
		case <-time.After(10 * time.Millisecond):
		}
	}

	_ = s.Stop()
	waitClosed(t, s)

	transcripts, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	if len(transcripts) != 2 {
		t.Fatalf("expected partial and final transcripts, got %v", transcripts)
	}
	if !transcripts[0].IsPartial || transcripts[1].IsPartial || transcripts[1].Text != "patient reports headache" {
		t.Errorf("unexpected transcripts %+v", transcripts)
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle, got %s", s.State())
	}
}
