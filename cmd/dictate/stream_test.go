package main

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

type slowTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	handler transcription.Handler
}

func (t *slowTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transcription.ErrTransportClosed
	}
	t.sent = append(t.sent, append([]byte(nil), msg...))
	return nil
}

func (t *slowTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h := t.handler
	t.mu.Unlock()
	go h.OnClose(transcription.CloseNormal, "")
	return nil
}

// slowDialer completes the handshake only after delay.
type slowDialer struct {
	delay     time.Duration
	transport *slowTransport
}

func (d *slowDialer) Dial(ctx context.Context, url string, h transcription.Handler) (transcription.Transport, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	d.transport.mu.Lock()
	d.transport.handler = h
	d.transport.mu.Unlock()
	return d.transport, nil
}

func TestStream_NoAudioLostDuringHandshake(t *testing.T) {
	samples := make([]float32, 4000)
	for i := range samples {
		samples[i] = 0.25
	}
	opts := options{format: "f32le", sampleRate: 16000}
	src, gate, err := newSource(bytesOfFloats(samples), opts)
	if err != nil {
		t.Fatalf("newSource: %v", err)
	}
	rec := &recordingSource{ReaderSource: src}

	d := &slowDialer{delay: 200 * time.Millisecond, transport: &slowTransport{}}
	creds := credentials.StaticProvider{Value: credentials.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	drain := 100 * time.Millisecond
	sess := transcription.New(transcription.Config{DrainTimeout: drain}, creds, d, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stream(ctx, sess, rec, gate, drain, func(transcription.Transcript) {}, func(error) {}, logger); err != nil {
		t.Fatalf("stream: %v", err)
	}

	d.transport.mu.Lock()
	defer d.transport.mu.Unlock()
	var audioBytes int
	for i, raw := range d.transport.sent {
		f, err := eventstream.Decode(raw)
		if err != nil {
			t.Fatalf("frame %d does not decode: %v", i, err)
		}
		last := i == len(d.transport.sent)-1
		if last && len(f.Body) != 0 {
			t.Errorf("expected empty end-of-input frame last, got %d bytes", len(f.Body))
		}
		audioBytes += len(f.Body)
	}
	if audioBytes != len(samples)*2 {
		t.Errorf("expected %d PCM bytes sent, got %d", len(samples)*2, audioBytes)
	}
}

func TestGatedReader(t *testing.T) {
	g := newGatedReader(bytesOfFloats([]float32{1}))
	read := make(chan int, 1)
	go func() {
		n, _ := g.Read(make([]byte, 4))
		read <- n
	}()

	select {
	case <-read:
		t.Fatal("read returned before the gate opened")
	case <-time.After(50 * time.Millisecond):
	}

	g.open()
	g.open()
	select {
	case n := <-read:
		if n != 4 {
			t.Errorf("expected 4 bytes, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("read still blocked after open")
	}
}
