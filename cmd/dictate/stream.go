package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/dictation-backend/internal/transcription"
)

// gatedReader blocks reads until open is called.
type gatedReader struct {
	r    io.Reader
	gate chan struct{}
	once sync.Once
}

func newGatedReader(r io.Reader) *gatedReader {
	return &gatedReader{r: r, gate: make(chan struct{})}
}

func (g *gatedReader) Read(p []byte) (int, error) {
	<-g.gate
	return g.r.Read(p)
}

func (g *gatedReader) open() {
	g.once.Do(func() { close(g.gate) })
}

// stream records src until it is exhausted, ctx ends, or the service closes the
// stream. Input stays gated until the stream is open, so nothing read is dropped
// during the handshake.
func stream(
	ctx context.Context,
	sess *transcription.Session,
	src *recordingSource,
	gate *gatedReader,
	drain time.Duration,
	onTranscript func(transcription.Transcript),
	onError func(error),
	logger *slog.Logger,
) error {
	defer gate.open()

	if err := sess.Start(ctx, src, onTranscript, onError); err != nil {
		return err
	}
	if err := sess.WaitStreaming(ctx); err != nil {
		_ = sess.Stop()
		return fmt.Errorf("open stream: %w", err)
	}
	gate.open()

	select {
	case <-src.Done():
		if err := src.Err(); err != nil {
			logger.Warn("input ended with error", "error", err)
		}
	case <-ctx.Done():
	case <-sess.Closed():
	}
	_ = sess.Stop()

	select {
	case <-sess.Closed():
	case <-time.After(drain + time.Second):
		sess.Abort()
		<-sess.Closed()
	}
	return nil
}
