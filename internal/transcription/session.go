package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/dictation-backend/internal/audio"
	"github.com/eleven-am/dictation-backend/internal/capture"
	"github.com/eleven-am/dictation-backend/internal/credentials"
	"github.com/eleven-am/dictation-backend/internal/eventstream"
	"github.com/eleven-am/dictation-backend/internal/signer"
)

// Session streams one recording at a time to the medical transcription service.
//
// State changes happen under mu. Transport writes happen under sendMu, so audio
// frames and the end-of-input frame never interleave. Callbacks run with no lock
// held, which makes Stop and Abort safe to call from inside them.
type Session struct {
	cfg    Config
	creds  credentials.Provider
	dialer Dialer
	signer *signer.Signer
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	run            *run
	last           *run
	transportFault bool
	serverFault    bool

	sendMu sync.Mutex
}

// run is the per-Start context every callback is bound to. Notifications from a
// run that is no longer current are ignored.
type run struct {
	src          capture.Source
	onTranscript func(Transcript)
	onError      func(error)

	cancel    context.CancelFunc
	transport Transport
	streaming bool
	err       error

	ready       chan struct{}
	done        chan struct{}
	releaseOnce sync.Once
	doneOnce    sync.Once

	drainMu sync.Mutex
	drain   *time.Timer
}

func New(cfg Config, creds credentials.Provider, dialer Dialer, logger *slog.Logger) *Session {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		creds:  creds,
		dialer: dialer,
		signer: signer.New("GET", cfg.Endpoint, cfg.Path, cfg.Region, serviceName).WithClock(cfg.Clock),
		logger: logger.With("component", "transcription"),
	}
}

// Start begins capture from src and opens the stream. It returns after capture is
// running and the dial is under way; WaitStreaming reports when audio starts to
// flow. Capture and signing failures are returned directly and leave the session
// Idle. Later failures go to onError.
func (s *Session) Start(ctx context.Context, src capture.Source, onTranscript func(Transcript), onError func(error)) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateFaulted:
		s.mu.Unlock()
		return ErrSessionFaulted
	default:
		s.mu.Unlock()
		return ErrSessionActive
	}
	r := &run{
		src:          src,
		onTranscript: onTranscript,
		onError:      onError,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.state = StateStarting
	s.run = r
	s.last = r
	s.transportFault = false
	s.serverFault = false
	s.mu.Unlock()

	if err := src.Start(func(buf []float32) { s.handleAudio(r, buf) }); err != nil {
		s.abandon(r, &CaptureError{Err: err})
		s.logger.Warn("capture start failed", "error", err)
		return r.err
	}

	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		r.releaseCapture()
		s.abandon(r, &SigningError{Err: err})
		s.logger.Warn("credentials unavailable", "error", err)
		return r.err
	}
	url := s.presign(creds)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.URLExpiry)
	s.mu.Lock()
	r.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("stream connecting", "host", s.signer.Host(), "language", s.cfg.LanguageCode, "specialty", s.cfg.Specialty)
	go s.dial(dialCtx, r, url)
	return nil
}

func (s *Session) presign(c credentials.Credentials) string {
	return s.signer.Presign(signer.EmptyPayloadHash, signer.Options{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		Protocol:        s.cfg.Scheme,
		Query:           s.cfg.Query(),
		Expires:         int(s.cfg.URLExpiry / time.Second),
	})
}

// abandon returns a run that never reached the transport to Idle.
func (s *Session) abandon(r *run, err error) {
	s.mu.Lock()
	if s.run == r {
		s.run = nil
		s.state = StateIdle
	}
	r.err = err
	s.mu.Unlock()
	r.finish()
}

func (s *Session) dial(ctx context.Context, r *run, url string) {
	t, err := s.dialer.Dial(ctx, url, Handler{
		OnMessage: func(msg []byte) { s.handleMessage(r, msg) },
		OnError:   func(err error) { s.handleTransportError(r, err) },
		OnClose:   func(code int, reason string) { s.handleClose(r, code, reason) },
	})

	s.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	if s.run != r || s.state != StateStarting {
		s.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	if err != nil {
		// A handshake that outlives the presigned URL is an authentication failure.
		if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: no handshake within url expiry %s: %w", ErrHandshakeRejected, s.cfg.URLExpiry, err)
		}
		terr := &TransportError{Err: err}
		s.run = nil
		s.state = StateIdle
		r.err = terr
		s.mu.Unlock()

		s.logger.Error("stream dial failed", "error", err)
		s.cfg.Metrics.TransportFault()
		r.releaseCapture()
		r.notifyError(terr)
		r.finish()
		return
	}
	r.transport = t
	r.streaming = true
	s.state = StateStreaming
	close(r.ready)
	s.mu.Unlock()

	s.cfg.Metrics.SessionStarted()
	s.logger.Info("stream open")
}

func (s *Session) handleAudio(r *run, buf []float32) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	ok := s.run == r && s.state == StateStreaming
	t := r.transport
	s.mu.Unlock()
	if !ok {
		return
	}

	pcm := audio.EncodePCM16(audio.Resample(buf, r.src.SampleRate(), s.cfg.SampleRate))
	if len(pcm) == 0 {
		return
	}
	frame, err := eventstream.Encode(eventstream.NewAudioEvent(pcm))
	if err != nil {
		s.logger.Error("encode audio event failed", "error", err)
		return
	}
	if err := t.Send(frame); err != nil {
		s.logger.Warn("send audio event failed", "error", err)
		return
	}
	s.cfg.Metrics.FrameSent(len(pcm))
}

func (s *Session) handleMessage(r *run, msg []byte) {
	if !s.isCurrent(r) {
		return
	}
	s.cfg.Metrics.FrameReceived()

	frame, err := eventstream.Decode(msg)
	if err != nil {
		s.cfg.Metrics.FrameError()
		s.logger.Warn("dropping malformed frame", "error", err, "bytes", len(msg))
		return
	}

	ev, err := eventstream.ParseMessage(frame)
	var perr *eventstream.ProtocolError
	if errors.As(err, &perr) {
		s.mu.Lock()
		s.serverFault = true
		s.mu.Unlock()
		s.cfg.Metrics.ProtocolFault()
		s.logger.Warn("stream exception", "type", perr.ExceptionType, "message", perr.Message)
		r.notifyError(perr)
		return
	}
	if err != nil {
		s.cfg.Metrics.FrameError()
		s.logger.Warn("dropping unparseable event", "error", err, "event_type", frame.EventType())
		return
	}

	result, alt, ok := ev.Top()
	if !ok {
		return
	}
	s.cfg.Metrics.Transcript(result.IsPartial)
	if r.onTranscript != nil {
		r.onTranscript(Transcript{
			Text:      alt.Transcript,
			IsPartial: result.IsPartial,
			Results:   ev.Transcript.Results,
		})
	}
}

func (s *Session) handleTransportError(r *run, err error) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	first := !s.transportFault
	s.transportFault = true
	s.mu.Unlock()

	s.cfg.Metrics.TransportFault()
	s.logger.Error("stream transport error", "error", err)
	if first {
		r.notifyError(&TransportError{Err: err})
	}
}

func (s *Session) handleClose(r *run, code int, reason string) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	abnormal := !s.transportFault && !s.serverFault && code != CloseNormal
	outcome := "normal"
	if code != CloseNormal || s.transportFault {
		s.state = StateFaulted
		outcome = "faulted"
	} else {
		s.state = StateIdle
	}
	s.run = nil
	streamed := r.streaming
	s.mu.Unlock()

	r.stopDrain()
	r.releaseCapture()
	if streamed {
		s.cfg.Metrics.SessionEnded(outcome)
	}

	if abnormal {
		s.cfg.Metrics.TransportFault()
		s.logger.Error("stream closed abnormally", "code", code, "reason", reason)
		r.notifyError(&TransportError{Code: code, Reason: reason})
	} else {
		s.logger.Info("stream closed", "code", code, "outcome", outcome)
	}
	r.finish()
}

// Stop ends the recording. While connecting it cancels the dial and returns to
// Idle. While streaming it sends the end-of-input frame, releases capture, and
// lets the service close the stream, forcing the close after DrainTimeout. Any
// other state is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	r := s.run
	switch s.state {
	case StateStarting:
		s.run = nil
		s.state = StateIdle
		cancel := r.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		r.releaseCapture()
		r.finish()
		s.logger.Info("stream connect cancelled")
		return nil

	case StateStreaming:
		s.state = StateStopping
		t := r.transport
		s.mu.Unlock()

		s.sendMu.Lock()
		err := s.sendEndOfStream(t)
		s.sendMu.Unlock()

		r.releaseCapture()
		if err != nil {
			s.logger.Warn("end of input not sent", "error", err)
			_ = t.Close()
			return nil
		}
		r.armDrain(s.cfg.DrainTimeout, func() {
			s.logger.Warn("stream drain timed out", "timeout", s.cfg.DrainTimeout)
			_ = t.Close()
		})
		s.logger.Info("stream stopping")
		return nil
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) sendEndOfStream(t Transport) error {
	frame, err := eventstream.Encode(eventstream.NewAudioEvent(nil))
	if err != nil {
		return err
	}
	return t.Send(frame)
}

// Abort releases capture and closes the transport without draining.
func (s *Session) Abort() {
	s.mu.Lock()
	r := s.run
	switch s.state {
	case StateStarting:
		s.mu.Unlock()
		_ = s.Stop()
		return
	case StateStreaming, StateStopping:
		s.state = StateStopping
		t := r.transport
		s.mu.Unlock()

		r.stopDrain()
		r.releaseCapture()
		_ = t.Close()
		return
	}
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) TransportFault() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportFault
}

func (s *Session) ServerFault() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverFault
}

// WaitStreaming blocks until the latest run is streaming, has ended, or ctx is done.
func (s *Session) WaitStreaming(ctx context.Context) error {
	s.mu.Lock()
	r := s.last
	s.mu.Unlock()
	if r == nil {
		return ErrStopped
	}

	select {
	case <-r.ready:
		return nil
	case <-r.done:
		select {
		case <-r.ready:
			return nil
		default:
		}
		s.mu.Lock()
		err := r.err
		s.mu.Unlock()
		if err == nil {
			err = ErrStopped
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed is closed when the latest run has fully ended, after its last error
// notification.
func (s *Session) Closed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.last.done
}

func (s *Session) isCurrent(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run == r
}

func (r *run) releaseCapture() {
	r.releaseOnce.Do(func() {
		_ = r.src.Stop()
	})
}

func (r *run) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *run) notifyError(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}

func (r *run) armDrain(d time.Duration, fn func()) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	r.drain = time.AfterFunc(d, fn)
}

func (r *run) stopDrain() {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	if r.drain != nil {
		r.drain.Stop()
	}
}
