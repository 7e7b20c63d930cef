package dictation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/dictation-backend/internal/audio"
	"github.com/eleven-am/dictation-backend/internal/capture"
	"github.com/eleven-am/dictation-backend/internal/credentials"
	"github.com/eleven-am/dictation-backend/internal/eventstream"
	"github.com/eleven-am/dictation-backend/internal/transcription"
	"github.com/google/uuid"
)

var (
	ErrRecordingInProgress = errors.New("recording already in progress")
	ErrSessionNotFound     = errors.New("dictation session not found")
	ErrTooManySessions     = errors.New("too many active dictation sessions")
	ErrManagerClosed       = errors.New("dictation manager closed")
)

const publishTimeout = 2 * time.Second

// Publisher fans events out beyond the connection that produced them.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type ManagerConfig struct {
	Transcription transcription.Config
	// MaxSessions caps concurrent recordings; zero means no cap.
	MaxSessions int
}

// Manager owns every live recording on this replica. A client key holds at most
// one recording at a time.
type Manager struct {
	cfg       ManagerConfig
	creds     credentials.Provider
	dialer    transcription.Dialer
	publisher Publisher
	logger    *slog.Logger

	mu         sync.RWMutex
	recordings map[string]*Recording
	byClient   map[string]*Recording
	closed     bool
}

func NewManager(cfg ManagerConfig, creds credentials.Provider, dialer transcription.Dialer, publisher Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		creds:      creds,
		dialer:     dialer,
		publisher:  publisher,
		logger:     logger.With("component", "dictation"),
		recordings: make(map[string]*Recording),
		byClient:   make(map[string]*Recording),
	}
}

// Start opens a recording for clientKey. sampleRate is the rate of the float32
// buffers the caller will push. onEvent may be nil.
func (m *Manager) Start(ctx context.Context, clientKey string, sampleRate int, onEvent func(Event)) (*Recording, error) {
	if sampleRate <= 0 {
		sampleRate = audio.SourceSampleRate
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, ok := m.byClient[clientKey]; ok {
		m.mu.Unlock()
		return nil, ErrRecordingInProgress
	}
	if m.cfg.MaxSessions > 0 && len(m.recordings) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}

	id := uuid.NewString()
	logger := m.logger.With("session_id", id)
	rec := &Recording{
		id:        id,
		clientKey: clientKey,
		rate:      sampleRate,
		startedAt: time.Now(),
		mgr:       m,
		source:    capture.NewPushSource(sampleRate),
		session:   transcription.New(m.cfg.Transcription, m.creds, m.dialer, logger),
		logger:    logger,
		onEvent:   onEvent,
		done:      make(chan struct{}),
	}
	m.recordings[id] = rec
	m.byClient[clientKey] = rec
	m.mu.Unlock()

	if err := rec.session.Start(ctx, rec.source, rec.handleTranscript, rec.handleError); err != nil {
		m.remove(rec)
		close(rec.done)
		logger.Warn("recording not started", "error", err)
		return nil, err
	}

	logger.Info("recording started", "client_key", clientKey, "sample_rate", sampleRate)
	go rec.watch()
	return rec, nil
}

func (m *Manager) Get(id string) (*Recording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recordings[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

func (m *Manager) HasActive(clientKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byClient[clientKey]
	return ok
}

func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	recs := make([]*Recording, 0, len(m.recordings))
	for _, rec := range m.recordings {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].startedAt.Before(recs[j].startedAt)
	})
	infos := make([]SessionInfo, len(recs))
	for i, rec := range recs {
		infos[i] = rec.Info()
	}
	return infos
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recordings)
}

// Close aborts every recording and waits for them to end or for ctx to expire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	recs := make([]*Recording, 0, len(m.recordings))
	for _, rec := range m.recordings {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	for _, rec := range recs {
		rec.Abort()
	}
	for _, rec := range recs {
		select {
		case <-rec.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(recs) > 0 {
		m.logger.Info("aborted recordings on shutdown", "count", len(recs))
	}
	return nil
}

func (m *Manager) remove(rec *Recording) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordings[rec.id] == rec {
		delete(m.recordings, rec.id)
	}
	if m.byClient[rec.clientKey] == rec {
		delete(m.byClient, rec.clientKey)
	}
}

func (m *Manager) publish(ev Event, logger *slog.Logger) {
	if m.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.publisher.Publish(ctx, ev); err != nil {
		logger.Warn("publish event failed", "type", ev.Type, "error", err)
	}
}

// Recording is one dictation: a push source fed by the client and the
// transcription session it drives.
type Recording struct {
	id        string
	clientKey string
	rate      int
	startedAt time.Time

	mgr     *Manager
	source  *capture.PushSource
	session *transcription.Session
	logger  *slog.Logger
	onEvent func(Event)

	emitMu    sync.Mutex
	startOnce sync.Once

	mu      sync.Mutex
	finals  []string
	partial string
	failed  bool

	done chan struct{}
}

func (r *Recording) ID() string { return r.id }

// Push feeds one buffer of float32 samples at the recording's sample rate.
// Buffers pushed after the recording stops are ignored.
func (r *Recording) Push(samples []float32) error {
	err := r.source.Push(samples)
	if errors.Is(err, capture.ErrStopped) {
		return nil
	}
	return err
}

// Stop sends end of input and lets the service finish the transcript.
func (r *Recording) Stop() error {
	return r.session.Stop()
}

func (r *Recording) Abort() {
	r.session.Abort()
}

// WaitStreaming blocks until audio is flowing to the service, the recording
// ended before that, or ctx is done.
func (r *Recording) WaitStreaming(ctx context.Context) error {
	return r.session.WaitStreaming(ctx)
}

// Done is closed once the recording has ended and its session_end event went out.
func (r *Recording) Done() <-chan struct{} {
	return r.done
}

// Transcript is every final result so far followed by the current partial.
func (r *Recording) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcriptLocked()
}

func (r *Recording) transcriptLocked() string {
	parts := make([]string, 0, len(r.finals)+1)
	parts = append(parts, r.finals...)
	if r.partial != "" {
		parts = append(parts, r.partial)
	}
	return strings.Join(parts, " ")
}

func (r *Recording) Info() SessionInfo {
	return SessionInfo{
		SessionID:  r.id,
		ClientKey:  r.clientKey,
		State:      r.session.State().String(),
		SampleRate: r.rate,
		StartedAt:  r.startedAt.UTC(),
		Transcript: r.Transcript(),
	}
}

func (r *Recording) handleTranscript(t transcription.Transcript) {
	r.announce()

	r.mu.Lock()
	if t.IsPartial {
		r.partial = t.Text
	} else {
		r.partial = ""
		if t.Text != "" {
			r.finals = append(r.finals, t.Text)
		}
	}
	text := r.transcriptLocked()
	r.mu.Unlock()

	r.emit(Event{
		Type:       EventTranscript,
		Text:       t.Text,
		IsPartial:  t.IsPartial,
		Transcript: text,
	})
}

func (r *Recording) handleError(err error) {
	switch r.session.State() {
	case transcription.StateStreaming, transcription.StateStopping, transcription.StateFaulted:
		r.announce()
	}

	r.mu.Lock()
	r.failed = true
	r.mu.Unlock()

	r.emit(Event{
		Type:  EventError,
		Code:  ErrorCode(err),
		Error: err.Error(),
	})
}

func (r *Recording) announce() {
	r.startOnce.Do(func() {
		r.emit(Event{Type: EventSessionStart})
	})
}

func (r *Recording) emit(ev Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	ev.SessionID = r.id
	ev.Timestamp = time.Now().UTC()
	if r.onEvent != nil {
		r.onEvent(ev)
	}
	r.mgr.publish(ev, r.logger)
}

func (r *Recording) watch() {
	defer close(r.done)

	if err := r.session.WaitStreaming(context.Background()); err == nil {
		r.announce()
	}
	<-r.session.Closed()

	r.mu.Lock()
	failed := r.failed
	text := r.transcriptLocked()
	r.mu.Unlock()

	outcome := OutcomeNormal
	if failed || r.session.State() == transcription.StateFaulted {
		outcome = OutcomeFaulted
	}
	r.mgr.remove(r)
	r.emit(Event{Type: EventSessionEnd, Transcript: text, Outcome: outcome})
	r.logger.Info("recording ended", "outcome", outcome)
}

// ErrorCode maps a session error to the code sent to clients.
func ErrorCode(err error) string {
	var (
		perr *eventstream.ProtocolError
		terr *transcription.TransportError
		cerr *transcription.CaptureError
		serr *transcription.SigningError
	)
	switch {
	case errors.As(err, &perr):
		return CodeStreamException
	case errors.Is(err, transcription.ErrHandshakeRejected):
		return CodeAuthenticationFailed
	case errors.As(err, &terr):
		return CodeTransportError
	case errors.As(err, &cerr):
		return CodeCaptureError
	case errors.As(err, &serr):
		return CodeNoCredentials
	}
	return CodeInternal
}
