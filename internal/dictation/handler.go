package dictation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/eleven-am/dictation-backend/internal/shared"
	"github.com/eleven-am/dictation-backend/internal/transcription"
	"github.com/labstack/echo/v4"
)

const (
	sseKeepAliveInterval = 30 * time.Second

	minSampleRate = 8000
	maxSampleRate = 192000
)

type Handler struct {
	manager *Manager
	bridge  *Bridge
	limiter echo.MiddlewareFunc
	logger  *slog.Logger
}

// NewHandler wires the dictation routes. bridge may be nil, in which case the
// event stream endpoint answers 503.
func NewHandler(manager *Manager, bridge *Bridge, limits RateLimiterConfig, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		bridge:  bridge,
		limiter: RateLimiter(limits),
		logger:  logger.With("component", "dictation_handler"),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.Stream, h.limiter)
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:session_id", h.GetSession)
	g.POST("/sessions/:session_id/stop", h.StopSession)
	g.GET("/sessions/:session_id/events", h.Events)
}

// Stream upgrades to a websocket and runs one recording over it.
func (h *Handler) Stream(c echo.Context) error {
	rate, err := parseSampleRate(c.QueryParam("sample_rate"))
	if err != nil {
		return shared.BadRequest("invalid_sample_rate", err.Error())
	}

	key := ClientKey(c)
	if h.manager.HasActive(key) {
		return shared.Conflict("recording_in_progress", ErrRecordingInProgress.Error())
	}

	events := newEventQueue(h.logger)
	rec, err := h.manager.Start(c.Request().Context(), key, rate, events.push)
	if err != nil {
		return startError(err)
	}
	logger := h.logger.With("session_id", rec.ID())

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		rec.Abort()
		return err
	}
	defer ws.Close()

	logger.Info("dictation client connected", "client_key", key, "sample_rate", rate)
	newWSClient(ws, rec, events, logger).serve()
	logger.Info("dictation client disconnected")
	return nil
}

func (h *Handler) ListSessions(c echo.Context) error {
	sessions := h.manager.List()
	return c.JSON(http.StatusOK, SessionsResponse{
		Total:    len(sessions),
		Sessions: sessions,
	})
}

func (h *Handler) GetSession(c echo.Context) error {
	rec, err := h.manager.Get(c.Param("session_id"))
	if err != nil {
		return shared.NotFound("session_not_found", err.Error())
	}
	return c.JSON(http.StatusOK, rec.Info())
}

func (h *Handler) StopSession(c echo.Context) error {
	rec, err := h.manager.Get(c.Param("session_id"))
	if err != nil {
		return shared.NotFound("session_not_found", err.Error())
	}
	if err := rec.Stop(); err != nil {
		return shared.InternalError("stop_failed", err.Error())
	}
	return c.JSON(http.StatusAccepted, rec.Info())
}

// Events streams a session's events as server-sent events. The session may be
// recording on any replica.
func (h *Handler) Events(c echo.Context) error {
	if h.bridge == nil {
		return shared.ServiceUnavailable("events_unavailable", "event fan-out is not configured")
	}

	sessionID := c.Param("session_id")
	ctx := c.Request().Context()
	events, err := h.bridge.Subscribe(ctx, sessionID)
	if err != nil {
		h.logger.Error("subscribe to session events failed", "error", err, "session_id", sessionID)
		return shared.ServiceUnavailable("events_unavailable", "could not subscribe to session events")
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ticker := time.NewTicker(sseKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSE(w, ev); err != nil {
				return nil
			}
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return nil
			}
			w.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func writeSSE(w *echo.Response, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func parseSampleRate(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("sample_rate must be an integer")
	}
	if rate < minSampleRate || rate > maxSampleRate {
		return 0, errors.New("sample_rate out of range")
	}
	return rate, nil
}

func startError(err error) *echo.HTTPError {
	var (
		serr *transcription.SigningError
		cerr *transcription.CaptureError
	)
	switch {
	case errors.Is(err, ErrRecordingInProgress):
		return shared.Conflict("recording_in_progress", err.Error())
	case errors.Is(err, ErrTooManySessions):
		return shared.TooManyRequests("too_many_sessions", err.Error())
	case errors.Is(err, ErrManagerClosed):
		return shared.ServiceUnavailable("shutting_down", err.Error())
	case errors.As(err, &serr):
		return shared.ServiceUnavailable(CodeNoCredentials, "transcription credentials unavailable")
	case errors.As(err, &cerr):
		return shared.InternalError(CodeCaptureError, err.Error())
	}
	return shared.InternalError(CodeInternal, err.Error())
}
