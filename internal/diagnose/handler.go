package diagnose

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/eleven-am/dictation-backend/internal/shared"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	client *Client
	logger *slog.Logger
}

func NewHandler(client *Client, logger *slog.Logger) *Handler {
	return &Handler{
		client: client,
		logger: logger.With("component", "diagnose"),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Diagnose)
}

func (h *Handler) Diagnose(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}

	resp, err := h.client.Diagnose(c.Request().Context(), req.Notes)
	if err != nil {
		var serr *StatusError
		switch {
		case errors.Is(err, ErrEmptyNotes):
			return shared.BadRequest("empty_notes", err.Error())
		case errors.Is(err, ErrNotConfigured):
			return shared.ServiceUnavailable("diagnose_unavailable", err.Error())
		case errors.As(err, &serr):
			h.logger.Warn("diagnose api error", "status", serr.StatusCode, "body", serr.Body)
			return shared.BadGateway("diagnose_failed", serr.Error())
		}
		h.logger.Error("diagnose request failed", "error", err)
		return shared.BadGateway("diagnose_failed", "diagnose request failed")
	}

	return c.JSON(http.StatusOK, resp)
}
