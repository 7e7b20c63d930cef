package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

const sentryFlushTimeout = 2 * time.Second

// ErrorReporter forwards server faults to Sentry. A reporter without a DSN is a
// no-op.
type ErrorReporter struct {
	enabled bool
}

func ProvideErrorReporter(lc fx.Lifecycle, cfg *Config, logger *slog.Logger) *ErrorReporter {
	if cfg.SentryDSN == "" {
		return &ErrorReporter{}
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          "dictation-backend@" + version,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
	})
	if err != nil {
		logger.Warn("sentry init failed", "error", err)
		return &ErrorReporter{}
	}
	logger.Info("sentry initialized", "environment", cfg.Environment)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sentry.Flush(sentryFlushTimeout)
			return nil
		},
	})
	return &ErrorReporter{enabled: true}
}

// Middleware reports panics and 5xx errors with the request attached. Panics
// are re-raised for the recover middleware to answer.
func (r *ErrorReporter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if !r.enabled {
			return next
		}
		return func(c echo.Context) error {
			hub := sentry.CurrentHub().Clone()
			hub.Scope().SetRequest(c.Request())
			hub.Scope().SetTag("route", c.Path())

			defer func() {
				if p := recover(); p != nil {
					hub.RecoverWithContext(c.Request().Context(), p)
					hub.Flush(sentryFlushTimeout)
					panic(p)
				}
			}()

			err := next(c)
			if err != nil && serverFault(err) {
				hub.CaptureException(err)
			}
			return err
		}
	}
}

func serverFault(err error) bool {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code >= http.StatusInternalServerError
	}
	return true
}
