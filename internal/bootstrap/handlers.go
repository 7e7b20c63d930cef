package bootstrap

import (
	"log/slog"
	"os"

	"github.com/eleven-am/dictation-backend/internal/credentials"
	"github.com/eleven-am/dictation-backend/internal/diagnose"
	"github.com/eleven-am/dictation-backend/internal/dictation"
	"github.com/eleven-am/dictation-backend/internal/health"
	"github.com/eleven-am/dictation-backend/internal/metrics"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

const version = "1.0.0"

type HandlerParams struct {
	fx.In

	DictationHandler *dictation.Handler
	DiagnoseHandler  *diagnose.Handler
	HealthHandler    *health.Handler
	Metrics          *metrics.Metrics
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	api := e.Group("/api/v1")

	params.DictationHandler.RegisterRoutes(api.Group("/dictation"))
	params.DiagnoseHandler.RegisterRoutes(api.Group("/diagnose"))
	params.HealthHandler.RegisterRoutes(e)

	e.GET("/metrics", echo.WrapHandler(params.Metrics.Handler()))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

func ProvideDictationHandler(mgr *dictation.Manager, bridge *dictation.Bridge, cfg *Config, logger *slog.Logger) *dictation.Handler {
	limits := dictation.DefaultRateLimiterConfig()
	limits.RequestsPerSecond = cfg.RateLimitRPS
	limits.Burst = cfg.RateLimitBurst
	return dictation.NewHandler(mgr, bridge, limits, logger.With("handler", "dictation"))
}

func ProvideDiagnoseHandler(cfg *Config, logger *slog.Logger) *diagnose.Handler {
	client := diagnose.NewClient(diagnose.Config{
		BaseURL: cfg.DiagnoseURL,
		Timeout: cfg.DiagnoseTimeout,
	})
	return diagnose.NewHandler(client, logger.With("handler", "diagnose"))
}

func ProvideHealthHandler(events health.Pinger, creds credentials.Provider, mgr *dictation.Manager) *health.Handler {
	return health.NewHandler(events, creds, mgr, version)
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideLogger,
		ProvideDictationHandler,
		ProvideDiagnoseHandler,
		ProvideHealthHandler,
	),
	fx.Invoke(RegisterRoutes),
)
