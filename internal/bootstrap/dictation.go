package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/dictation-backend/internal/credentials"
	"github.com/eleven-am/dictation-backend/internal/dictation"
	"github.com/eleven-am/dictation-backend/internal/metrics"
	"github.com/eleven-am/dictation-backend/internal/transcription"
	"go.uber.org/fx"
)

func ProvideTranscriptionConfig(cfg *Config, m *metrics.Metrics) transcription.Config {
	return transcription.Config{
		Region:       cfg.AWSRegion,
		Endpoint:     cfg.TranscribeEndpoint,
		LanguageCode: cfg.LanguageCode,
		Specialty:    cfg.Specialty,
		Type:         cfg.TranscribeType,
		SampleRate:   cfg.SampleRate,
		URLExpiry:    cfg.URLExpiry,
		DrainTimeout: cfg.DrainTimeout,
		Metrics:      m,
	}
}

func ProvideDialer(logger *slog.Logger) transcription.Dialer {
	return transcription.NewWebSocketDialer(logger)
}

func ProvideManager(
	lc fx.Lifecycle,
	cfg *Config,
	sttConfig transcription.Config,
	creds credentials.Provider,
	dialer transcription.Dialer,
	publisher dictation.Publisher,
	logger *slog.Logger,
) *dictation.Manager {
	mgr := dictation.NewManager(dictation.ManagerConfig{
		Transcription: sttConfig,
		MaxSessions:   cfg.MaxSessions,
	}, creds, dialer, publisher, logger)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mgr.Close(ctx)
		},
	})
	return mgr
}

var DictationModule = fx.Options(
	fx.Provide(
		ProvideTranscriptionConfig,
		ProvideDialer,
		ProvideManager,
	),
)
