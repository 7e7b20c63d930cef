package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/dictation-backend/internal/credentials"
	"github.com/eleven-am/dictation-backend/internal/dictation"
	"github.com/eleven-am/dictation-backend/internal/health"
	"github.com/eleven-am/dictation-backend/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// ProvideRedisClient returns nil when no address is configured; transcript
// fan-out is then disabled.
func ProvideRedisClient(lc fx.Lifecycle, cfg *Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvideBridge(client *redis.Client, logger *slog.Logger) *dictation.Bridge {
	if client == nil {
		return nil
	}
	return dictation.NewBridge(client, logger)
}

// ProvideEventsPinger keeps a missing bridge a nil interface rather than a
// typed nil.
func ProvideEventsPinger(bridge *dictation.Bridge) health.Pinger {
	if bridge == nil {
		return nil
	}
	return bridge
}

func ProvidePublisher(bridge *dictation.Bridge) dictation.Publisher {
	if bridge == nil {
		return nil
	}
	return bridge
}

// ProvideCredentialHolder fills the holder from the configured credentials
// file, if any. A file that cannot be read fails startup.
func ProvideCredentialHolder(cfg *Config, logger *slog.Logger) (*credentials.Holder, error) {
	holder := credentials.NewHolder()
	if cfg.AWSCredentialsFile == "" {
		return holder, nil
	}
	if err := holder.Load(cfg.AWSCredentialsFile); err != nil {
		return nil, err
	}
	logger.Info("loaded temporary credentials", "file", cfg.AWSCredentialsFile)
	return holder, nil
}

// ProvideCredentials tries exchanged credentials first, then keys from
// configuration, then the process environment, on every retrieval. An expired
// holder falls through to the next provider.
func ProvideCredentials(cfg *Config, holder *credentials.Holder) credentials.Provider {
	chain := credentials.Chain{holder}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		chain = append(chain, credentials.StaticProvider{Value: credentials.Credentials{
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			SessionToken:    cfg.AWSSessionToken,
		}})
	}
	return append(chain, credentials.NewEnvProvider())
}

func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

var InfrastructureModule = fx.Options(
	fx.Provide(
		ProvideRedisClient,
		ProvideBridge,
		ProvideEventsPinger,
		ProvidePublisher,
		ProvideCredentialHolder,
		ProvideCredentials,
		ProvideMetrics,
	),
)
