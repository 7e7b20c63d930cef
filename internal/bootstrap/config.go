package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eleven-am/dictation-backend/internal/audio"
	"github.com/eleven-am/dictation-backend/internal/transcription"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerAddr      string        `yaml:"server_addr"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	Environment     string        `yaml:"environment"`
	SentryDSN       string        `yaml:"sentry_dsn"`

	AWSRegion          string `yaml:"aws_region"`
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	AWSSessionToken    string `yaml:"aws_session_token"`
	AWSCredentialsFile string `yaml:"aws_credentials_file"`

	TranscribeEndpoint string        `yaml:"transcribe_endpoint"`
	LanguageCode       string        `yaml:"language_code"`
	Specialty          string        `yaml:"specialty"`
	TranscribeType     string        `yaml:"transcribe_type"`
	SampleRate         int           `yaml:"sample_rate"`
	URLExpiry          time.Duration `yaml:"url_expiry"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	MaxSessions        int           `yaml:"max_sessions"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	DiagnoseURL     string        `yaml:"diagnose_url"`
	DiagnoseTimeout time.Duration `yaml:"diagnose_timeout"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

func defaultConfig() *Config {
	return &Config{
		ServerAddr:      ":8080",
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
		Environment:     "development",

		AWSRegion:      transcription.DefaultRegion,
		LanguageCode:   transcription.DefaultLanguageCode,
		Specialty:      transcription.DefaultSpecialty,
		TranscribeType: transcription.DefaultType,
		SampleRate:     audio.TargetSampleRate,
		URLExpiry:      transcription.DefaultURLExpiry,
		DrainTimeout:   transcription.DefaultDrainTimeout,
		MaxSessions:    100,

		RedisAddr: "localhost:6379",

		DiagnoseTimeout: 30 * time.Second,

		RateLimitRPS:   1,
		RateLimitBurst: 5,
	}
}

// LoadConfig layers built-in defaults, the YAML file named by CONFIG_FILE, and
// environment variables, in that order.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.Getenv)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	env := envReader(getenv)

	c.ServerAddr = env.str("SERVER_ADDR", c.ServerAddr)
	c.LogLevel = env.str("LOG_LEVEL", c.LogLevel)
	c.ShutdownTimeout = env.duration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.AllowedOrigins = env.list("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.Environment = env.str("ENVIRONMENT", c.Environment)
	c.SentryDSN = env.str("SENTRY_DSN", c.SentryDSN)

	c.AWSRegion = env.str("AWS_REGION", c.AWSRegion)
	c.AWSAccessKeyID = env.str("AWS_ACCESS_KEY_ID", c.AWSAccessKeyID)
	c.AWSSecretAccessKey = env.str("AWS_SECRET_ACCESS_KEY", c.AWSSecretAccessKey)
	c.AWSSessionToken = env.str("AWS_SESSION_TOKEN", c.AWSSessionToken)
	c.AWSCredentialsFile = env.str("AWS_CREDENTIALS_FILE", c.AWSCredentialsFile)

	c.TranscribeEndpoint = env.str("TRANSCRIBE_ENDPOINT", c.TranscribeEndpoint)
	c.LanguageCode = env.str("TRANSCRIBE_LANGUAGE_CODE", c.LanguageCode)
	c.Specialty = env.str("TRANSCRIBE_SPECIALTY", c.Specialty)
	c.TranscribeType = env.str("TRANSCRIBE_TYPE", c.TranscribeType)
	c.SampleRate = env.int("TRANSCRIBE_SAMPLE_RATE", c.SampleRate)
	c.URLExpiry = env.duration("TRANSCRIBE_URL_EXPIRY", c.URLExpiry)
	c.DrainTimeout = env.duration("TRANSCRIBE_DRAIN_TIMEOUT", c.DrainTimeout)
	c.MaxSessions = env.int("MAX_SESSIONS", c.MaxSessions)

	c.RedisAddr = env.str("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = env.str("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = env.int("REDIS_DB", c.RedisDB)

	c.DiagnoseURL = env.str("DIAGNOSE_URL", c.DiagnoseURL)
	c.DiagnoseTimeout = env.duration("DIAGNOSE_TIMEOUT", c.DiagnoseTimeout)

	c.RateLimitRPS = env.float("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = env.int("RATE_LIMIT_BURST", c.RateLimitBurst)
}

func (c *Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.URLExpiry <= 0 || c.URLExpiry > 5*time.Minute {
		return fmt.Errorf("url_expiry must be between 1s and 5m, got %s", c.URLExpiry)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}

// envReader falls back to the current value when a variable is unset or does
// not parse.
type envReader func(string) string

func (e envReader) str(key, fallback string) string {
	if value := e(key); value != "" {
		return value
	}
	return fallback
}

func (e envReader) int(key string, fallback int) int {
	if value := e(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func (e envReader) float(key string, fallback float64) float64 {
	if value := e(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func (e envReader) duration(key string, fallback time.Duration) time.Duration {
	if value := e(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (e envReader) list(key string, fallback []string) []string {
	value := e(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
