package transcription

import (
	"fmt"
	"strconv"
	"time"

	"github.com/eleven-am/dictation-backend/internal/audio"
	"github.com/eleven-am/dictation-backend/internal/metrics"
)

const (
	DefaultRegion       = "eu-west-1"
	DefaultPath         = "/medical-stream-transcription-websocket"
	DefaultScheme       = "wss"
	DefaultLanguageCode = "en-US"
	DefaultSpecialty    = "PRIMARYCARE"
	DefaultType         = "DICTATION"
	DefaultURLExpiry    = 60 * time.Second
	DefaultDrainTimeout = 5 * time.Second

	serviceName   = "transcribe"
	mediaEncoding = "pcm"
)

type Config struct {
	Region string
	// Endpoint is host[:port]; it defaults to the regional streaming endpoint.
	Endpoint string
	Path     string
	Scheme   string

	LanguageCode string
	Specialty    string
	Type         string
	SampleRate   int

	// URLExpiry bounds the handshake: the presigned URL is rejected once it lapses.
	URLExpiry time.Duration
	// DrainTimeout is how long Stop waits for the service to close the stream
	// after the end-of-input frame.
	DrainTimeout time.Duration

	Metrics *metrics.Metrics
	Clock   func() time.Time
}

func DefaultEndpoint(region string) string {
	return fmt.Sprintf("transcribestreaming.%s.amazonaws.com:8443", region)
}

func (c Config) withDefaults() Config {
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint(c.Region)
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Scheme == "" {
		c.Scheme = DefaultScheme
	}
	if c.LanguageCode == "" {
		c.LanguageCode = DefaultLanguageCode
	}
	if c.Specialty == "" {
		c.Specialty = DefaultSpecialty
	}
	if c.Type == "" {
		c.Type = DefaultType
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.TargetSampleRate
	}
	if c.URLExpiry <= 0 {
		c.URLExpiry = DefaultURLExpiry
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Query returns the endpoint parameters signed into the stream URL.
func (c Config) Query() map[string]string {
	c = c.withDefaults()
	return map[string]string{
		"language-code":  c.LanguageCode,
		"media-encoding": mediaEncoding,
		"sample-rate":    strconv.Itoa(c.SampleRate),
		"specialty":      c.Specialty,
		"type":           c.Type,
	}
}
