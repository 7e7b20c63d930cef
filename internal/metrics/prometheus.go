package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dictation"

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge

	// Stream metrics
	FramesSent      prometheus.Counter
	FramesReceived  prometheus.Counter
	FrameErrors     prometheus.Counter
	AudioBytesSent  prometheus.Counter
	ProtocolFaults  prometheus.Counter
	TransportFaults prometheus.Counter
	Transcripts     *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of transcription sessions that reached streaming",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of transcription sessions ended, by outcome",
		}, []string{"outcome"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of streaming transcription sessions",
		}),

		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of audio event frames sent upstream",
		}),
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of inbound event-stream frames",
		}),
		FrameErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Total number of inbound frames dropped as malformed",
		}),
		AudioBytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Total PCM16 bytes sent upstream",
		}),
		ProtocolFaults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_faults_total",
			Help:      "Total number of exception messages received from the stream service",
		}),
		TransportFaults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_faults_total",
			Help:      "Total number of transport errors and abnormal closes",
		}),
		Transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Total number of transcripts delivered, by kind",
		}, []string{"kind"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records a session leaving the streaming state.
func (m *Metrics) SessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(outcome).Inc()
	m.ActiveSessions.Dec()
}

func (m *Metrics) FrameSent(payloadBytes int) {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
	m.AudioBytesSent.Add(float64(payloadBytes))
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *Metrics) FrameError() {
	if m == nil {
		return
	}
	m.FrameErrors.Inc()
}

func (m *Metrics) ProtocolFault() {
	if m == nil {
		return
	}
	m.ProtocolFaults.Inc()
}

func (m *Metrics) TransportFault() {
	if m == nil {
		return
	}
	m.TransportFaults.Inc()
}

func (m *Metrics) Transcript(partial bool) {
	if m == nil {
		return
	}
	kind := "final"
	if partial {
		kind = "partial"
	}
	m.Transcripts.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
