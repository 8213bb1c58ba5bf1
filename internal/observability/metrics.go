package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	FirstAudioLatency   prometheus.Histogram
	EndToEndLatency     prometheus.Histogram

	QuotaRejections   *prometheus.CounterVec
	RerecordRequests  prometheus.Counter
	GeneratorRetries  prometheus.Counter
	DownloadFallbacks prometheus.Counter

	Stages *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active realtime voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Collaborator errors by adapter and error kind.",
		}, []string{"provider", "code"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from recording_stopped to the first tts_chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		EndToEndLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interaction_latency_ms",
			Help:      "Latency from recording_stopped to tts_done or offer_download in milliseconds.",
			Buckets:   []float64{200, 500, 1000, 2000, 3500, 5000, 8000, 12000, 20000},
		}),
		QuotaRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Recordings rejected by disk or size quota, by quota kind.",
		}, []string{"kind"}),
		RerecordRequests: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerecord_requests_total",
			Help:      "Times the controller asked the client to re-record an utterance.",
		}),
		GeneratorRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_retries_total",
			Help:      "Generator Adapter calls that failed after every retry attempt; individual retries are not counted.",
		}),
		DownloadFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_fallbacks_total",
			Help:      "Replies that fell back to a Download Handle instead of live playback.",
		}),
		Stages: NewStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveEndToEndLatency(d time.Duration) {
	m.EndToEndLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
