// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Sessions
	SessionsActive  prometheus.Gauge
	SessionsStarted *prometheus.CounterVec // result=streaming|credential|metadata|join|duplicate
	SessionSetup    prometheus.Observer

	// Routing
	MessagesRouted  prometheus.Counter
	PersistFailures prometheus.Counter
	PublishFailures *prometheus.CounterVec // sink
	ArchiveFailures prometheus.Counter

	// Emotes
	EmoteFetchFailures *prometheus.CounterVec // provider, kind=channel|global
	EmoteIndexSize     prometheus.Observer

	// Control plane
	ControlRequests prometheus.Counter
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatrelay_sessions_active", Help: "Channel sessions currently streaming"})
		SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_sessions_started_total", Help: "Session start attempts by outcome"}, []string{"result"})
		SessionSetup = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatrelay_session_setup_duration_seconds", Help: "Time from request to streaming", Buckets: prometheus.DefBuckets})
		MessagesRouted = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_messages_routed_total", Help: "Chat messages enriched and routed"})
		PersistFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_persist_failures_total", Help: "Activity records that failed to persist"})
		PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_publish_failures_total", Help: "Presentation events that failed to publish"}, []string{"sink"})
		ArchiveFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_archive_failures_total", Help: "Messages that failed to archive"})
		EmoteFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_emote_fetch_failures_total", Help: "Emote provider requests that failed"}, []string{"provider", "kind"})
		EmoteIndexSize = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatrelay_emote_index_size", Help: "Emotes per built index", Buckets: prometheus.ExponentialBuckets(8, 2, 10)})
		ControlRequests = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_control_requests_total", Help: "Control-plane requests received"})
	})
}

// IncSessionStarted counts a session start outcome.
func IncSessionStarted(result string) {
	if SessionsStarted != nil {
		SessionsStarted.WithLabelValues(result).Inc()
	}
}

// AddActiveSessions moves the active-session gauge by delta.
func AddActiveSessions(delta float64) {
	if SessionsActive != nil {
		SessionsActive.Add(delta)
	}
}

// IncMessagesRouted counts one routed message.
func IncMessagesRouted() {
	if MessagesRouted != nil {
		MessagesRouted.Inc()
	}
}

// IncPersistFailure counts one failed activity write.
func IncPersistFailure() {
	if PersistFailures != nil {
		PersistFailures.Inc()
	}
}

// IncPublishFailure counts one failed publish on sink.
func IncPublishFailure(sink string) {
	if PublishFailures != nil {
		PublishFailures.WithLabelValues(sink).Inc()
	}
}

// IncArchiveFailure counts one failed archive insert.
func IncArchiveFailure() {
	if ArchiveFailures != nil {
		ArchiveFailures.Inc()
	}
}

// IncEmoteFetchFailure counts one failed provider request.
func IncEmoteFetchFailure(provider, kind string) {
	if EmoteFetchFailures != nil {
		EmoteFetchFailures.WithLabelValues(provider, kind).Inc()
	}
}

// ObserveIndexSize records the size of a built emote index.
func ObserveIndexSize(n int) {
	if EmoteIndexSize != nil {
		EmoteIndexSize.Observe(float64(n))
	}
}

// IncControlRequests counts one control-plane request.
func IncControlRequests() {
	if ControlRequests != nil {
		ControlRequests.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
