package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // second call must not re-register

	if SessionsActive == nil || SessionsStarted == nil || SessionSetup == nil {
		t.Error("session metrics not initialized")
	}
	if MessagesRouted == nil || PersistFailures == nil || PublishFailures == nil || ArchiveFailures == nil {
		t.Error("routing metrics not initialized")
	}
	if EmoteFetchFailures == nil || EmoteIndexSize == nil {
		t.Error("emote metrics not initialized")
	}
}

func TestCounterHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(SessionsStarted.WithLabelValues("join"))
	IncSessionStarted("join")
	if got := testutil.ToFloat64(SessionsStarted.WithLabelValues("join")); got != before+1 {
		t.Errorf("sessions_started{join} = %v, want %v", got, before+1)
	}

	beforeFail := testutil.ToFloat64(EmoteFetchFailures.WithLabelValues("bttv", "global"))
	IncEmoteFetchFailure("bttv", "global")
	IncEmoteFetchFailure("bttv", "global")
	if got := testutil.ToFloat64(EmoteFetchFailures.WithLabelValues("bttv", "global")); got != beforeFail+2 {
		t.Errorf("emote_fetch_failures{bttv,global} = %v, want %v", got, beforeFail+2)
	}

	beforeActive := testutil.ToFloat64(SessionsActive)
	AddActiveSessions(1)
	AddActiveSessions(-1)
	if got := testutil.ToFloat64(SessionsActive); got != beforeActive {
		t.Errorf("sessions_active = %v, want %v", got, beforeActive)
	}

	beforeRouted := testutil.ToFloat64(MessagesRouted)
	IncMessagesRouted()
	if got := testutil.ToFloat64(MessagesRouted); got != beforeRouted+1 {
		t.Errorf("messages_routed = %v, want %v", got, beforeRouted+1)
	}

	// Should not panic
	IncPersistFailure()
	IncPublishFailure("redis")
	IncArchiveFailure()
	IncControlRequests()
	ObserveIndexSize(42)
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()

	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	prometheus.MustRegister(testHistogram)
	defer prometheus.Unregister(testHistogram)

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil {
		t.Fatal("Histogram metric is nil")
	}
	if *metric.Histogram.SampleCount == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestTimeFuncNilObserver(t *testing.T) {
	ran := false
	TimeFunc(nil, func() { ran = true })
	if !ran {
		t.Error("TimeFunc did not run fn with nil observer")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty) = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation() = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}

func TestInitTracingDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracing("chat-relay", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	shutdown()
	if IsTracingEnabled() {
		t.Error("tracing should be disabled without an endpoint")
	}

	// spans still work against the global no-op provider
	_, span := StartSpan(WithCorrelation(context.Background(), "c1"), "test", "op", ChannelAttr("x"))
	SetSpanHTTPStatus(span, 503)
	SetSpanSuccess(span)
	span.End()
}

func TestSamplingRatio(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"", 1},
		{"0.25", 0.25},
		{"2", 1},
		{"nope", 1},
	}
	for _, tt := range tests {
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.in)
		if got := samplingRatio(); got != tt.want {
			t.Errorf("samplingRatio(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
