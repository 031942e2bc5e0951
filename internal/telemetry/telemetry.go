// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/JakeFAU/ingestion-runtime/internal/config"
)

// --- METRIC DEFINITIONS ---

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
		},
		[]string{"method", "route"},
	)

	workerSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestion_worker_slots",
			Help: "Configured number of worker slots.",
		},
	)

	busyWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestion_busy_workers",
			Help: "Number of worker slots currently running a request.",
		},
	)

	queuedRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestion_queued_requests",
			Help: "Number of requests waiting for a free worker slot.",
		},
	)

	queueWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingestion_queue_wait_seconds",
			Help:    "Time requests spent waiting for a worker slot.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_requests_total",
			Help: "Requests by final outcome (completed, aborted, timed_out, rejected).",
		},
		[]string{"outcome"},
	)

	handlerErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestion_handler_errors_total",
			Help: "Requests whose handler failed or panicked.",
		},
	)

	fragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_fragments_total",
			Help: "Ingestion results, labeled by result (written, duplicate, discarded, failed).",
		},
		[]string{"result"},
	)

	consolidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_consolidations_total",
			Help: "Consolidation runs, labeled by result.",
		},
		[]string{"result"},
	)

	consolidatedFragmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestion_consolidated_fragments_total",
			Help: "Fragments merged into the master log and moved to processed.",
		},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	initErr   error
)

// --- INITIALIZATION ---

// InitTracerProvider installs the global tracer provider and W3C propagators.
// With tracing enabled, sampled spans are exported to Google Cloud Trace;
// otherwise spans are never sampled and only the incoming trace context is
// carried through for log correlation.
func InitTracerProvider(ctx context.Context, cfg config.TelemetryConfig) (*sdktrace.TracerProvider, error) {
	initOnce.Do(func() {
		var exporter sdktrace.SpanExporter
		if cfg.TracingEnabled {
			var opts []texporter.Option
			if cfg.ProjectID != "" {
				opts = append(opts, texporter.WithProjectID(cfg.ProjectID))
			}
			exp, err := texporter.New(opts...)
			if err != nil {
				initErr = fmt.Errorf("failed to create google trace exporter: %w", err)
				return
			}
			exporter = exp
		}

		tp, err := NewTracerProvider(ctx, cfg, exporter)
		if err != nil {
			initErr = err
			return
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)
		traceProv = tp
	})
	return traceProv, initErr
}

// NewTracerProvider builds a provider that batches sampled spans to exporter.
// A nil exporter keeps every span inside the process.
func NewTracerProvider(ctx context.Context, cfg config.TelemetryConfig, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.CloudProviderGCP,
			semconv.CloudPlatformGCPCloudRun,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.NeverSample()
	if cfg.TracingEnabled {
		sampler = sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Trace wraps next in an OpenTelemetry server span named operation.
func Trace(next http.Handler, operation string, opts ...otelhttp.Option) http.Handler {
	return otelhttp.NewHandler(next, operation, opts...)
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			routePattern = rctx.RoutePattern()
		}
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetWorkerSlots records the configured pool capacity.
func SetWorkerSlots(n int) {
	workerSlots.Set(float64(n))
}

// SetPoolUsage records the current busy and queued counts.
func SetPoolUsage(busy, queued int) {
	busyWorkers.Set(float64(busy))
	queuedRequests.Set(float64(queued))
}

// ObserveQueueWait records how long a request waited for a slot.
func ObserveQueueWait(d time.Duration) {
	queueWaitSeconds.Observe(d.Seconds())
}

// ObserveRequestOutcome counts a finished request by outcome.
func ObserveRequestOutcome(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHandlerError counts a failed or panicking handler.
func ObserveHandlerError() {
	handlerErrorsTotal.Inc()
}

// ObserveFragment counts an ingestion result.
func ObserveFragment(result string) {
	fragmentsTotal.WithLabelValues(result).Inc()
}

// ObserveConsolidation counts a consolidation run and the fragments it moved.
func ObserveConsolidation(result string, processed int) {
	consolidationsTotal.WithLabelValues(result).Inc()
	if processed > 0 {
		consolidatedFragmentsTotal.Add(float64(processed))
	}
}
