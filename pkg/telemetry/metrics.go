package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/pinning"
)

// Metrics provides Prometheus metrics for render passes.
type Metrics struct {
	config MetricsConfig

	// Render metrics
	rendersTotal    *prometheus.CounterVec
	renderDuration  *prometheus.HistogramVec
	configsRendered *prometheus.GaugeVec

	// Pinning cache metrics
	cacheOutcomes *prometheus.CounterVec
	fetchDuration prometheus.Histogram

	// Finding metrics
	staleMigrations  prometheus.Counter
	policyViolations *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

var _ pinning.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		rendersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renders_total",
				Help:      "Total number of render passes by outcome",
			},
			[]string{"status"},
		),
		renderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "render_duration_seconds",
				Help:      "Duration of render passes in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		configsRendered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "configurations",
				Help:      "Number of build configurations of the last render per platform",
			},
			[]string{"platform"},
		),

		cacheOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pinning",
				Name:      "cache_total",
				Help:      "Pinning cache lookups by outcome (hit, miss, revalidated, fallback, local)",
			},
			[]string{"outcome"},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pinning",
				Name:      "fetch_duration_seconds",
				Help:      "Duration of pinning fetches in seconds",
				Buckets:   buckets,
			},
		),

		staleMigrations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_migrations_total",
				Help:      "Migration overlays skipped because their target axes are gone",
			},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Policy violations by policy and severity",
			},
			[]string{"policy", "severity"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of render errors by class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of render errors by code",
			},
			[]string{"code"},
		),
	}

	collectors := []prometheus.Collector{
		m.rendersTotal,
		m.renderDuration,
		m.configsRendered,
		m.cacheOutcomes,
		m.fetchDuration,
		m.staleMigrations,
		m.policyViolations,
		m.errorsByClass,
		m.errorsByCode,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordRender records a finished render pass. A nil result leaves the
// per-platform gauge untouched.
func (m *Metrics) RecordRender(status engine.RenderStatus, duration time.Duration, result *engine.Result) {
	if m.rendersTotal == nil {
		return
	}
	m.rendersTotal.WithLabelValues(string(status)).Inc()
	m.renderDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	if result == nil {
		return
	}

	m.configsRendered.Reset()
	counts := make(map[engine.Platform]int)
	for _, c := range result.Configs {
		counts[c.Platform]++
	}
	for p, n := range counts {
		m.configsRendered.WithLabelValues(p.String()).Set(float64(n))
	}
	for _, w := range result.Warnings {
		if w.Kind == engine.WarningStaleMigration {
			m.staleMigrations.Inc()
		}
	}
}

// ObserveCache implements pinning.Observer.
func (m *Metrics) ObserveCache(outcome string, fetch time.Duration) {
	if m.cacheOutcomes == nil {
		return
	}
	m.cacheOutcomes.WithLabelValues(outcome).Inc()
	if fetch > 0 {
		m.fetchDuration.Observe(fetch.Seconds())
	}
}

// RecordPolicyViolation records one policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// RecordError records a render error by class and code. Errors that are not
// engine errors count as internal.
func (m *Metrics) RecordError(err error) {
	if m.errorsByClass == nil || err == nil {
		return
	}
	class, code := engine.ErrorClassInternal, engine.ErrCodeInternal
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		class, code = ee.Class, ee.Code
	}
	m.errorsByClass.WithLabelValues(string(class)).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics on
// ListenAddress. It returns once the listener is bound.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = m.server.Serve(ln)
	}()

	return nil
}

// Shutdown stops the metrics server, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
