// Package metrics exposes run progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	reg prometheus.Gatherer

	iterations   *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	activeTasks  prometheus.Gauge
	generations  *prometheus.CounterVec
	rateLimited  prometheus.Counter
	toolDuration *prometheus.HistogramVec
	toolTimeouts *prometheus.CounterVec
	diagnostics  *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	taskScore    *prometheus.HistogramVec
}

// New registers the driverbench metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,

		iterations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverbench_iterations_total",
			Help: "Iterations evaluated by compile outcome",
		}, []string{"compiled"}),

		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverbench_tasks_total",
			Help: "Tasks finished by terminal status",
		}, []string{"status"}),

		activeTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "driverbench_active_tasks",
			Help: "Tasks currently owned by a worker",
		}),

		generations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverbench_generations_total",
			Help: "Model calls by result",
		}, []string{"result"}),

		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "driverbench_rate_limited_total",
			Help: "Model calls rejected for rate limiting",
		}),

		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "driverbench_tool_duration_seconds",
			Help:    "Compiler and analyzer wall time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"tool"}),

		toolTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverbench_tool_timeouts_total",
			Help: "Tool invocations killed by their time budget",
		}, []string{"tool"}),

		diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverbench_diagnostics_total",
			Help: "Parsed diagnostics by origin and kind",
		}, []string{"origin", "kind"}),

		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverbench_tokens_total",
			Help: "Model tokens by direction",
		}, []string{"direction"}),

		taskScore: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "driverbench_task_score",
			Help:    "Per-task scores",
			Buckets: []float64{0, 0.25, 0.5, 0.75, 1},
		}, []string{"score"}),
	}
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.reg
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.activeTasks.Inc()
}

func (m *Metrics) TaskFinished(status string, compile, warningHandling float64) {
	if m == nil {
		return
	}
	m.activeTasks.Dec()
	m.tasks.WithLabelValues(status).Inc()
	if status != "cancelled" {
		m.taskScore.WithLabelValues("compile").Observe(compile)
		m.taskScore.WithLabelValues("warning_handling").Observe(warningHandling)
	}
}

func (m *Metrics) Iteration(compiled bool) {
	if m == nil {
		return
	}
	label := "false"
	if compiled {
		label = "true"
	}
	m.iterations.WithLabelValues(label).Inc()
}

// Generation records a model call; result is ok, error or no_source.
func (m *Metrics) Generation(result string, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(result).Inc()
	m.tokens.WithLabelValues("prompt").Add(float64(promptTokens))
	m.tokens.WithLabelValues("completion").Add(float64(completionTokens))
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) Tool(tool string, d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
	if timedOut {
		m.toolTimeouts.WithLabelValues(tool).Inc()
	}
}

func (m *Metrics) Diagnostic(origin, kind string) {
	if m == nil {
		return
	}
	m.diagnostics.WithLabelValues(origin, kind).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *Metrics, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
