// Package metrics exposes lifecycle counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// DefaultReadTimeout is the read header timeout for the metrics server.
	DefaultReadTimeout = 10 * time.Second

	// DefaultWriteTimeout is the write timeout for the metrics server.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultIdleTimeout is the idle timeout for the metrics server.
	DefaultIdleTimeout = 60 * time.Second
)

// Metrics holds every collector the agent updates.
type Metrics struct {
	RouteChanges     prometheus.Counter
	ProbeAttempts    *prometheus.CounterVec
	CycleOutcomes    *prometheus.CounterVec
	Mounts           *prometheus.CounterVec
	Requests         *prometheus.CounterVec
	RequestsDropped  prometheus.Counter
	RequestDuration  prometheus.Histogram
	ThreadCaptureLen prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RouteChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replyassist",
			Name:      "route_changes_total",
			Help:      "Genuine route changes observed in the host page.",
		}),
		ProbeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replyassist",
			Name:      "probe_attempts_total",
			Help:      "Attachment probe invocations by scheduler.",
		}, []string{"scheduler"}),
		CycleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replyassist",
			Name:      "attach_cycles_total",
			Help:      "Finished attachment cycles by scheduler and terminal state.",
		}, []string{"scheduler", "state"}),
		Mounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replyassist",
			Name:      "surface_mounts_total",
			Help:      "Control surface mounts, split by fresh insert or adoption.",
		}, []string{"kind"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replyassist",
			Name:      "completion_requests_total",
			Help:      "Completion requests by variant and result.",
		}, []string{"variant", "result"}),
		RequestsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replyassist",
			Name:      "completion_requests_dropped_total",
			Help:      "Clicks ignored because a request was already in flight.",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "replyassist",
			Name:      "completion_request_duration_seconds",
			Help:      "Latency of completion requests.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		ThreadCaptureLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "replyassist",
			Name:      "thread_capture_bytes",
			Help:      "Length of the most recently captured thread content.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RouteChanges,
			m.ProbeAttempts,
			m.CycleOutcomes,
			m.Mounts,
			m.Requests,
			m.RequestsDropped,
			m.RequestDuration,
			m.ThreadCaptureLen,
		)
	}
	return m
}

// ObserveRequest records a finished completion.
func (m *Metrics) ObserveRequest(variant string, err error, d time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Requests.WithLabelValues(variant, result).Inc()
	m.RequestDuration.Observe(d.Seconds())
}

// Server serves /metrics for a registry on a dedicated address.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// NewServer builds a metrics server for the given gatherer.
func NewServer(addr string, g prometheus.Gatherer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
		log: log,
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting metrics server", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info("shutting down metrics server")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
