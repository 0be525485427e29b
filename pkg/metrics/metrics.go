// Package metrics exposes Prometheus gauges and counters for the
// dispatcher loop, plus an optional loopback HTTP endpoint to scrape them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pushdaemon/pushd/pkg/pushlog"
)

var logger = pushlog.WithComponent("metrics")

var (
	RunningTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pushd_running_tasks",
		Help: "Number of tasks with a live supervised child process",
	})

	CompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushd_completed_total",
			Help: "Total tasks reaped, by terminal status",
		},
		[]string{"status"},
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushd_claims_total",
			Help: "Total atomic claim attempts, by outcome",
		},
		[]string{"outcome"},
	)

	PollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pushd_poll_duration_seconds",
		Help:    "Duration of a single dispatcher loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	CertaintyScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pushd_certainty_score",
		Help:    "Distribution of certainty scores assigned to dispatched tasks",
		Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushd_api_requests_total",
			Help: "Total remote API requests, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(RunningTasks)
	prometheus.MustRegister(CompletedTotal)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(PollDuration)
	prometheus.MustRegister(CertaintyScore)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server serves the scrape endpoint on a loopback listener, when enabled.
type Server struct {
	httpServer *http.Server
}

// NewServer returns a Server bound to addr (e.g. "127.0.0.1:9464").
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Start begins serving in the background. Listen failures are logged, not
// returned: a daemon should never fail to start because its metrics port
// could not bind.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the metrics server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Timer measures an operation's duration for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time without recording it.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
