package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joseph-ayodele/extraction-bench/internal/entity"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
)

// Collector exposes job and polling metrics per target.
type Collector struct {
	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobsInFlight *prometheus.GaugeVec
	jobDuration  *prometheus.HistogramVec
	pollAttempts *prometheus.HistogramVec
	pollErrors   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector registers the metrics with reg. A nil reg uses the default
// registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_jobs_started_total",
			Help: "Jobs recorded as processing",
		}, []string{"target"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_jobs_finished_total",
			Help: "Jobs that reached a terminal status",
		}, []string{"target", "status"}),
		jobsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "extraction_jobs_in_flight",
			Help: "Jobs currently processing",
		}, []string{"target"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extraction_job_duration_seconds",
			Help:    "Time from creation to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"target", "status"}),
		pollAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extraction_poll_attempts",
			Help:    "Status checks made per job",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 60},
		}, []string{"target"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_poll_transport_errors_total",
			Help: "Status checks that failed in transport and were retried",
		}, []string{"target"}),
	}
	reg.MustRegister(c.jobsStarted, c.jobsFinished, c.jobsInFlight, c.jobDuration, c.pollAttempts, c.pollErrors)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

func (c *Collector) JobStarted(targetID string) {
	c.jobsStarted.WithLabelValues(targetID).Inc()
	c.jobsInFlight.WithLabelValues(targetID).Inc()
}

func (c *Collector) JobFinished(job *entity.ProcessingJob, out *poller.Outcome) {
	status := string(job.Status)
	c.jobsInFlight.WithLabelValues(job.TargetID).Dec()
	c.jobsFinished.WithLabelValues(job.TargetID, status).Inc()
	c.jobDuration.WithLabelValues(job.TargetID, status).Observe(float64(job.DurationMs) / 1000)
	if out != nil {
		c.pollAttempts.WithLabelValues(job.TargetID).Observe(float64(out.Attempts))
		c.pollErrors.WithLabelValues(job.TargetID).Add(float64(out.TransportErrors))
	}
}

// Handler serves the registry this collector was registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve runs the /metrics endpoint until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
