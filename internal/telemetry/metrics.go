package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "coursegen_generations_enqueued_total", Help: "Generation jobs accepted by the API"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "coursegen_rate_limit_rejects_total", Help: "Generation requests rejected by the rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "coursegen_generations_completed_total", Help: "Generations completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "coursegen_generations_retried_total", Help: "Generation attempts that failed and will retry"})
	WorkerUnsuitable = prometheus.NewCounter(prometheus.CounterOpts{Name: "coursegen_generations_unsuitable_total", Help: "Generations rejected by the content policy"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "coursegen_generations_dead_letter_total", Help: "Generations moved to the DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "coursegen_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "coursegen_inflight", Help: "Generations running in this worker"})
	LeasedGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "coursegen_leased", Help: "Generations leased across all workers"})
	DueJobsGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "coursegen_jobs_due", Help: "Queued generations whose run time has passed, as seen by the store"})

	PollTicks           = prometheus.NewCounter(prometheus.CounterOpts{Name: "coursegen_poll_ticks_total", Help: "Status reads issued by pollers"})
	PollTransientErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "coursegen_poll_transient_errors_total", Help: "Status reads that failed and were retried"})
	PollOutcomes        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "coursegen_poll_outcomes_total", Help: "Finished waits by terminal phase"}, []string{"phase"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerUnsuitable,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			LeasedGauge,
			DueJobsGauge,
			PollTicks,
			PollTransientErrors,
			PollOutcomes,
		)
	})
}

// Handler exposes the /metrics HTTP handler.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
