package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BuildsIngested      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "collector_builds_ingested_total", Help: "Build records written to the sink"}, []string{"source"})
	BuildsRejected      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "collector_builds_rejected_total", Help: "Build records refused by the sink as malformed"}, []string{"source"})
	FetchFailures       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "collector_build_fetch_failures_total", Help: "Build detail fetches that failed after retries"}, []string{"source"})
	BatchesWritten      = prometheus.NewCounter(prometheus.CounterOpts{Name: "collector_batches_written_total", Help: "Batches accepted by the sink"})
	BatchWriteRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "collector_batch_write_retries_total", Help: "Batch write attempts retried after a transient sink error"})
	BatchWriteFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "collector_batch_write_failures_total", Help: "Batches abandoned after exhausting sink retries"})
	CyclesTotal         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "collector_cycles_total", Help: "Completed poll cycles by outcome"}, []string{"outcome"})
	JobsSkippedInFlight = prometheus.NewCounter(prometheus.CounterOpts{Name: "collector_jobs_skipped_inflight_total", Help: "Job polls skipped because a previous poll was still running"})
	JobsInFlight        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "collector_jobs_inflight", Help: "Job polls currently running"})
	BatchBufferSize     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "collector_batch_buffer_size", Help: "Records buffered and awaiting a sink flush"})
	LastCycleUnix       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "collector_last_cycle_unix_seconds", Help: "Completion time of the most recent poll cycle"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BuildsIngested,
			BuildsRejected,
			FetchFailures,
			BatchesWritten,
			BatchWriteRetries,
			BatchWriteFailures,
			CyclesTotal,
			JobsSkippedInFlight,
			JobsInFlight,
			BatchBufferSize,
			LastCycleUnix,
		)
	})
	return promhttp.Handler()
}
