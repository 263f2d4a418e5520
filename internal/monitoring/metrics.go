package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AcquisitionsTotal counts acquisition attempts by method and outcome
	AcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackline_acquisitions_total",
			Help: "Total number of stream acquisition attempts",
		},
		[]string{"method", "outcome"},
	)

	// AcquisitionDuration tracks per-method attempt duration in seconds
	AcquisitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackline_acquisition_duration_seconds",
			Help:    "Acquisition attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 13), // 50ms to ~3.4min
		},
		[]string{"method"},
	)

	// ChainExhaustedTotal counts tracks for which every method failed
	ChainExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackline_chain_exhausted_total",
			Help: "Number of acquisitions where every method failed",
		},
	)

	// CacheLookups counts cache lookups by result (hit, miss, invalid)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackline_cache_lookups_total",
			Help: "Audio cache lookups",
		},
		[]string{"result"},
	)

	// CacheEvictions counts files removed by TTL or size checks
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackline_cache_evictions_total",
			Help: "Audio cache files evicted",
		},
	)

	// ActivePipelineJobs tracks download+transcode jobs in flight
	ActivePipelineJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackline_pipeline_jobs_active",
			Help: "Number of active download pipeline jobs",
		},
	)

	// PipelineJobsTotal counts finished pipeline jobs by status
	PipelineJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackline_pipeline_jobs_total",
			Help: "Finished download pipeline jobs",
		},
		[]string{"status"},
	)

	// PipelineBytesTotal tracks bytes written into the cache
	PipelineBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackline_pipeline_bytes_total",
			Help: "Total bytes placed into the cache by the pipeline",
		},
	)

	// ActiveStreams tracks live audio streams held against the global ceiling
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackline_streams_active",
			Help: "Number of live audio streams",
		},
	)

	// QueueTransitions counts playback state transitions
	QueueTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackline_queue_transitions_total",
			Help: "Playback state machine transitions",
		},
		[]string{"from", "to"},
	)

	// ProviderRequests counts resolver provider calls by provider and status
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackline_provider_requests_total",
			Help: "Resolver provider requests",
		},
		[]string{"provider", "status"},
	)

	// ProviderRequestDuration tracks resolver provider latency
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackline_provider_request_duration_seconds",
			Help:    "Resolver provider request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// ErrorsTotal tracks errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackline_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)

// RecordAcquisition records one method attempt
func RecordAcquisition(method, outcome string, duration time.Duration) {
	AcquisitionsTotal.WithLabelValues(method, outcome).Inc()
	AcquisitionDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache lookup result
func RecordCacheLookup(result string) {
	CacheLookups.WithLabelValues(result).Inc()
}

// RecordJobStart records the start of a pipeline job
func RecordJobStart() {
	ActivePipelineJobs.Inc()
}

// RecordJobComplete records a completed pipeline job
func RecordJobComplete(bytes int64) {
	PipelineJobsTotal.WithLabelValues("completed").Inc()
	PipelineBytesTotal.Add(float64(bytes))
	ActivePipelineJobs.Dec()
}

// RecordJobFailed records a failed or cancelled pipeline job
func RecordJobFailed(status, errorType string) {
	PipelineJobsTotal.WithLabelValues(status).Inc()
	ErrorsTotal.WithLabelValues(errorType).Inc()
	ActivePipelineJobs.Dec()
}

// RecordTransition records a playback state transition
func RecordTransition(from, to string) {
	QueueTransitions.WithLabelValues(from, to).Inc()
}

// RecordProviderRequest records a resolver provider call
func RecordProviderRequest(provider, status string, duration time.Duration) {
	ProviderRequests.WithLabelValues(provider, status).Inc()
	ProviderRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordError records an error
func RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}
