// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal       *prometheus.CounterVec
	crawlerBytesTotal       prometheus.Counter
	pipelineStepSeconds     *prometheus.HistogramVec
	pipelineStepsTotal      *prometheus.CounterVec
	vectorOpsTotal          *prometheus.CounterVec
	embeddingsTotal         prometheus.Counter
	chunksIndexedTotal      prometheus.Counter
	documentsProcessedTotal *prometheus.CounterVec
	workerTasksTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragline_crawler_pages_total",
				Help: "Total number of pages processed by the crawler, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ragline_crawler_bytes_total",
				Help: "Total number of content bytes fetched.",
			},
		)

		pipelineStepSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ragline_pipeline_step_duration_seconds",
				Help:    "Duration of pipeline step executions.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		)

		pipelineStepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragline_pipeline_steps_total",
				Help: "Total pipeline step executions, labeled by step and status.",
			},
			[]string{"step", "status"},
		)

		vectorOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragline_vector_ops_total",
				Help: "Vector index operations, labeled by operation and result.",
			},
			[]string{"op", "result"},
		)

		embeddingsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ragline_embeddings_total",
				Help: "Total embeddings generated.",
			},
		)

		chunksIndexedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ragline_chunks_indexed_total",
				Help: "Total chunks written to the vector index.",
			},
		)

		documentsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragline_documents_processed_total",
				Help: "Documents that finished the pipeline, labeled by result.",
			},
			[]string{"result"},
		)

		workerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragline_worker_tasks_total",
				Help: "Tasks consumed from the queue, labeled by type and result.",
			},
			[]string{"type", "result"},
		)
	})
}

// RecordPage counts one crawler page outcome (fetched, skipped, error,
// not_modified).
func RecordPage(outcome string) {
	if crawlerPagesTotal != nil {
		crawlerPagesTotal.WithLabelValues(outcome).Inc()
	}
}

// AddBytes counts fetched content bytes.
func AddBytes(n int64) {
	if crawlerBytesTotal != nil && n > 0 {
		crawlerBytesTotal.Add(float64(n))
	}
}

// ObserveStep records one pipeline step execution.
func ObserveStep(step, status string, d time.Duration) {
	if pipelineStepSeconds != nil {
		pipelineStepSeconds.WithLabelValues(step).Observe(d.Seconds())
	}
	if pipelineStepsTotal != nil {
		pipelineStepsTotal.WithLabelValues(step, status).Inc()
	}
}

// RecordVectorOp counts one vector index call.
func RecordVectorOp(op, result string) {
	if vectorOpsTotal != nil {
		vectorOpsTotal.WithLabelValues(op, result).Inc()
	}
}

// RecordEmbedding counts one generated embedding.
func RecordEmbedding() {
	if embeddingsTotal != nil {
		embeddingsTotal.Inc()
	}
}

// RecordChunkIndexed counts one chunk written to the vector index.
func RecordChunkIndexed() {
	if chunksIndexedTotal != nil {
		chunksIndexedTotal.Inc()
	}
}

// RecordDocument counts one completed pipeline run (indexed or failed).
func RecordDocument(result string) {
	if documentsProcessedTotal != nil {
		documentsProcessedTotal.WithLabelValues(result).Inc()
	}
}

// RecordTask counts one consumed worker task.
func RecordTask(taskType, result string) {
	if workerTasksTotal != nil {
		workerTasksTotal.WithLabelValues(taskType, result).Inc()
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
