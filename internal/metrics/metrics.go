// Package metrics defines the minimal instrumentation surface the ingestion
// pipeline emits through. Backends (internal/metrics/datadog) implement it;
// core code depends only on this package.
package metrics

// Labels attach low-cardinality dimensions to a metric sample.
type Labels map[string]string

// Metric names emitted by the pipeline. Backends may subset them.
const (
	// JobsTotal counts finished jobs. Labels: status.
	JobsTotal = "ingest_jobs_total"

	// RowsTotal counts processed rows. Labels: outcome
	// (inserted, duplicate, error).
	RowsTotal = "ingest_rows_total"

	// BatchesTotal counts committed batches.
	BatchesTotal = "ingest_batches_total"

	// JobDurationSeconds observes wall time per finished job. Labels: status.
	JobDurationSeconds = "ingest_job_duration_seconds"

	// BatchDurationSeconds observes wall time per committed batch.
	BatchDurationSeconds = "ingest_batch_duration_seconds"
)

// Backend receives metric samples. Implementations must be safe for
// concurrent use; calls sit on the row hot path and should not block.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Nop discards all samples. The default when no backend is configured.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
