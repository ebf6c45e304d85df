// Package job runs ingestion jobs. The orchestrator re-reads an analyzed
// upload with the options its analysis was produced with, feeds rows through
// the fact loader on a bounded worker pool, and owns the job record: it is
// the only writer of counters, progress, and status, persisting them at
// batch boundaries.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"warehouse/internal/catalog"
	"warehouse/internal/dimension"
	"warehouse/internal/fact"
	"warehouse/internal/filestore"
	"warehouse/internal/metrics"
	"warehouse/internal/model"
	"warehouse/internal/profile"
	"warehouse/internal/storage"
)

// Logger is the minimal logging surface the orchestrator needs.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Config tunes orchestration.
type Config struct {
	// BatchSize is the number of rows read, processed, and committed per
	// batch. Zero means 500.
	BatchSize int

	// Workers is the size of the row worker pool per batch. Zero means 4.
	Workers int

	// Timeout bounds a job's wall time. The run context carries it as a
	// deadline, so blocked row work is interrupted mid-batch; the TIMEOUT
	// status is settled at the next batch boundary. Zero means no limit.
	Timeout time.Duration

	// MaxRetries bounds retries of infrastructure failures (row inserts,
	// job/error persistence). Zero means 3.
	MaxRetries uint64

	// RetryInterval is the initial backoff interval. Zero keeps the
	// exponential backoff default.
	RetryInterval time.Duration

	// Metrics receives counters and durations. Nil means discard.
	Metrics metrics.Backend

	// Logger receives progress lines. Nil means discard.
	Logger Logger
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop{}
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	return c
}

// Handle is the cancellation token for one running job. Cancel is observed
// at the next batch boundary; rows of the current batch still finish.
type Handle struct {
	jobID     string
	cancelled atomic.Bool
	done      chan struct{}
}

func NewHandle(jobID string) *Handle {
	return &Handle{jobID: jobID, done: make(chan struct{})}
}

func (h *Handle) JobID() string { return h.jobID }

// Cancel requests cooperative cancellation. Idempotent.
func (h *Handle) Cancel() { h.cancelled.Store(true) }

func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Done is closed when Run returns, whatever the terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Orchestrator executes processing jobs against a repository and a file
// store. One Orchestrator serves many jobs; per-job state lives in Run.
type Orchestrator struct {
	repo  storage.Repository
	files filestore.Store
	cfg   Config

	now func() time.Time
}

func NewOrchestrator(repo storage.Repository, files filestore.Store, cfg Config) *Orchestrator {
	return &Orchestrator{
		repo:  repo,
		files: files,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// rowItem is one data row queued for a batch worker.
type rowItem struct {
	num int
	rec []string
}

// Run executes one job to a terminal status.
//
// The job must be PENDING. Row-scoped failures are recorded and do not stop
// the run; infrastructure failures are retried with exponential backoff and
// fail the job when retries are exhausted. The returned error reports why a
// job could not reach COMPLETED or PARTIALLY_COMPLETED; the persisted job
// record carries the same information.
//
// Edge cases:
//   - h may be nil when the caller never cancels.
//   - An upload whose stream cannot be decoded fails the job with a
//     MALFORMED_INPUT error on record.
//   - A re-uploaded file produces only duplicate outcomes and still ends
//     COMPLETED.
func (o *Orchestrator) Run(ctx context.Context, h *Handle, j *model.ProcessingJob, a *model.Analysis, mappings []model.ColumnMapping, fcfg fact.Config) error {
	if h == nil {
		h = NewHandle(j.ID)
	}
	defer close(h.done)

	start := o.now()
	var deadline time.Time
	if o.cfg.Timeout > 0 {
		deadline = start.Add(o.cfg.Timeout)
		// The deadline rides the context too, so a file read, dimension
		// lookup, or fact write that hangs mid-batch is interrupted instead
		// of stalling the job past its bound.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	if !j.Status.CanTransition(model.JobRunning) {
		return fmt.Errorf("job %s: cannot start from status %s", j.ID, j.Status)
	}
	j.Status = model.JobRunning
	j.StartedAt = start
	if j.TotalRecords == 0 {
		j.TotalRecords = a.RowCount
	}
	if j.BatchSize == 0 {
		j.BatchSize = o.cfg.BatchSize
	}
	if err := o.persistJob(ctx, j); err != nil {
		return fmt.Errorf("job %s: persist start: %w", j.ID, err)
	}
	o.cfg.Logger.Printf("job %s: started file=%s rows=%d batch=%d workers=%d",
		j.ID, a.FileName, j.TotalRecords, j.BatchSize, o.cfg.Workers)

	if fcfg.SourceFile == "" {
		fcfg.SourceFile = a.FileName
	}
	dims := dimension.NewResolver(o.repo)
	cat := catalog.New(o.repo)
	loader, err := fact.NewLoader(o.repo, dims, cat, a, mappings, fcfg)
	if err != nil {
		return o.fail(ctx, h, j, start, model.ErrTypeMalformedInput, fmt.Sprintf("invalid mapping plan: %v", err))
	}

	rc, err := o.files.Open(ctx, a.UploadRef)
	if err != nil {
		return o.fail(ctx, h, j, start, model.ErrTypeInfrastructure, fmt.Sprintf("open upload %s: %v", a.UploadRef, err))
	}
	defer rc.Close()

	rr, err := profile.NewRowReader(rc, profile.Options{
		Delimiter: a.Delimiter,
		HasHeader: a.HasHeader,
		Encoding:  a.Encoding,
	})
	if err != nil {
		return o.fail(ctx, h, j, start, model.ErrTypeMalformedInput, err.Error())
	}

	rowNum := 0
	for {
		// Cancellation, context, and deadline are checked only here, so a
		// committed batch is never half-observed.
		if h.Cancelled() || errors.Is(ctx.Err(), context.Canceled) {
			return o.finish(ctx, j, start, model.JobCancelled, "cancelled")
		}
		if (!deadline.IsZero() && o.now().After(deadline)) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return o.finish(ctx, j, start, model.JobTimeout,
				fmt.Sprintf("exceeded timeout of %s", o.cfg.Timeout))
		}

		items, readErr := readBatch(rr, j.BatchSize, &rowNum)
		if len(items) > 0 {
			if err := o.runBatch(ctx, h, j, loader, items); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return o.fail(ctx, h, j, start, model.ErrTypeMalformedInput,
				fmt.Sprintf("read row %d: %v", rowNum+1, readErr))
		}
	}

	status := model.JobCompleted
	if j.ErrorRecords > 0 {
		status = model.JobPartiallyCompleted
	}
	return o.finish(ctx, j, start, status, "")
}

// readBatch reads up to n data rows, numbering them from *next+1. It returns
// the rows read before any error; io.EOF signals a clean end of stream.
func readBatch(rr *profile.RowReader, n int, next *int) ([]rowItem, error) {
	items := make([]rowItem, 0, n)
	for len(items) < n {
		rec, err := rr.Read()
		if err != nil {
			return items, err
		}
		*next++
		items = append(items, rowItem{num: *next, rec: rec})
	}
	return items, nil
}

// runBatch processes one batch on the worker pool, folds the results into
// the job's counters, and persists errors and progress.
func (o *Orchestrator) runBatch(ctx context.Context, h *Handle, j *model.ProcessingJob, loader *fact.Loader, items []rowItem) error {
	batchStart := o.now()

	results, err := o.processRows(ctx, loader, items)
	if err != nil {
		if h.Cancelled() || errors.Is(err, context.Canceled) {
			return o.finish(ctx, j, j.StartedAt, model.JobCancelled, "cancelled")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return o.finish(ctx, j, j.StartedAt, model.JobTimeout, "deadline exceeded")
		}
		return o.fail(ctx, h, j, j.StartedAt, model.ErrTypeInfrastructure, err.Error())
	}

	var batchErrs []model.ProcessingError
	for _, res := range results {
		j.ProcessedRecords++
		rowErrored := false
		for _, pe := range res.Errs {
			pe.JobID = j.ID
			batchErrs = append(batchErrs, pe)
			if pe.Type.CountsAsError() {
				rowErrored = true
			}
		}
		if rowErrored {
			j.ErrorRecords++
		}
		o.cfg.Metrics.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"outcome": outcomeLabel(res.Outcome)})
	}
	j.Progress = progress(j.ProcessedRecords, j.TotalRecords)

	if len(batchErrs) > 0 {
		if err := o.retry(ctx, func() error { return o.repo.AddErrors(ctx, batchErrs) }); err != nil {
			return o.fail(ctx, h, j, j.StartedAt, model.ErrTypeInfrastructure,
				fmt.Sprintf("record row errors: %v", err))
		}
	}
	if err := o.persistJob(ctx, j); err != nil {
		return o.fail(ctx, h, j, j.StartedAt, model.ErrTypeInfrastructure,
			fmt.Sprintf("persist progress: %v", err))
	}

	o.cfg.Metrics.IncCounter(metrics.BatchesTotal, 1, nil)
	o.cfg.Metrics.ObserveHistogram(metrics.BatchDurationSeconds, o.now().Sub(batchStart).Seconds(), nil)
	o.cfg.Logger.Printf("job %s: batch done processed=%d/%d errors=%d progress=%d%%",
		j.ID, j.ProcessedRecords, j.TotalRecords, j.ErrorRecords, j.Progress)
	return nil
}

// processRows fans a batch out to the worker pool. Results keep the item
// order. The first infrastructure error aborts the batch.
func (o *Orchestrator) processRows(ctx context.Context, loader *fact.Loader, items []rowItem) ([]fact.Result, error) {
	results := make([]fact.Result, len(items))
	errs := make([]error, len(items))

	idxCh := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < o.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxCh {
				it := items[i]
				errs[i] = o.retry(ctx, func() error {
					res, err := loader.LoadRow(ctx, it.num, it.rec)
					if err != nil {
						return err
					}
					results[i] = res
					return nil
				})
			}
		}()
	}
	for i := range items {
		idxCh <- i
	}
	close(idxCh)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// fail records a job-level error and moves the job to FAILED.
func (o *Orchestrator) fail(ctx context.Context, h *Handle, j *model.ProcessingJob, start time.Time, typ model.ErrorType, msg string) error {
	// The run context may already be expired or cancelled; the failure
	// record must still land.
	ctx = context.WithoutCancel(ctx)
	if h.Cancelled() {
		return o.finish(ctx, j, start, model.JobCancelled, "cancelled")
	}
	pe := model.ProcessingError{
		JobID:    j.ID,
		Type:     typ,
		Severity: typ.DefaultSeverity(),
		Message:  msg,
	}
	if err := o.retry(ctx, func() error { return o.repo.AddErrors(ctx, []model.ProcessingError{pe}) }); err != nil {
		o.cfg.Logger.Printf("job %s: could not record failure: %v", j.ID, err)
	}
	return o.finish(ctx, j, start, model.JobFailed, msg)
}

// finish moves the job to a terminal status, persists it, and emits the
// job-level metrics. It returns an error only for FAILED jobs so callers
// running Run synchronously see the triggering condition.
func (o *Orchestrator) finish(ctx context.Context, j *model.ProcessingJob, start time.Time, status model.JobStatus, msg string) error {
	// Terminal persistence survives the run context's own deadline or
	// cancellation; those are exactly the states being recorded.
	ctx = context.WithoutCancel(ctx)
	if !j.Status.CanTransition(status) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.Status, status)
	}
	j.Status = status
	j.Message = msg
	j.FinishedAt = o.now()
	if status == model.JobCompleted || status == model.JobPartiallyCompleted {
		// The stream was consumed in full; 100 is granted here, never from
		// the live counters.
		j.Progress = 100
	}

	// Terminal persistence must not fail silently, but by this point the
	// repository may be the failing component. Best effort with retries.
	if err := o.persistJob(ctx, j); err != nil {
		o.cfg.Logger.Printf("job %s: persist terminal status %s: %v", j.ID, status, err)
	}

	elapsed := j.FinishedAt.Sub(start).Seconds()
	o.cfg.Metrics.IncCounter(metrics.JobsTotal, 1, metrics.Labels{"status": string(status)})
	o.cfg.Metrics.ObserveHistogram(metrics.JobDurationSeconds, elapsed, metrics.Labels{"status": string(status)})
	o.cfg.Logger.Printf("job %s: finished status=%s processed=%d errors=%d in %.2fs",
		j.ID, status, j.ProcessedRecords, j.ErrorRecords, elapsed)

	if status == model.JobFailed {
		return fmt.Errorf("job %s failed: %s", j.ID, msg)
	}
	return nil
}

func (o *Orchestrator) persistJob(ctx context.Context, j *model.ProcessingJob) error {
	return o.retry(ctx, func() error { return o.repo.UpdateJob(ctx, j) })
}

// retry runs op with exponential backoff, bounded by MaxRetries. Context
// cancellation stops retrying immediately.
func (o *Orchestrator) retry(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	if o.cfg.RetryInterval > 0 {
		eb.InitialInterval = o.cfg.RetryInterval
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, o.cfg.MaxRetries), ctx))
}

// progress maps live counters to a whole percentage capped at 99. Total is
// the profiler's aligned-row count, which a stream with misaligned rows can
// overshoot, so 100 is reserved for the terminal transition.
func progress(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := processed * 100 / total
	if p > 99 {
		p = 99
	}
	return p
}

func outcomeLabel(oc fact.Outcome) string {
	switch oc {
	case fact.Inserted:
		return "inserted"
	case fact.Duplicate:
		return "duplicate"
	default:
		return "error"
	}
}
