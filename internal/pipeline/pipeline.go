// Package pipeline is the top-level ingestion API: upload analysis, mapping
// confirmation, and job control. The cmd binaries and tests drive the
// warehouse through a Service instead of wiring the stages themselves.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"warehouse/internal/fact"
	"warehouse/internal/filestore"
	"warehouse/internal/job"
	"warehouse/internal/mapping"
	"warehouse/internal/model"
	"warehouse/internal/profile"
	"warehouse/internal/storage"
)

// Config assembles the stage configurations a Service runs with.
type Config struct {
	Mapping mapping.Config
	Job     job.Config
}

// Service coordinates the ingestion stages over one repository and one file
// store. Safe for concurrent use.
type Service struct {
	repo  storage.Repository
	files filestore.Store
	orch  *job.Orchestrator
	cfg   Config

	mu      sync.Mutex
	running map[string]*job.Handle
}

func New(repo storage.Repository, files filestore.Store, cfg Config) *Service {
	// A zero mapping config means the detection defaults.
	if cfg.Mapping.MinConfidence == 0 && cfg.Mapping.Synonyms == nil && !cfg.Mapping.DemoteDuplicates {
		cfg.Mapping = mapping.DefaultConfig()
	}
	return &Service{
		repo:    repo,
		files:   files,
		orch:    job.NewOrchestrator(repo, files, cfg.Job),
		cfg:     cfg,
		running: map[string]*job.Handle{},
	}
}

// Analyze stores the upload, profiles it, persists the analysis, and saves
// an auto-detected mapping set for review.
//
// Edge cases:
//   - opt.FileName and opt.UploadRef are overwritten with the stored values.
//   - A malformed file returns the profiler's error; nothing is persisted
//     beyond the stored blob.
func (s *Service) Analyze(ctx context.Context, name string, src io.Reader, opt profile.Options) (*model.Analysis, []model.Warning, error) {
	ref, err := s.files.Save(ctx, name, src)
	if err != nil {
		return nil, nil, fmt.Errorf("store upload %s: %w", name, err)
	}

	rc, err := s.files.Open(ctx, ref)
	if err != nil {
		return nil, nil, fmt.Errorf("reopen upload %s: %w", ref, err)
	}
	defer rc.Close()

	opt.FileName = name
	opt.UploadRef = ref
	a, err := profile.Analyze(ctx, rc, opt)
	if err != nil {
		return nil, nil, err
	}
	if err := s.repo.SaveAnalysis(ctx, a); err != nil {
		return nil, nil, fmt.Errorf("save analysis: %w", err)
	}

	mappings, warnings, err := mapping.Detect(a, s.cfg.Mapping)
	if err != nil {
		return nil, nil, fmt.Errorf("detect mappings: %w", err)
	}
	if err := s.repo.SaveMappings(ctx, a.ID, mappings); err != nil {
		return nil, nil, fmt.Errorf("save detected mappings: %w", err)
	}
	return a, warnings, nil
}

// Analysis returns a stored profile with its current mapping set.
func (s *Service) Analysis(ctx context.Context, analysisID string) (*model.Analysis, []model.ColumnMapping, error) {
	a, err := s.repo.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, nil, err
	}
	mappings, err := s.repo.Mappings(ctx, analysisID)
	if err != nil {
		return nil, nil, err
	}
	return a, mappings, nil
}

// ResolveMappings merges user overrides into the stored mapping set,
// validates the result, and persists it as the confirmed set jobs run with.
// The confirmed set is returned ordered by column index.
//
// Semantics:
//   - An override replaces the stored mapping for its column index.
//   - An override with an empty Role unmaps the column; a warning reports
//     what was discarded.
//   - With no overrides, the auto-detected set is confirmed as is.
func (s *Service) ResolveMappings(ctx context.Context, analysisID string, overrides []model.ColumnMapping) ([]model.ColumnMapping, []model.Warning, error) {
	a, err := s.repo.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, nil, err
	}
	stored, err := s.repo.Mappings(ctx, analysisID)
	if err != nil {
		return nil, nil, err
	}

	byCol := make(map[int]model.ColumnMapping, len(stored))
	for _, m := range stored {
		byCol[m.ColumnIndex] = m
	}

	var warnings []model.Warning
	for _, o := range overrides {
		if o.Role == "" {
			if old, ok := byCol[o.ColumnIndex]; ok {
				warnings = append(warnings, model.Warning{
					ColumnIndex: o.ColumnIndex,
					ColumnName:  old.ColumnName,
					Message:     fmt.Sprintf("mapping to %s removed", old.Role),
				})
				delete(byCol, o.ColumnIndex)
			}
			continue
		}
		if o.ColumnName == "" && o.ColumnIndex >= 0 && o.ColumnIndex < len(a.Columns) {
			o.ColumnName = a.Columns[o.ColumnIndex].Name
		}
		byCol[o.ColumnIndex] = o
	}

	merged := make([]model.ColumnMapping, 0, len(byCol))
	for _, m := range byCol {
		m.AnalysisID = analysisID
		m.Confirmed = true
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ColumnIndex < merged[j].ColumnIndex })

	if err := mapping.Validate(a, merged); err != nil {
		return nil, warnings, err
	}
	if err := s.repo.SaveMappings(ctx, analysisID, merged); err != nil {
		return nil, warnings, fmt.Errorf("save confirmed mappings: %w", err)
	}
	return merged, warnings, nil
}

// SeedIndicators loads catalog entries so uploads can reference them.
func (s *Service) SeedIndicators(ctx context.Context, inds []model.Indicator) error {
	for i := range inds {
		if inds[i].Code == "" {
			return fmt.Errorf("indicator %d: empty code", i)
		}
		if err := s.repo.UpsertIndicator(ctx, &inds[i]); err != nil {
			return fmt.Errorf("seed indicator %s: %w", inds[i].Code, err)
		}
	}
	return nil
}

// StartJob creates a processing job for an analyzed upload and runs it in
// the background. The returned job is the PENDING record; poll JobStatus
// or Wait for completion. batchSize overrides the service-wide batch size
// for this job; zero keeps the configured default.
//
// Errors:
//   - ErrNotFound if the analysis does not exist.
//   - A validation error if the mapping set is empty or inconsistent.
func (s *Service) StartJob(ctx context.Context, analysisID string, batchSize int, fcfg fact.Config) (*model.ProcessingJob, error) {
	a, err := s.repo.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	mappings, err := s.repo.Mappings(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, fmt.Errorf("analysis %s has no mappings", analysisID)
	}
	if err := mapping.Validate(a, mappings); err != nil {
		return nil, fmt.Errorf("mapping set not runnable: %w", err)
	}

	if batchSize < 0 {
		batchSize = 0
	}
	j := &model.ProcessingJob{
		ID:           uuid.NewString(),
		AnalysisID:   analysisID,
		Status:       model.JobPending,
		TotalRecords: a.RowCount,
		BatchSize:    batchSize,
	}
	if err := s.repo.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	h := job.NewHandle(j.ID)
	s.mu.Lock()
	s.running[j.ID] = h
	s.mu.Unlock()

	// The run outlives the request that started it.
	run := *j
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, h.JobID())
			s.mu.Unlock()
		}()
		_ = s.orch.Run(context.Background(), h, &run, a, mappings, fcfg)
	}()

	return j, nil
}

// JobStatus returns the persisted job record. While the job runs, counters
// reflect the last committed batch.
func (s *Service) JobStatus(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	return s.repo.GetJob(ctx, jobID)
}

// CancelJob requests cooperative cancellation of a running job.
//
// Errors:
//   - ErrNotFound for unknown jobs.
//   - An error naming the terminal status when the job already finished.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	h := s.running[jobID]
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
		return nil
	}

	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s already finished with status %s", jobID, j.Status)
	}
	return fmt.Errorf("job %s is not running in this process", jobID)
}

// ListErrors returns a job's recorded errors, newest first.
func (s *Service) ListErrors(ctx context.Context, jobID string, f model.ErrorFilter) ([]model.ProcessingError, error) {
	return s.repo.ListErrors(ctx, jobID, f)
}

// Wait blocks until the job's background run returns. It returns
// immediately for jobs that are unknown or already finished.
func (s *Service) Wait(jobID string) {
	s.mu.Lock()
	h := s.running[jobID]
	s.mu.Unlock()
	if h != nil {
		<-h.Done()
	}
}
