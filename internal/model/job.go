package model

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a processing job.
//
// PENDING is initial; every state except PENDING and RUNNING is terminal.
type JobStatus string

const (
	JobPending            JobStatus = "PENDING"
	JobRunning            JobStatus = "RUNNING"
	JobCompleted          JobStatus = "COMPLETED"
	JobFailed             JobStatus = "FAILED"
	JobPartiallyCompleted JobStatus = "PARTIALLY_COMPLETED"
	JobCancelled          JobStatus = "CANCELLED"
	JobTimeout            JobStatus = "TIMEOUT"
)

// Terminal reports whether the status is final. A job's error list is
// frozen once it reaches a terminal state.
func (s JobStatus) Terminal() bool {
	return s != JobPending && s != JobRunning
}

// CanTransition reports whether the move from s to next is legal.
// The only legal moves are PENDING->RUNNING and RUNNING->terminal.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning
	case JobRunning:
		return next.Terminal()
	}
	return false
}

// ProcessingJob is the unit of work for one ingestion run.
//
// Counters and progress are owned exclusively by the job orchestrator and
// persisted at batch boundaries, so concurrent readers observe
// monotonically non-decreasing progress.
type ProcessingJob struct {
	ID         string
	AnalysisID string

	Status JobStatus

	TotalRecords     int
	ProcessedRecords int
	ErrorRecords     int

	// Progress is a whole percentage in [0,100]. It reaches 100 only when
	// ProcessedRecords == TotalRecords.
	Progress int

	BatchSize int

	// Message carries the triggering condition for FAILED jobs.
	Message string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// ErrorType classifies a row-level or job-level processing error.
type ErrorType string

const (
	ErrTypeMalformedInput      ErrorType = "MALFORMED_INPUT"
	ErrTypeAmbiguousMapping    ErrorType = "AMBIGUOUS_MAPPING"
	ErrTypeDimensionResolution ErrorType = "DIMENSION_RESOLUTION"
	ErrTypeValueParse          ErrorType = "VALUE_PARSE"
	ErrTypeUnknownIndicator    ErrorType = "UNKNOWN_INDICATOR"
	ErrTypeDuplicateRow        ErrorType = "DUPLICATE_ROW"
	ErrTypeInfrastructure      ErrorType = "INFRASTRUCTURE"
)

// Severity ranks a processing error. Duplicates are informational: a
// re-uploaded file is not an error condition.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// DefaultSeverity maps an error type to its severity.
func (t ErrorType) DefaultSeverity() Severity {
	switch t {
	case ErrTypeDuplicateRow:
		return SeverityInfo
	case ErrTypeAmbiguousMapping:
		return SeverityWarning
	case ErrTypeMalformedInput, ErrTypeInfrastructure:
		return SeverityFatal
	default:
		return SeverityError
	}
}

// CountsAsError reports whether the type increments a job's error count.
// DuplicateRow does not: callers must be able to re-upload a file and end
// with a clean COMPLETED job.
func (t ErrorType) CountsAsError() bool {
	return t != ErrTypeDuplicateRow
}

// ProcessingError is one row-scoped finding owned by a job.
type ProcessingError struct {
	ID    int64
	JobID string

	RowNumber  int
	ColumnName string
	RawValue   string

	Type     ErrorType
	Severity Severity
	Message  string

	Resolved  bool
	CreatedAt time.Time
}

func (e ProcessingError) String() string {
	return fmt.Sprintf("row=%d col=%s type=%s: %s", e.RowNumber, e.ColumnName, e.Type, e.Message)
}

// ErrorFilter narrows ListErrors results. Zero values mean "any".
type ErrorFilter struct {
	Type     ErrorType
	Severity Severity
	Resolved *bool
	Limit    int
}
