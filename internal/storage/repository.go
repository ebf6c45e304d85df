// Package storage defines the backend-agnostic warehouse repository and the
// backend registry. Concrete backends live in subpackages (postgres, sqlite,
// mssql) and register themselves from init().
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"warehouse/internal/model"
)

// ErrNotFound is returned by lookups whose subject does not exist. Test with
// errors.Is.
var ErrNotFound = errors.New("storage: not found")

// Config is the minimal configuration needed to create a repository.
//
// When to use:
//   - Use Config when constructing a Repository via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - New returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the backend-agnostic persistence interface for the
// ingestion pipeline.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the pipeline needs. Each backend implements these semantics in
// its own idiomatic way (Postgres ON CONFLICT, SQLite OR IGNORE, MSSQL
// WHERE NOT EXISTS plus unique-violation handling).
type Repository interface {
	// Close releases backend resources. Treat as "call once" at shutdown.
	Close()

	// Migrate creates tables and constraints as needed. Idempotent; safe to
	// call at every startup.
	Migrate(ctx context.Context) error

	// ---- analyses and mappings ----

	// SaveAnalysis persists a file profile. The analysis ID must be unique.
	SaveAnalysis(ctx context.Context, a *model.Analysis) error

	// GetAnalysis returns the stored profile or ErrNotFound.
	GetAnalysis(ctx context.Context, id string) (*model.Analysis, error)

	// SaveMappings replaces the full mapping set for an analysis.
	SaveMappings(ctx context.Context, analysisID string, mappings []model.ColumnMapping) error

	// Mappings returns the mapping set ordered by column index. An analysis
	// with no mappings yields an empty slice, not ErrNotFound.
	Mappings(ctx context.Context, analysisID string) ([]model.ColumnMapping, error)

	// ---- dimensions ----
	//
	// The Ensure methods implement lookup-or-create keyed on the dimension's
	// natural key. They are safe under concurrent callers racing to create
	// the same record: the database's unique constraint is the final
	// arbiter, and every caller gets the surviving row's ID.

	// EnsureTime resolves (year, month, day) to a time dimension ID,
	// creating the record if needed. Label and quarter are written only on
	// first creation.
	EnsureTime(ctx context.Context, d model.TimeDimension) (int64, error)

	// EnsureLocation resolves a code to a location dimension ID, creating an
	// untyped record if needed.
	EnsureLocation(ctx context.Context, d model.LocationDimension) (int64, error)

	// EnsureGeneric resolves (name, value) to a generic dimension ID,
	// creating the record if needed.
	EnsureGeneric(ctx context.Context, d model.GenericDimension) (int64, error)

	// LookupLocation finds a location by code or, failing that, by
	// case-insensitive name. Returns ErrNotFound when neither matches.
	LookupLocation(ctx context.Context, key string) (*model.LocationDimension, error)

	// ---- indicator catalog ----

	// LookupIndicator finds an indicator by code or, failing that, by
	// case-insensitive name. Returns ErrNotFound when neither matches.
	LookupIndicator(ctx context.Context, key string) (*model.Indicator, error)

	// UpsertIndicator creates or updates a catalog entry keyed by code and
	// sets d.ID.
	UpsertIndicator(ctx context.Context, d *model.Indicator) error

	// ---- facts ----

	// InsertFact inserts one fact and its generic dimension links.
	//
	// Returns (false, nil) when a fact with the same SourceRowHash already
	// exists; the existing fact is never overwritten.
	InsertFact(ctx context.Context, f *model.Fact) (bool, error)

	// FactCount returns the total number of stored facts.
	FactCount(ctx context.Context) (int64, error)

	// ---- jobs and row errors ----

	// CreateJob persists a new job. The job ID must be unique.
	CreateJob(ctx context.Context, j *model.ProcessingJob) error

	// UpdateJob overwrites the stored job's mutable fields (status, counters,
	// progress, message, timestamps).
	UpdateJob(ctx context.Context, j *model.ProcessingJob) error

	// GetJob returns the stored job or ErrNotFound.
	GetJob(ctx context.Context, id string) (*model.ProcessingJob, error)

	// AddErrors appends row-level errors for a job. Called once per batch.
	AddErrors(ctx context.Context, errs []model.ProcessingError) error

	// ListErrors returns a job's errors, newest first, narrowed by filter.
	ListErrors(ctx context.Context, jobID string, f model.ErrorFilter) ([]model.ProcessingError, error)
}

// ---- factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Edge cases:
//   - If cfg.Kind is empty, New returns an error.
//   - If cfg.Kind is not registered, New returns an error.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// NormalizeKey converts a dimension key value to a canonical string form,
// suitable for in-memory cache keys (e.g. "Germany" or "2023|0|0").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps lookup caches consistent across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
