// Package postgres implements the warehouse repository on PostgreSQL via
// pgx/v5 connection pools.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"warehouse/internal/model"
	"warehouse/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

Lookup-or-create uses INSERT ... ON CONFLICT DO NOTHING followed by a
SELECT. Under concurrent writers the unique constraint is the arbiter and
every caller observes the surviving row's ID. Fact idempotency rides the
UNIQUE constraint on source_row_hash the same way.
*/
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a new Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS analyses (
		id            TEXT PRIMARY KEY,
		file_name     TEXT NOT NULL,
		upload_ref    TEXT NOT NULL,
		delimiter     INT NOT NULL,
		has_header    BOOLEAN NOT NULL,
		encoding      TEXT NOT NULL,
		row_count     INT NOT NULL,
		column_count  INT NOT NULL,
		columns_json  JSONB NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS column_mappings (
		analysis_id   TEXT NOT NULL,
		column_index  INT NOT NULL,
		column_name   TEXT NOT NULL,
		role          TEXT NOT NULL,
		rules         TEXT NOT NULL DEFAULT '',
		confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
		confirmed     BOOLEAN NOT NULL DEFAULT FALSE,
		required      BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (analysis_id, column_index)
	)`,
	`CREATE TABLE IF NOT EXISTS dim_time (
		id      BIGSERIAL PRIMARY KEY,
		year    INT NOT NULL,
		month   INT NOT NULL DEFAULT 0,
		day     INT NOT NULL DEFAULT 0,
		quarter INT NOT NULL DEFAULT 0,
		label   TEXT NOT NULL DEFAULT '',
		UNIQUE (year, month, day)
	)`,
	`CREATE TABLE IF NOT EXISTS dim_location (
		id        BIGSERIAL PRIMARY KEY,
		code      TEXT NOT NULL UNIQUE,
		name      TEXT NOT NULL DEFAULT '',
		type      TEXT NOT NULL DEFAULT '',
		parent_id BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS dim_generic (
		id    BIGSERIAL PRIMARY KEY,
		name  TEXT NOT NULL,
		value TEXT NOT NULL,
		UNIQUE (name, value)
	)`,
	`CREATE TABLE IF NOT EXISTS indicators (
		id     BIGSERIAL PRIMARY KEY,
		code   TEXT NOT NULL UNIQUE,
		name   TEXT NOT NULL DEFAULT '',
		unit   TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS facts (
		id              BIGSERIAL PRIMARY KEY,
		indicator_id    BIGINT NOT NULL,
		value           DOUBLE PRECISION NOT NULL,
		time_id         BIGINT NOT NULL DEFAULT 0,
		location_id     BIGINT NOT NULL DEFAULT 0,
		source_row_hash TEXT NOT NULL UNIQUE,
		source_file     TEXT NOT NULL DEFAULT '',
		source_row      INT NOT NULL DEFAULT 0,
		confidence      DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS fact_generic (
		fact_id BIGINT NOT NULL,
		dim_id  BIGINT NOT NULL,
		PRIMARY KEY (fact_id, dim_id)
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		analysis_id       TEXT NOT NULL,
		status            TEXT NOT NULL,
		total_records     INT NOT NULL DEFAULT 0,
		processed_records INT NOT NULL DEFAULT 0,
		error_records     INT NOT NULL DEFAULT 0,
		progress          INT NOT NULL DEFAULT 0,
		batch_size        INT NOT NULL DEFAULT 0,
		message           TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		started_at        TIMESTAMPTZ,
		finished_at       TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS job_errors (
		id          BIGSERIAL PRIMARY KEY,
		job_id      TEXT NOT NULL,
		row_number  INT NOT NULL DEFAULT 0,
		column_name TEXT NOT NULL DEFAULT '',
		raw_value   TEXT NOT NULL DEFAULT '',
		type        TEXT NOT NULL,
		severity    TEXT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		resolved    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_errors_job ON job_errors (job_id)`,
}

func (r *Repo) Migrate(ctx context.Context) error {
	for _, q := range ddl {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// nullableTime maps zero times to SQL NULL and back.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func fromNullable(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// ---- analyses and mappings ----

func (r *Repo) SaveAnalysis(ctx context.Context, a *model.Analysis) error {
	cols, err := json.Marshal(a.Columns)
	if err != nil {
		return fmt.Errorf("encode columns: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO analyses
			(id, file_name, upload_ref, delimiter, has_header, encoding,
			 row_count, column_count, columns_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.FileName, a.UploadRef, int(a.Delimiter), a.HasHeader, a.Encoding,
		a.RowCount, a.ColumnCount, string(cols), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save analysis %s: %w", a.ID, err)
	}
	return nil
}

func (r *Repo) GetAnalysis(ctx context.Context, id string) (*model.Analysis, error) {
	var (
		a        model.Analysis
		delim    int
		colsJSON []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, file_name, upload_ref, delimiter, has_header, encoding,
		       row_count, column_count, columns_json, created_at
		FROM analyses WHERE id = $1`, id).Scan(
		&a.ID, &a.FileName, &a.UploadRef, &delim, &a.HasHeader, &a.Encoding,
		&a.RowCount, &a.ColumnCount, &colsJSON, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("analysis %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.Delimiter = rune(delim)
	if err := json.Unmarshal(colsJSON, &a.Columns); err != nil {
		return nil, fmt.Errorf("decode columns for %s: %w", id, err)
	}
	return &a, nil
}

func (r *Repo) SaveMappings(ctx context.Context, analysisID string, mappings []model.ColumnMapping) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM column_mappings WHERE analysis_id = $1`, analysisID); err != nil {
		return err
	}
	for _, m := range mappings {
		rules, err := m.Rules.MarshalText()
		if err != nil {
			return fmt.Errorf("column %d rules: %w", m.ColumnIndex, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO column_mappings
				(analysis_id, column_index, column_name, role, rules, confidence, confirmed, required)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			analysisID, m.ColumnIndex, m.ColumnName, string(m.Role), string(rules),
			m.Confidence, m.Confirmed, m.Required)
		if err != nil {
			return fmt.Errorf("save mapping column %d: %w", m.ColumnIndex, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) Mappings(ctx context.Context, analysisID string) ([]model.ColumnMapping, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT analysis_id, column_index, column_name, role, rules, confidence, confirmed, required
		FROM column_mappings WHERE analysis_id = $1 ORDER BY column_index`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ColumnMapping{}
	for rows.Next() {
		var (
			m     model.ColumnMapping
			role  string
			rules string
		)
		if err := rows.Scan(&m.AnalysisID, &m.ColumnIndex, &m.ColumnName, &role,
			&rules, &m.Confidence, &m.Confirmed, &m.Required); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		if err := m.Rules.UnmarshalText([]byte(rules)); err != nil {
			return nil, fmt.Errorf("decode rules for column %d: %w", m.ColumnIndex, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- dimensions ----

// ensureID runs an ON CONFLICT DO NOTHING insert then selects the surviving
// row's ID.
func (r *Repo) ensureID(ctx context.Context, insert string, insertArgs []any, sel string, selArgs []any) (int64, error) {
	if _, err := r.pool.Exec(ctx, insert, insertArgs...); err != nil {
		return 0, err
	}
	var id int64
	if err := r.pool.QueryRow(ctx, sel, selArgs...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repo) EnsureTime(ctx context.Context, d model.TimeDimension) (int64, error) {
	return r.ensureID(ctx,
		`INSERT INTO dim_time (year, month, day, quarter, label) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (year, month, day) DO NOTHING`,
		[]any{d.Year, d.Month, d.Day, d.Quarter, d.Label},
		`SELECT id FROM dim_time WHERE year = $1 AND month = $2 AND day = $3`,
		[]any{d.Year, d.Month, d.Day})
}

func (r *Repo) EnsureLocation(ctx context.Context, d model.LocationDimension) (int64, error) {
	return r.ensureID(ctx,
		`INSERT INTO dim_location (code, name, type, parent_id) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (code) DO NOTHING`,
		[]any{d.Code, d.Name, string(d.Type), d.ParentID},
		`SELECT id FROM dim_location WHERE code = $1`,
		[]any{d.Code})
}

func (r *Repo) EnsureGeneric(ctx context.Context, d model.GenericDimension) (int64, error) {
	return r.ensureID(ctx,
		`INSERT INTO dim_generic (name, value) VALUES ($1, $2)
		 ON CONFLICT (name, value) DO NOTHING`,
		[]any{d.Name, d.Value},
		`SELECT id FROM dim_generic WHERE name = $1 AND value = $2`,
		[]any{d.Name, d.Value})
}

func (r *Repo) LookupLocation(ctx context.Context, key string) (*model.LocationDimension, error) {
	var (
		d   model.LocationDimension
		typ string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, name, type, parent_id FROM dim_location
		WHERE code = $1 OR lower(name) = lower($1)
		ORDER BY (code = $1) DESC LIMIT 1`, key).Scan(
		&d.ID, &d.Code, &d.Name, &typ, &d.ParentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("location %q: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	d.Type = model.LocationType(typ)
	return &d, nil
}

// ---- indicator catalog ----

func (r *Repo) LookupIndicator(ctx context.Context, key string) (*model.Indicator, error) {
	var d model.Indicator
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, name, unit, source FROM indicators
		WHERE code = $1 OR lower(name) = lower($1)
		ORDER BY (code = $1) DESC LIMIT 1`, key).Scan(
		&d.ID, &d.Code, &d.Name, &d.Unit, &d.Source)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("indicator %q: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) UpsertIndicator(ctx context.Context, d *model.Indicator) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO indicators (code, name, unit, source) VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, unit = EXCLUDED.unit, source = EXCLUDED.source
		RETURNING id`, d.Code, d.Name, d.Unit, d.Source).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("upsert indicator %s: %w", d.Code, err)
	}
	return nil
}

// ---- facts ----

func (r *Repo) InsertFact(ctx context.Context, f *model.Fact) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO facts
			(indicator_id, value, time_id, location_id, source_row_hash,
			 source_file, source_row, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_row_hash) DO NOTHING
		RETURNING id`,
		f.IndicatorID, f.Value, f.TimeID, f.LocationID, f.SourceRowHash,
		f.SourceFile, f.SourceRow, f.Confidence).Scan(&f.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		// DO NOTHING suppressed the insert; the existing fact wins.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, dimID := range f.GenericIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO fact_generic (fact_id, dim_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			f.ID, dimID); err != nil {
			return false, err
		}
	}
	return true, tx.Commit(ctx)
}

func (r *Repo) FactCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM facts`).Scan(&n)
	return n, err
}

// ---- jobs and errors ----

func (r *Repo) CreateJob(ctx context.Context, j *model.ProcessingJob) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs
			(id, analysis_id, status, total_records, processed_records, error_records,
			 progress, batch_size, message, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		j.ID, j.AnalysisID, string(j.Status), j.TotalRecords, j.ProcessedRecords,
		j.ErrorRecords, j.Progress, j.BatchSize, j.Message,
		j.CreatedAt.UTC(), nullableTime(j.StartedAt), nullableTime(j.FinishedAt))
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

func (r *Repo) UpdateJob(ctx context.Context, j *model.ProcessingJob) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, total_records = $2, processed_records = $3,
			error_records = $4, progress = $5, message = $6, started_at = $7, finished_at = $8
		WHERE id = $9`,
		string(j.Status), j.TotalRecords, j.ProcessedRecords, j.ErrorRecords,
		j.Progress, j.Message, nullableTime(j.StartedAt), nullableTime(j.FinishedAt), j.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", j.ID, storage.ErrNotFound)
	}
	return nil
}

func (r *Repo) GetJob(ctx context.Context, id string) (*model.ProcessingJob, error) {
	var (
		j                     model.ProcessingJob
		status                string
		startedAt, finishedAt *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, analysis_id, status, total_records, processed_records, error_records,
		       progress, batch_size, message, created_at, started_at, finished_at
		FROM jobs WHERE id = $1`, id).Scan(
		&j.ID, &j.AnalysisID, &status, &j.TotalRecords, &j.ProcessedRecords,
		&j.ErrorRecords, &j.Progress, &j.BatchSize, &j.Message,
		&j.CreatedAt, &startedAt, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.StartedAt = fromNullable(startedAt)
	j.FinishedAt = fromNullable(finishedAt)
	return &j, nil
}

func (r *Repo) AddErrors(ctx context.Context, errs []model.ProcessingError) error {
	if len(errs) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, e := range errs {
		_, err := tx.Exec(ctx, `
			INSERT INTO job_errors
				(job_id, row_number, column_name, raw_value, type, severity, message, resolved, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.JobID, e.RowNumber, e.ColumnName, e.RawValue, string(e.Type),
			string(e.Severity), e.Message, e.Resolved, e.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("add error for job %s: %w", e.JobID, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) ListErrors(ctx context.Context, jobID string, f model.ErrorFilter) ([]model.ProcessingError, error) {
	q := `SELECT id, job_id, row_number, column_name, raw_value, type, severity, message, resolved, created_at
	      FROM job_errors WHERE job_id = $1`
	args := []any{jobID}
	if f.Type != "" {
		args = append(args, string(f.Type))
		q += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		q += fmt.Sprintf(` AND severity = $%d`, len(args))
	}
	if f.Resolved != nil {
		args = append(args, *f.Resolved)
		q += fmt.Sprintf(` AND resolved = $%d`, len(args))
	}
	q += ` ORDER BY id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ProcessingError{}
	for rows.Next() {
		var (
			e   model.ProcessingError
			typ string
			sev string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.RowNumber, &e.ColumnName, &e.RawValue,
			&typ, &sev, &e.Message, &e.Resolved, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = model.ErrorType(typ)
		e.Severity = model.Severity(sev)
		out = append(out, e)
	}
	return out, rows.Err()
}
