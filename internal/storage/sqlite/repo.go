// Package sqlite implements the warehouse repository on SQLite via
// modernc.org/sqlite (pure Go, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"warehouse/internal/model"
	"warehouse/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - Lookup-or-create uses "INSERT OR IGNORE" followed by a SELECT; the
//     UNIQUE constraint is the arbiter under concurrent writers.
//   - SQLite has no TIMESTAMPTZ; timestamps are stored as RFC3339Nano
//     strings for reliable round-trip behavior and easy debugging.
//   - A single write connection avoids SQLITE_BUSY under the test workloads
//     this backend serves.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// ---- schema ----

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS analyses (
		id            TEXT PRIMARY KEY,
		file_name     TEXT NOT NULL,
		upload_ref    TEXT NOT NULL,
		delimiter     INTEGER NOT NULL,
		has_header    INTEGER NOT NULL,
		encoding      TEXT NOT NULL,
		row_count     INTEGER NOT NULL,
		column_count  INTEGER NOT NULL,
		columns_json  TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS column_mappings (
		analysis_id   TEXT NOT NULL,
		column_index  INTEGER NOT NULL,
		column_name   TEXT NOT NULL,
		role          TEXT NOT NULL,
		rules         TEXT NOT NULL DEFAULT '',
		confidence    REAL NOT NULL DEFAULT 0,
		confirmed     INTEGER NOT NULL DEFAULT 0,
		required      INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (analysis_id, column_index)
	)`,
	`CREATE TABLE IF NOT EXISTS dim_time (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		year    INTEGER NOT NULL,
		month   INTEGER NOT NULL DEFAULT 0,
		day     INTEGER NOT NULL DEFAULT 0,
		quarter INTEGER NOT NULL DEFAULT 0,
		label   TEXT NOT NULL DEFAULT '',
		UNIQUE (year, month, day)
	)`,
	`CREATE TABLE IF NOT EXISTS dim_location (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		code      TEXT NOT NULL UNIQUE,
		name      TEXT NOT NULL DEFAULT '',
		type      TEXT NOT NULL DEFAULT '',
		parent_id INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS dim_generic (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		name  TEXT NOT NULL,
		value TEXT NOT NULL,
		UNIQUE (name, value)
	)`,
	`CREATE TABLE IF NOT EXISTS indicators (
		id     INTEGER PRIMARY KEY AUTOINCREMENT,
		code   TEXT NOT NULL UNIQUE,
		name   TEXT NOT NULL DEFAULT '',
		unit   TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS facts (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		indicator_id    INTEGER NOT NULL,
		value           REAL NOT NULL,
		time_id         INTEGER NOT NULL DEFAULT 0,
		location_id     INTEGER NOT NULL DEFAULT 0,
		source_row_hash TEXT NOT NULL UNIQUE,
		source_file     TEXT NOT NULL DEFAULT '',
		source_row      INTEGER NOT NULL DEFAULT 0,
		confidence      REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS fact_generic (
		fact_id INTEGER NOT NULL,
		dim_id  INTEGER NOT NULL,
		PRIMARY KEY (fact_id, dim_id)
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		analysis_id       TEXT NOT NULL,
		status            TEXT NOT NULL,
		total_records     INTEGER NOT NULL DEFAULT 0,
		processed_records INTEGER NOT NULL DEFAULT 0,
		error_records     INTEGER NOT NULL DEFAULT 0,
		progress          INTEGER NOT NULL DEFAULT 0,
		batch_size        INTEGER NOT NULL DEFAULT 0,
		message           TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		started_at        TEXT NOT NULL DEFAULT '',
		finished_at       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS job_errors (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id      TEXT NOT NULL,
		row_number  INTEGER NOT NULL DEFAULT 0,
		column_name TEXT NOT NULL DEFAULT '',
		raw_value   TEXT NOT NULL DEFAULT '',
		type        TEXT NOT NULL,
		severity    TEXT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		resolved    INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_errors_job ON job_errors (job_id)`,
}

func (r *Repo) Migrate(ctx context.Context) error {
	for _, q := range ddl {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- time encoding ----

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---- analyses and mappings ----

func (r *Repo) SaveAnalysis(ctx context.Context, a *model.Analysis) error {
	cols, err := json.Marshal(a.Columns)
	if err != nil {
		return fmt.Errorf("encode columns: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO analyses
			(id, file_name, upload_ref, delimiter, has_header, encoding,
			 row_count, column_count, columns_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FileName, a.UploadRef, int(a.Delimiter), boolInt(a.HasHeader), a.Encoding,
		a.RowCount, a.ColumnCount, string(cols), encodeTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("save analysis %s: %w", a.ID, err)
	}
	return nil
}

func (r *Repo) GetAnalysis(ctx context.Context, id string) (*model.Analysis, error) {
	var (
		a         model.Analysis
		delim     int
		hasHeader int
		colsJSON  string
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, file_name, upload_ref, delimiter, has_header, encoding,
		       row_count, column_count, columns_json, created_at
		FROM analyses WHERE id = ?`, id).Scan(
		&a.ID, &a.FileName, &a.UploadRef, &delim, &hasHeader, &a.Encoding,
		&a.RowCount, &a.ColumnCount, &colsJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.Delimiter = rune(delim)
	a.HasHeader = hasHeader != 0
	a.CreatedAt = decodeTime(createdAt)
	if err := json.Unmarshal([]byte(colsJSON), &a.Columns); err != nil {
		return nil, fmt.Errorf("decode columns for %s: %w", id, err)
	}
	return &a, nil
}

func (r *Repo) SaveMappings(ctx context.Context, analysisID string, mappings []model.ColumnMapping) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM column_mappings WHERE analysis_id = ?`, analysisID); err != nil {
		return err
	}
	for _, m := range mappings {
		rules, err := m.Rules.MarshalText()
		if err != nil {
			return fmt.Errorf("column %d rules: %w", m.ColumnIndex, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO column_mappings
				(analysis_id, column_index, column_name, role, rules, confidence, confirmed, required)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			analysisID, m.ColumnIndex, m.ColumnName, string(m.Role), string(rules),
			m.Confidence, boolInt(m.Confirmed), boolInt(m.Required))
		if err != nil {
			return fmt.Errorf("save mapping column %d: %w", m.ColumnIndex, err)
		}
	}
	return tx.Commit()
}

func (r *Repo) Mappings(ctx context.Context, analysisID string) ([]model.ColumnMapping, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT analysis_id, column_index, column_name, role, rules, confidence, confirmed, required
		FROM column_mappings WHERE analysis_id = ? ORDER BY column_index`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ColumnMapping{}
	for rows.Next() {
		var (
			m         model.ColumnMapping
			role      string
			rules     string
			confirmed int
			required  int
		)
		if err := rows.Scan(&m.AnalysisID, &m.ColumnIndex, &m.ColumnName, &role,
			&rules, &m.Confidence, &confirmed, &required); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		m.Confirmed = confirmed != 0
		m.Required = required != 0
		if err := m.Rules.UnmarshalText([]byte(rules)); err != nil {
			return nil, fmt.Errorf("decode rules for column %d: %w", m.ColumnIndex, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- dimensions ----

// ensureID runs INSERT OR IGNORE then selects the surviving row's ID.
func (r *Repo) ensureID(ctx context.Context, insert string, insertArgs []any, sel string, selArgs []any) (int64, error) {
	if _, err := r.db.ExecContext(ctx, insert, insertArgs...); err != nil {
		return 0, err
	}
	var id int64
	if err := r.db.QueryRowContext(ctx, sel, selArgs...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repo) EnsureTime(ctx context.Context, d model.TimeDimension) (int64, error) {
	return r.ensureID(ctx,
		`INSERT OR IGNORE INTO dim_time (year, month, day, quarter, label) VALUES (?, ?, ?, ?, ?)`,
		[]any{d.Year, d.Month, d.Day, d.Quarter, d.Label},
		`SELECT id FROM dim_time WHERE year = ? AND month = ? AND day = ?`,
		[]any{d.Year, d.Month, d.Day})
}

func (r *Repo) EnsureLocation(ctx context.Context, d model.LocationDimension) (int64, error) {
	return r.ensureID(ctx,
		`INSERT OR IGNORE INTO dim_location (code, name, type, parent_id) VALUES (?, ?, ?, ?)`,
		[]any{d.Code, d.Name, string(d.Type), d.ParentID},
		`SELECT id FROM dim_location WHERE code = ?`,
		[]any{d.Code})
}

func (r *Repo) EnsureGeneric(ctx context.Context, d model.GenericDimension) (int64, error) {
	return r.ensureID(ctx,
		`INSERT OR IGNORE INTO dim_generic (name, value) VALUES (?, ?)`,
		[]any{d.Name, d.Value},
		`SELECT id FROM dim_generic WHERE name = ? AND value = ?`,
		[]any{d.Name, d.Value})
}

func (r *Repo) LookupLocation(ctx context.Context, key string) (*model.LocationDimension, error) {
	var (
		d   model.LocationDimension
		typ string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, code, name, type, parent_id FROM dim_location
		WHERE code = ? OR lower(name) = lower(?)
		ORDER BY (code = ?) DESC LIMIT 1`, key, key, key).Scan(
		&d.ID, &d.Code, &d.Name, &typ, &d.ParentID)
	if errors.Is(err, sql.ErrNoRows) {
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
	err := r.db.QueryRowContext(ctx, `
		SELECT id, code, name, unit, source FROM indicators
		WHERE code = ? OR lower(name) = lower(?)
		ORDER BY (code = ?) DESC LIMIT 1`, key, key, key).Scan(
		&d.ID, &d.Code, &d.Name, &d.Unit, &d.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("indicator %q: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) UpsertIndicator(ctx context.Context, d *model.Indicator) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO indicators (code, name, unit, source) VALUES (?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET name = excluded.name, unit = excluded.unit, source = excluded.source`,
		d.Code, d.Name, d.Unit, d.Source)
	if err != nil {
		return fmt.Errorf("upsert indicator %s: %w", d.Code, err)
	}
	return r.db.QueryRowContext(ctx, `SELECT id FROM indicators WHERE code = ?`, d.Code).Scan(&d.ID)
}

// ---- facts ----

func (r *Repo) InsertFact(ctx context.Context, f *model.Fact) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO facts
			(indicator_id, value, time_id, location_id, source_row_hash,
			 source_file, source_row, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.IndicatorID, f.Value, f.TimeID, f.LocationID, f.SourceRowHash,
		f.SourceFile, f.SourceRow, f.Confidence)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Same hash already present; the existing fact wins.
		return false, nil
	}

	f.ID, err = res.LastInsertId()
	if err != nil {
		return false, err
	}
	for _, dimID := range f.GenericIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO fact_generic (fact_id, dim_id) VALUES (?, ?)`, f.ID, dimID); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (r *Repo) FactCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&n)
	return n, err
}

// ---- jobs and errors ----

func (r *Repo) CreateJob(ctx context.Context, j *model.ProcessingJob) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, analysis_id, status, total_records, processed_records, error_records,
			 progress, batch_size, message, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.AnalysisID, string(j.Status), j.TotalRecords, j.ProcessedRecords,
		j.ErrorRecords, j.Progress, j.BatchSize, j.Message,
		encodeTime(j.CreatedAt), encodeTime(j.StartedAt), encodeTime(j.FinishedAt))
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

func (r *Repo) UpdateJob(ctx context.Context, j *model.ProcessingJob) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, total_records = ?, processed_records = ?,
			error_records = ?, progress = ?, message = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(j.Status), j.TotalRecords, j.ProcessedRecords, j.ErrorRecords,
		j.Progress, j.Message, encodeTime(j.StartedAt), encodeTime(j.FinishedAt), j.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", j.ID, storage.ErrNotFound)
	}
	return nil
}

func (r *Repo) GetJob(ctx context.Context, id string) (*model.ProcessingJob, error) {
	var (
		j                                model.ProcessingJob
		status                           string
		createdAt, startedAt, finishedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, analysis_id, status, total_records, processed_records, error_records,
		       progress, batch_size, message, created_at, started_at, finished_at
		FROM jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.AnalysisID, &status, &j.TotalRecords, &j.ProcessedRecords,
		&j.ErrorRecords, &j.Progress, &j.BatchSize, &j.Message,
		&createdAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.CreatedAt = decodeTime(createdAt)
	j.StartedAt = decodeTime(startedAt)
	j.FinishedAt = decodeTime(finishedAt)
	return &j, nil
}

func (r *Repo) AddErrors(ctx context.Context, errs []model.ProcessingError) error {
	if len(errs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range errs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_errors
				(job_id, row_number, column_name, raw_value, type, severity, message, resolved, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.JobID, e.RowNumber, e.ColumnName, e.RawValue, string(e.Type),
			string(e.Severity), e.Message, boolInt(e.Resolved), encodeTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("add error for job %s: %w", e.JobID, err)
		}
	}
	return tx.Commit()
}

func (r *Repo) ListErrors(ctx context.Context, jobID string, f model.ErrorFilter) ([]model.ProcessingError, error) {
	q := `SELECT id, job_id, row_number, column_name, raw_value, type, severity, message, resolved, created_at
	      FROM job_errors WHERE job_id = ?`
	args := []any{jobID}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		q += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if f.Resolved != nil {
		q += ` AND resolved = ?`
		args = append(args, boolInt(*f.Resolved))
	}
	q += ` ORDER BY id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ProcessingError{}
	for rows.Next() {
		var (
			e         model.ProcessingError
			typ       string
			sev       string
			resolved  int
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.RowNumber, &e.ColumnName, &e.RawValue,
			&typ, &sev, &e.Message, &resolved, &createdAt); err != nil {
			return nil, err
		}
		e.Type = model.ErrorType(typ)
		e.Severity = model.Severity(sev)
		e.Resolved = resolved != 0
		e.CreatedAt = decodeTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
