// Package mssql implements the warehouse repository on Microsoft SQL Server.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mssqldriver "github.com/microsoft/go-mssqldb"

	"warehouse/internal/model"
	"warehouse/internal/storage"
)

// Repo implements storage.Repository for SQL Server.
//
// SQL Server has no ON CONFLICT clause, so lookup-or-create uses
// INSERT ... SELECT ... WHERE NOT EXISTS followed by a SELECT. The unique
// constraint remains the arbiter: a concurrent writer that loses the race
// surfaces error 2627/2601, which is treated the same as "already exists".
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver.
// Connectivity is validated via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// isUniqueViolation reports whether err is a unique constraint failure
// (2627 = unique constraint, 2601 = unique index).
func isUniqueViolation(err error) bool {
	var me mssqldriver.Error
	if errors.As(err, &me) {
		return me.Number == 2627 || me.Number == 2601
	}
	return false
}

var ddl = []string{
	`IF OBJECT_ID('analyses', 'U') IS NULL
	CREATE TABLE analyses (
		id            NVARCHAR(64) PRIMARY KEY,
		file_name     NVARCHAR(512) NOT NULL,
		upload_ref    NVARCHAR(512) NOT NULL,
		delimiter     INT NOT NULL,
		has_header    BIT NOT NULL,
		encoding      NVARCHAR(64) NOT NULL,
		row_count     INT NOT NULL,
		column_count  INT NOT NULL,
		columns_json  NVARCHAR(MAX) NOT NULL,
		created_at    DATETIMEOFFSET NOT NULL
	)`,
	`IF OBJECT_ID('column_mappings', 'U') IS NULL
	CREATE TABLE column_mappings (
		analysis_id   NVARCHAR(64) NOT NULL,
		column_index  INT NOT NULL,
		column_name   NVARCHAR(256) NOT NULL,
		role          NVARCHAR(32) NOT NULL,
		rules         NVARCHAR(MAX) NOT NULL DEFAULT '',
		confidence    FLOAT NOT NULL DEFAULT 0,
		confirmed     BIT NOT NULL DEFAULT 0,
		required      BIT NOT NULL DEFAULT 0,
		PRIMARY KEY (analysis_id, column_index)
	)`,
	`IF OBJECT_ID('dim_time', 'U') IS NULL
	CREATE TABLE dim_time (
		id      BIGINT IDENTITY(1,1) PRIMARY KEY,
		[year]  INT NOT NULL,
		[month] INT NOT NULL DEFAULT 0,
		[day]   INT NOT NULL DEFAULT 0,
		quarter INT NOT NULL DEFAULT 0,
		label   NVARCHAR(64) NOT NULL DEFAULT '',
		CONSTRAINT uq_dim_time UNIQUE ([year], [month], [day])
	)`,
	`IF OBJECT_ID('dim_location', 'U') IS NULL
	CREATE TABLE dim_location (
		id        BIGINT IDENTITY(1,1) PRIMARY KEY,
		code      NVARCHAR(128) NOT NULL CONSTRAINT uq_dim_location UNIQUE,
		name      NVARCHAR(256) NOT NULL DEFAULT '',
		[type]    NVARCHAR(32) NOT NULL DEFAULT '',
		parent_id BIGINT NOT NULL DEFAULT 0
	)`,
	`IF OBJECT_ID('dim_generic', 'U') IS NULL
	CREATE TABLE dim_generic (
		id    BIGINT IDENTITY(1,1) PRIMARY KEY,
		name  NVARCHAR(128) NOT NULL,
		value NVARCHAR(256) NOT NULL,
		CONSTRAINT uq_dim_generic UNIQUE (name, value)
	)`,
	`IF OBJECT_ID('indicators', 'U') IS NULL
	CREATE TABLE indicators (
		id     BIGINT IDENTITY(1,1) PRIMARY KEY,
		code   NVARCHAR(128) NOT NULL CONSTRAINT uq_indicators UNIQUE,
		name   NVARCHAR(256) NOT NULL DEFAULT '',
		unit   NVARCHAR(64) NOT NULL DEFAULT '',
		source NVARCHAR(256) NOT NULL DEFAULT ''
	)`,
	`IF OBJECT_ID('facts', 'U') IS NULL
	CREATE TABLE facts (
		id              BIGINT IDENTITY(1,1) PRIMARY KEY,
		indicator_id    BIGINT NOT NULL,
		value           FLOAT NOT NULL,
		time_id         BIGINT NOT NULL DEFAULT 0,
		location_id     BIGINT NOT NULL DEFAULT 0,
		source_row_hash NVARCHAR(64) NOT NULL CONSTRAINT uq_facts_hash UNIQUE,
		source_file     NVARCHAR(512) NOT NULL DEFAULT '',
		source_row      INT NOT NULL DEFAULT 0,
		confidence      FLOAT NOT NULL DEFAULT 0
	)`,
	`IF OBJECT_ID('fact_generic', 'U') IS NULL
	CREATE TABLE fact_generic (
		fact_id BIGINT NOT NULL,
		dim_id  BIGINT NOT NULL,
		PRIMARY KEY (fact_id, dim_id)
	)`,
	`IF OBJECT_ID('jobs', 'U') IS NULL
	CREATE TABLE jobs (
		id                NVARCHAR(64) PRIMARY KEY,
		analysis_id       NVARCHAR(64) NOT NULL,
		status            NVARCHAR(32) NOT NULL,
		total_records     INT NOT NULL DEFAULT 0,
		processed_records INT NOT NULL DEFAULT 0,
		error_records     INT NOT NULL DEFAULT 0,
		progress          INT NOT NULL DEFAULT 0,
		batch_size        INT NOT NULL DEFAULT 0,
		message           NVARCHAR(MAX) NOT NULL DEFAULT '',
		created_at        DATETIMEOFFSET NOT NULL,
		started_at        DATETIMEOFFSET NULL,
		finished_at       DATETIMEOFFSET NULL
	)`,
	`IF OBJECT_ID('job_errors', 'U') IS NULL
	CREATE TABLE job_errors (
		id          BIGINT IDENTITY(1,1) PRIMARY KEY,
		job_id      NVARCHAR(64) NOT NULL,
		row_number  INT NOT NULL DEFAULT 0,
		column_name NVARCHAR(256) NOT NULL DEFAULT '',
		raw_value   NVARCHAR(MAX) NOT NULL DEFAULT '',
		[type]      NVARCHAR(32) NOT NULL,
		severity    NVARCHAR(16) NOT NULL,
		message     NVARCHAR(MAX) NOT NULL DEFAULT '',
		resolved    BIT NOT NULL DEFAULT 0,
		created_at  DATETIMEOFFSET NOT NULL
	)`,
}

func (r *Repo) Migrate(ctx context.Context) error {
	for _, q := range ddl {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// ---- analyses and mappings ----

func (r *Repo) SaveAnalysis(ctx context.Context, a *model.Analysis) error {
	cols, err := encodeColumns(a.Columns)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO analyses
			(id, file_name, upload_ref, delimiter, has_header, encoding,
			 row_count, column_count, columns_json, created_at)
		VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10)`,
		a.ID, a.FileName, a.UploadRef, int(a.Delimiter), a.HasHeader, a.Encoding,
		a.RowCount, a.ColumnCount, cols, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save analysis %s: %w", a.ID, err)
	}
	return nil
}

func (r *Repo) GetAnalysis(ctx context.Context, id string) (*model.Analysis, error) {
	var (
		a     model.Analysis
		delim int
		cols  string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, file_name, upload_ref, delimiter, has_header, encoding,
		       row_count, column_count, columns_json, created_at
		FROM analyses WHERE id = @p1`, id).Scan(
		&a.ID, &a.FileName, &a.UploadRef, &delim, &a.HasHeader, &a.Encoding,
		&a.RowCount, &a.ColumnCount, &cols, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.Delimiter = rune(delim)
	a.Columns, err = decodeColumns(cols)
	if err != nil {
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

	if _, err := tx.ExecContext(ctx, `DELETE FROM column_mappings WHERE analysis_id = @p1`, analysisID); err != nil {
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
			VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8)`,
			analysisID, m.ColumnIndex, m.ColumnName, string(m.Role), string(rules),
			m.Confidence, m.Confirmed, m.Required)
		if err != nil {
			return fmt.Errorf("save mapping column %d: %w", m.ColumnIndex, err)
		}
	}
	return tx.Commit()
}

func (r *Repo) Mappings(ctx context.Context, analysisID string) ([]model.ColumnMapping, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT analysis_id, column_index, column_name, role, rules, confidence, confirmed, required
		FROM column_mappings WHERE analysis_id = @p1 ORDER BY column_index`, analysisID)
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

// ensureID inserts when no row matches the natural key, tolerating a lost
// race against a concurrent writer, then selects the surviving row's ID.
func (r *Repo) ensureID(ctx context.Context, insert string, insertArgs []any, sel string, selArgs []any) (int64, error) {
	if _, err := r.db.ExecContext(ctx, insert, insertArgs...); err != nil && !isUniqueViolation(err) {
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
		`INSERT INTO dim_time ([year], [month], [day], quarter, label)
		 SELECT @p1, @p2, @p3, @p4, @p5
		 WHERE NOT EXISTS (SELECT 1 FROM dim_time WHERE [year] = @p1 AND [month] = @p2 AND [day] = @p3)`,
		[]any{d.Year, d.Month, d.Day, d.Quarter, d.Label},
		`SELECT id FROM dim_time WHERE [year] = @p1 AND [month] = @p2 AND [day] = @p3`,
		[]any{d.Year, d.Month, d.Day})
}

func (r *Repo) EnsureLocation(ctx context.Context, d model.LocationDimension) (int64, error) {
	return r.ensureID(ctx,
		`INSERT INTO dim_location (code, name, [type], parent_id)
		 SELECT @p1, @p2, @p3, @p4
		 WHERE NOT EXISTS (SELECT 1 FROM dim_location WHERE code = @p1)`,
		[]any{d.Code, d.Name, string(d.Type), d.ParentID},
		`SELECT id FROM dim_location WHERE code = @p1`,
		[]any{d.Code})
}

func (r *Repo) EnsureGeneric(ctx context.Context, d model.GenericDimension) (int64, error) {
	return r.ensureID(ctx,
		`INSERT INTO dim_generic (name, value)
		 SELECT @p1, @p2
		 WHERE NOT EXISTS (SELECT 1 FROM dim_generic WHERE name = @p1 AND value = @p2)`,
		[]any{d.Name, d.Value},
		`SELECT id FROM dim_generic WHERE name = @p1 AND value = @p2`,
		[]any{d.Name, d.Value})
}

func (r *Repo) LookupLocation(ctx context.Context, key string) (*model.LocationDimension, error) {
	var (
		d   model.LocationDimension
		typ string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT TOP 1 id, code, name, [type], parent_id FROM dim_location
		WHERE code = @p1 OR LOWER(name) = LOWER(@p1)
		ORDER BY CASE WHEN code = @p1 THEN 0 ELSE 1 END`, key).Scan(
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
		SELECT TOP 1 id, code, name, unit, source FROM indicators
		WHERE code = @p1 OR LOWER(name) = LOWER(@p1)
		ORDER BY CASE WHEN code = @p1 THEN 0 ELSE 1 END`, key).Scan(
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
		MERGE indicators AS t
		USING (SELECT @p1 AS code, @p2 AS name, @p3 AS unit, @p4 AS source) AS s
		ON t.code = s.code
		WHEN MATCHED THEN UPDATE SET name = s.name, unit = s.unit, source = s.source
		WHEN NOT MATCHED THEN INSERT (code, name, unit, source) VALUES (s.code, s.name, s.unit, s.source);`,
		d.Code, d.Name, d.Unit, d.Source)
	if err != nil {
		return fmt.Errorf("upsert indicator %s: %w", d.Code, err)
	}
	return r.db.QueryRowContext(ctx, `SELECT id FROM indicators WHERE code = @p1`, d.Code).Scan(&d.ID)
}

// ---- facts ----

func (r *Repo) InsertFact(ctx context.Context, f *model.Fact) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO facts
			(indicator_id, value, time_id, location_id, source_row_hash,
			 source_file, source_row, confidence)
		OUTPUT INSERTED.id
		SELECT @p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8
		WHERE NOT EXISTS (SELECT 1 FROM facts WHERE source_row_hash = @p5)`,
		f.IndicatorID, f.Value, f.TimeID, f.LocationID, f.SourceRowHash,
		f.SourceFile, f.SourceRow, f.Confidence).Scan(&f.ID)
	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		// Same hash already present, or a concurrent writer won the race.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, dimID := range f.GenericIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fact_generic (fact_id, dim_id)
			SELECT @p1, @p2
			WHERE NOT EXISTS (SELECT 1 FROM fact_generic WHERE fact_id = @p1 AND dim_id = @p2)`,
			f.ID, dimID)
		if err != nil {
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
		VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10, @p11, @p12)`,
		j.ID, j.AnalysisID, string(j.Status), j.TotalRecords, j.ProcessedRecords,
		j.ErrorRecords, j.Progress, j.BatchSize, j.Message,
		j.CreatedAt.UTC(), nullableTime(j.StartedAt), nullableTime(j.FinishedAt))
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

func (r *Repo) UpdateJob(ctx context.Context, j *model.ProcessingJob) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = @p1, total_records = @p2, processed_records = @p3,
			error_records = @p4, progress = @p5, message = @p6, started_at = @p7, finished_at = @p8
		WHERE id = @p9`,
		string(j.Status), j.TotalRecords, j.ProcessedRecords, j.ErrorRecords,
		j.Progress, j.Message, nullableTime(j.StartedAt), nullableTime(j.FinishedAt), j.ID)
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
		j                     model.ProcessingJob
		status                string
		startedAt, finishedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, analysis_id, status, total_records, processed_records, error_records,
		       progress, batch_size, message, created_at, started_at, finished_at
		FROM jobs WHERE id = @p1`, id).Scan(
		&j.ID, &j.AnalysisID, &status, &j.TotalRecords, &j.ProcessedRecords,
		&j.ErrorRecords, &j.Progress, &j.BatchSize, &j.Message,
		&j.CreatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = finishedAt.Time
	}
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
				(job_id, row_number, column_name, raw_value, [type], severity, message, resolved, created_at)
			VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9)`,
			e.JobID, e.RowNumber, e.ColumnName, e.RawValue, string(e.Type),
			string(e.Severity), e.Message, e.Resolved, e.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("add error for job %s: %w", e.JobID, err)
		}
	}
	return tx.Commit()
}

func (r *Repo) ListErrors(ctx context.Context, jobID string, f model.ErrorFilter) ([]model.ProcessingError, error) {
	q := `SELECT id, job_id, row_number, column_name, raw_value, [type], severity, message, resolved, created_at
	      FROM job_errors WHERE job_id = @p1`
	args := []any{jobID}
	if f.Type != "" {
		args = append(args, string(f.Type))
		q += fmt.Sprintf(` AND [type] = @p%d`, len(args))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		q += fmt.Sprintf(` AND severity = @p%d`, len(args))
	}
	if f.Resolved != nil {
		args = append(args, *f.Resolved)
		q += fmt.Sprintf(` AND resolved = @p%d`, len(args))
	}
	q += ` ORDER BY id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` OFFSET 0 ROWS FETCH NEXT @p%d ROWS ONLY`, len(args))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
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
