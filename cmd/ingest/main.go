// Command ingest runs one ingestion job from a JSON config: it profiles the
// file, applies mapping overrides, and loads the rows into the configured
// warehouse backend, printing the job's terminal state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"warehouse/internal/fact"
	"warehouse/internal/filestore"
	"warehouse/internal/job"
	"warehouse/internal/metrics"
	"warehouse/internal/metrics/datadog"
	"warehouse/internal/model"
	"warehouse/internal/pipeline"
	"warehouse/internal/profile"
	"warehouse/internal/storage"

	// register all storage backends with the factory; the config selects one.
	_ "warehouse/internal/storage/mssql"
	_ "warehouse/internal/storage/postgres"
	_ "warehouse/internal/storage/sqlite"
)

// mappingOverride is one user-pinned column mapping in the config file.
type mappingOverride struct {
	Column   int    `json:"column"`
	Role     string `json:"role"`
	Required bool   `json:"required,omitempty"`

	Rules []model.Rule `json:"rules,omitempty"`
}

// ingestConfig is the JSON config the binary runs from.
type ingestConfig struct {
	Job  string `json:"job"`
	File string `json:"file"`

	Delimiter string `json:"delimiter,omitempty"`
	HasHeader *bool  `json:"has_header,omitempty"`
	Encoding  string `json:"encoding,omitempty"`

	Storage struct {
		Kind string `json:"kind"`
		DSN  string `json:"dsn"`
	} `json:"storage"`

	UploadDir string `json:"upload_dir,omitempty"`

	BatchSize int    `json:"batch_size,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	Timeout   string `json:"timeout,omitempty"`

	DefaultIndicator string            `json:"default_indicator,omitempty"`
	Indicators       []model.Indicator `json:"indicators,omitempty"`
	Mappings         []mappingOverride `json:"mappings,omitempty"`
}

func (c ingestConfig) validate() error {
	if c.File == "" {
		return fmt.Errorf("missing file")
	}
	if c.Storage.Kind == "" {
		return fmt.Errorf("missing storage.kind")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("missing storage.dsn")
	}
	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return fmt.Errorf("bad timeout %q: %v", c.Timeout, err)
		}
	}
	for i, m := range c.Mappings {
		if m.Column < 0 {
			return fmt.Errorf("mappings[%d]: negative column", i)
		}
	}
	return nil
}

func (c ingestConfig) jobConfig(met metrics.Backend) job.Config {
	var timeout time.Duration
	if c.Timeout != "" {
		timeout, _ = time.ParseDuration(c.Timeout)
	}
	return job.Config{
		BatchSize: c.BatchSize,
		Workers:   c.Workers,
		Timeout:   timeout,
		Metrics:   met,
		Logger:    log.Default(),
	}
}

func (c ingestConfig) overrides() []model.ColumnMapping {
	out := make([]model.ColumnMapping, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		out = append(out, model.ColumnMapping{
			ColumnIndex: m.Column,
			Role:        model.Role(m.Role),
			Required:    m.Required,
			Rules:       model.RuleSet{Rules: m.Rules},
		})
	}
	return out
}

func main() {
	var (
		cfgPath           string
		metricsBackendFlg string
		validate          bool
	)
	flag.StringVar(&cfgPath, "config", "configs/ingest.json", "ingest config JSON path")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend (datadog, none)")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")
	flag.Parse()

	f, err := os.Open(cfgPath)
	if err != nil {
		fatalf("open config: %v", err)
	}
	var cfg ingestConfig
	err = json.NewDecoder(f).Decode(&cfg)
	f.Close()
	if err != nil {
		fatalf("decode config: %v", err)
	}
	cfg.Storage.DSN = os.ExpandEnv(cfg.Storage.DSN)

	if err := cfg.validate(); err != nil {
		log.Printf("configuration is invalid: %v", err)
		os.Exit(1)
	}
	if validate {
		log.Printf("configuration is valid: %v", cfgPath)
		return
	}

	jobName := cfg.Job
	if jobName == "" {
		jobName = "ingest_job"
	}

	// Decide metrics backend: flag -> env -> none.
	var met metrics.Backend = metrics.Nop{}
	backendName := metricsBackendFlg
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	switch backendName {
	case "datadog":
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName: jobName,
			Tags:    datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
		})
		if err != nil {
			log.Printf("metrics: datadog init failed: %v; metrics disabled", err)
		} else {
			met = b
			defer func() {
				if err := b.Close(); err != nil {
					log.Printf("metrics: datadog close: %v", err)
				}
			}()
		}
	case "", "none":
		// metrics disabled
	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}

	ctx := context.Background()
	start := time.Now()

	repo, err := storage.New(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		fatalf("storage: %v", err)
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		fatalf("migrate: %v", err)
	}

	uploadDir := cfg.UploadDir
	if uploadDir == "" {
		uploadDir = filepath.Join(os.TempDir(), "warehouse-uploads")
	}
	svc := pipeline.New(repo, filestore.NewLocal(uploadDir), pipeline.Config{Job: cfg.jobConfig(met)})

	if err := svc.SeedIndicators(ctx, cfg.Indicators); err != nil {
		fatalf("seed indicators: %v", err)
	}

	src, err := os.Open(cfg.File)
	if err != nil {
		fatalf("open data file: %v", err)
	}
	opt := profile.Options{HasHeader: true, Encoding: cfg.Encoding}
	if cfg.HasHeader != nil {
		opt.HasHeader = *cfg.HasHeader
	}
	if cfg.Delimiter != "" {
		opt.Delimiter = []rune(cfg.Delimiter)[0]
	}
	a, warnings, err := svc.Analyze(ctx, filepath.Base(cfg.File), src, opt)
	src.Close()
	if err != nil {
		fatalf("analyze: %v", err)
	}
	for _, w := range warnings {
		log.Printf("mapping: column %d (%s): %s", w.ColumnIndex, w.ColumnName, w.Message)
	}

	confirmed, warnings, err := svc.ResolveMappings(ctx, a.ID, cfg.overrides())
	if err != nil {
		fatalf("resolve mappings: %v", err)
	}
	for _, w := range warnings {
		log.Printf("mapping: column %d (%s): %s", w.ColumnIndex, w.ColumnName, w.Message)
	}
	if *verbose {
		for _, m := range confirmed {
			log.Printf("mapping: column=%d name=%q role=%s required=%v", m.ColumnIndex, m.ColumnName, m.Role, m.Required)
		}
	}

	j, err := svc.StartJob(ctx, a.ID, cfg.BatchSize, fact.Config{
		DefaultIndicator: cfg.DefaultIndicator,
		SourceFile:       filepath.Base(cfg.File),
	})
	if err != nil {
		fatalf("start job: %v", err)
	}
	svc.Wait(j.ID)

	final, err := svc.JobStatus(ctx, j.ID)
	if err != nil {
		fatalf("job status: %v", err)
	}
	log.Printf("job %s: status=%s processed=%d errors=%d in %s",
		final.ID, final.Status, final.ProcessedRecords, final.ErrorRecords,
		time.Since(start).Truncate(time.Millisecond))

	if final.ErrorRecords > 0 {
		errs, err := svc.ListErrors(ctx, j.ID, model.ErrorFilter{Limit: 20})
		if err == nil {
			for _, e := range errs {
				log.Printf("  %s", e)
			}
		}
	}
	if final.Status == model.JobFailed {
		fatalf("job failed: %s", final.Message)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
