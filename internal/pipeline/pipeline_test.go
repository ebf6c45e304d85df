package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"warehouse/internal/fact"
	"warehouse/internal/filestore"
	"warehouse/internal/job"
	"warehouse/internal/model"
	"warehouse/internal/profile"
	"warehouse/internal/storage"

	_ "warehouse/internal/storage/sqlite"
)

const uploadCSV = "Country Code,Year,Indicator Name,Value\n" +
	"DE,2023,GDP,3.4\n" +
	"FR,2023,GDP,2.9\n" +
	"DE,2022,GDP,3.1\n" +
	"FR,2022,Happiness,7.1\n"

func newService(t *testing.T) (*Service, storage.Repository) {
	t.Helper()
	ctx := context.Background()

	repo, err := storage.New(ctx, storage.Config{
		Kind: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "warehouse.db"),
	})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	svc := New(repo, filestore.NewMem(), Config{
		Job: job.Config{BatchSize: 2, Workers: 2, RetryInterval: time.Millisecond},
	})
	return svc, repo
}

func TestEndToEndIngestion(t *testing.T) {
	ctx := context.Background()
	svc, repo := newService(t)

	if err := svc.SeedIndicators(ctx, []model.Indicator{
		{Code: "GDP", Name: "Gross domestic product", Unit: "%"},
	}); err != nil {
		t.Fatalf("SeedIndicators: %v", err)
	}

	a, warnings, err := svc.Analyze(ctx, "indicators.csv", strings.NewReader(uploadCSV), profile.Options{HasHeader: true})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %+v", warnings)
	}
	if a.RowCount != 4 || a.ColumnCount != 4 {
		t.Fatalf("profile = %d rows, %d cols", a.RowCount, a.ColumnCount)
	}

	// Auto-detection should have claimed all four roles from the headers.
	_, detected, err := svc.Analysis(ctx, a.ID)
	if err != nil {
		t.Fatalf("Analysis: %v", err)
	}
	roles := map[model.Role]bool{}
	for _, m := range detected {
		roles[m.Role] = true
		if m.Confirmed {
			t.Errorf("detected mapping for column %d already confirmed", m.ColumnIndex)
		}
	}
	for _, want := range []model.Role{model.RoleLocation, model.RoleTime, model.RoleIndicatorName, model.RoleIndicatorValue} {
		if !roles[want] {
			t.Errorf("role %s not detected; have %+v", want, detected)
		}
	}

	confirmed, warnings, err := svc.ResolveMappings(ctx, a.ID, []model.ColumnMapping{
		{ColumnIndex: 1, Role: model.RoleTime, Required: true},
	})
	if err != nil {
		t.Fatalf("ResolveMappings: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("resolve warnings = %+v", warnings)
	}
	for _, m := range confirmed {
		if !m.Confirmed {
			t.Errorf("column %d not marked confirmed", m.ColumnIndex)
		}
	}

	j, err := svc.StartJob(ctx, a.ID, 3, fact.Config{})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	svc.Wait(j.ID)

	got, err := svc.JobStatus(ctx, j.ID)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	// The Happiness row is not in the catalog, so the job ends partial.
	if got.Status != model.JobPartiallyCompleted {
		t.Errorf("status = %s, want PARTIALLY_COMPLETED (message %q)", got.Status, got.Message)
	}
	if got.ProcessedRecords != 4 || got.ErrorRecords != 1 {
		t.Errorf("counters = processed %d errors %d", got.ProcessedRecords, got.ErrorRecords)
	}
	// The per-job batch size wins over the service-wide default of 2.
	if got.BatchSize != 3 {
		t.Errorf("BatchSize = %d, want per-job override 3", got.BatchSize)
	}

	if n, err := repo.FactCount(ctx); err != nil || n != 3 {
		t.Errorf("FactCount = %d (%v), want 3", n, err)
	}
	errs, err := svc.ListErrors(ctx, j.ID, model.ErrorFilter{Type: model.ErrTypeUnknownIndicator})
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if len(errs) != 1 || errs[0].RowNumber != 4 {
		t.Errorf("unknown indicator errors = %+v", errs)
	}

	if err := svc.CancelJob(ctx, j.ID); err == nil {
		t.Error("CancelJob accepted a finished job")
	}
}

func TestReuploadIsClean(t *testing.T) {
	ctx := context.Background()
	svc, repo := newService(t)

	if err := svc.SeedIndicators(ctx, []model.Indicator{{Code: "GDP", Name: "Gross domestic product"}}); err != nil {
		t.Fatalf("SeedIndicators: %v", err)
	}

	clean := "Country Code,Year,Indicator Name,Value\nDE,2023,GDP,3.4\nFR,2023,GDP,2.9\n"
	run := func(name string) *model.ProcessingJob {
		a, _, err := svc.Analyze(ctx, name, strings.NewReader(clean), profile.Options{HasHeader: true})
		if err != nil {
			t.Fatalf("Analyze %s: %v", name, err)
		}
		j, err := svc.StartJob(ctx, a.ID, 0, fact.Config{SourceFile: "gdp.csv"})
		if err != nil {
			t.Fatalf("StartJob %s: %v", name, err)
		}
		svc.Wait(j.ID)
		got, err := svc.JobStatus(ctx, j.ID)
		if err != nil {
			t.Fatalf("JobStatus %s: %v", name, err)
		}
		return got
	}

	first := run("gdp.csv")
	if first.Status != model.JobCompleted {
		t.Fatalf("first run status = %s (message %q)", first.Status, first.Message)
	}

	second := run("gdp.csv")
	if second.Status != model.JobCompleted {
		t.Errorf("re-upload status = %s, want COMPLETED", second.Status)
	}
	if second.ErrorRecords != 0 {
		t.Errorf("re-upload ErrorRecords = %d, want 0", second.ErrorRecords)
	}
	if n, _ := repo.FactCount(ctx); n != 2 {
		t.Errorf("FactCount after re-upload = %d, want 2", n)
	}
}

func TestLocationCaseVariantsDedupe(t *testing.T) {
	ctx := context.Background()
	svc, repo := newService(t)

	if err := svc.SeedIndicators(ctx, []model.Indicator{{Code: "GDP", Name: "Gross domestic product"}}); err != nil {
		t.Fatalf("SeedIndicators: %v", err)
	}

	run := func(name, data string) *model.ProcessingJob {
		a, _, err := svc.Analyze(ctx, name, strings.NewReader(data), profile.Options{HasHeader: true})
		if err != nil {
			t.Fatalf("Analyze %s: %v", name, err)
		}
		j, err := svc.StartJob(ctx, a.ID, 0, fact.Config{SourceFile: "gdp.csv"})
		if err != nil {
			t.Fatalf("StartJob %s: %v", name, err)
		}
		svc.Wait(j.ID)
		got, err := svc.JobStatus(ctx, j.ID)
		if err != nil {
			t.Fatalf("JobStatus %s: %v", name, err)
		}
		return got
	}

	first := run("upper.csv", "Country Code,Year,Indicator Name,Value\nUS,2023,GDP,3.4\n")
	if first.Status != model.JobCompleted {
		t.Fatalf("first run status = %s (message %q)", first.Status, first.Message)
	}

	// Same measurement with the location respelled resolves to the same
	// location record, so it must land as a duplicate, not a second fact.
	second := run("lower.csv", "Country Code,Year,Indicator Name,Value\nus,2023,GDP,3.4\n")
	if second.Status != model.JobCompleted {
		t.Errorf("second run status = %s, want COMPLETED", second.Status)
	}
	if second.ErrorRecords != 0 {
		t.Errorf("second run ErrorRecords = %d, want 0", second.ErrorRecords)
	}
	if n, _ := repo.FactCount(ctx); n != 1 {
		t.Errorf("FactCount = %d, want 1", n)
	}
	dups, err := svc.ListErrors(ctx, second.ID, model.ErrorFilter{Type: model.ErrTypeDuplicateRow})
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if len(dups) != 1 {
		t.Errorf("duplicate notes = %d, want 1", len(dups))
	}
}

func TestStartJobRequiresRunnableMappings(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	// No numeric column, so detection cannot claim INDICATOR_VALUE.
	a, _, err := svc.Analyze(ctx, "notes.csv", strings.NewReader("Country,Comment\nDE,fine\n"), profile.Options{HasHeader: true})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if _, err := svc.StartJob(ctx, a.ID, 0, fact.Config{}); err == nil {
		t.Error("StartJob accepted a mapping set without a value column")
	}

	if _, err := svc.StartJob(ctx, "no-such-analysis", 0, fact.Config{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("StartJob(unknown) = %v, want ErrNotFound", err)
	}
}

func TestAnalyzeRejectsMalformedUpload(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, _, err := svc.Analyze(ctx, "bad.bin", strings.NewReader("col\xff\xfe\n"), profile.Options{HasHeader: true})
	if !errors.Is(err, model.ErrMalformedInput) {
		t.Errorf("Analyze = %v, want ErrMalformedInput", err)
	}
}

func TestResolveMappings(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	a, _, err := svc.Analyze(ctx, "gdp.csv", strings.NewReader("Country,Value\nDE,3.4\n"), profile.Options{HasHeader: true})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	// Overriding the country column to a second value column must fail.
	if _, _, err := svc.ResolveMappings(ctx, a.ID, []model.ColumnMapping{
		{ColumnIndex: 0, Role: model.RoleIndicatorValue},
	}); err == nil {
		t.Error("ResolveMappings accepted two value columns")
	}

	// No overrides: the detected set is confirmed as is.
	confirmed, warnings, err := svc.ResolveMappings(ctx, a.ID, nil)
	if err != nil {
		t.Fatalf("ResolveMappings: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %+v", warnings)
	}
	if len(confirmed) != 2 || !confirmed[0].Confirmed || !confirmed[1].Confirmed {
		t.Fatalf("confirmed = %+v", confirmed)
	}
	if confirmed[0].Role != model.RoleLocation || confirmed[1].Role != model.RoleIndicatorValue {
		t.Errorf("roles = %s, %s", confirmed[0].Role, confirmed[1].Role)
	}

	_, stored, err := svc.Analysis(ctx, a.ID)
	if err != nil {
		t.Fatalf("Analysis: %v", err)
	}
	if len(stored) != 2 || !stored[0].Confirmed {
		t.Errorf("stored mappings = %+v", stored)
	}

	// An empty-role override unmaps the column and reports it.
	confirmed, warnings, err = svc.ResolveMappings(ctx, a.ID, []model.ColumnMapping{
		{ColumnIndex: 0, Role: ""},
	})
	if err != nil {
		t.Fatalf("ResolveMappings(remove): %v", err)
	}
	if len(confirmed) != 1 || confirmed[0].ColumnIndex != 1 {
		t.Errorf("confirmed after removal = %+v", confirmed)
	}
	if len(warnings) != 1 || warnings[0].ColumnIndex != 0 {
		t.Errorf("removal warnings = %+v", warnings)
	}
}
