package fact

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"warehouse/internal/dimension"
	"warehouse/internal/model"
	"warehouse/internal/storage"
)

// ---- fakes ----

type memStore struct {
	facts  []*model.Fact
	hashes map[string]bool
}

func newMemStore() *memStore { return &memStore{hashes: map[string]bool{}} }

func (s *memStore) InsertFact(_ context.Context, f *model.Fact) (bool, error) {
	if s.hashes[f.SourceRowHash] {
		return false, nil
	}
	s.hashes[f.SourceRowHash] = true
	cp := *f
	cp.ID = int64(len(s.facts) + 1)
	s.facts = append(s.facts, &cp)
	return true, nil
}

type memCatalog map[string]*model.Indicator

func (c memCatalog) LookupIndicator(_ context.Context, key string) (*model.Indicator, error) {
	if ind, ok := c[strings.ToLower(key)]; ok {
		return ind, nil
	}
	return nil, fmt.Errorf("indicator %q: %w", key, storage.ErrNotFound)
}

type memDims struct {
	next int64
	ids  map[string]int64
}

func (s *memDims) ensure(key string) (int64, error) {
	if s.ids == nil {
		s.ids = map[string]int64{}
	}
	if id, ok := s.ids[key]; ok {
		return id, nil
	}
	s.next++
	s.ids[key] = s.next
	return s.next, nil
}

func (s *memDims) EnsureTime(_ context.Context, d model.TimeDimension) (int64, error) {
	return s.ensure(fmt.Sprintf("t:%d|%d|%d", d.Year, d.Month, d.Day))
}
func (s *memDims) EnsureLocation(_ context.Context, d model.LocationDimension) (int64, error) {
	return s.ensure("l:" + d.Code)
}
func (s *memDims) EnsureGeneric(_ context.Context, d model.GenericDimension) (int64, error) {
	return s.ensure("g:" + d.Name + "|" + d.Value)
}
func (s *memDims) LookupLocation(_ context.Context, key string) (*model.LocationDimension, error) {
	return nil, fmt.Errorf("location %q: %w", key, storage.ErrNotFound)
}

// curatedDims layers a pre-seeded location table with the case-insensitive
// matching the SQL backends do over the create-on-miss memDims.
type curatedDims struct {
	memDims
	locations []*model.LocationDimension
}

func (s *curatedDims) LookupLocation(_ context.Context, key string) (*model.LocationDimension, error) {
	for _, loc := range s.locations {
		if loc.Code == key || strings.EqualFold(loc.Name, key) {
			return loc, nil
		}
	}
	return nil, fmt.Errorf("location %q: %w", key, storage.ErrNotFound)
}

// ---- fixtures ----

func testAnalysis() *model.Analysis {
	return &model.Analysis{
		ID:          "a1",
		ColumnCount: 5,
		Columns: []model.ColumnProfile{
			{Index: 0, Name: "country", DataType: model.TypeText},
			{Index: 1, Name: "year", DataType: model.TypeInteger},
			{Index: 2, Name: "indicator", DataType: model.TypeText},
			{Index: 3, Name: "value", DataType: model.TypeDecimal},
			{Index: 4, Name: "sector", DataType: model.TypeText},
		},
	}
}

func testMappings() []model.ColumnMapping {
	return []model.ColumnMapping{
		{ColumnIndex: 0, ColumnName: "country", Role: model.RoleLocation},
		{ColumnIndex: 1, ColumnName: "year", Role: model.RoleTime},
		{ColumnIndex: 2, ColumnName: "indicator", Role: model.RoleIndicatorName},
		{ColumnIndex: 3, ColumnName: "value", Role: model.RoleIndicatorValue},
		{ColumnIndex: 4, ColumnName: "sector", Role: model.RoleAdditional},
	}
}

func testCatalog() memCatalog {
	return memCatalog{
		"gdp_growth": {ID: 10, Code: "gdp_growth", Name: "GDP Growth"},
		"gdp growth": {ID: 10, Code: "gdp_growth", Name: "GDP Growth"},
	}
}

func newTestLoader(t *testing.T, store FactStore) *Loader {
	t.Helper()
	l, err := NewLoader(store, dimension.NewResolver(&memDims{}), testCatalog(),
		testAnalysis(), testMappings(), Config{SourceFile: "indicators.csv"})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

// ---- hash ----

func TestRowHash_Deterministic(t *testing.T) {
	t.Parallel()

	comps := []HashComponent{
		{Name: "indicator", Value: strptr("gdp_growth")},
		{Name: "time", Value: strptr("2023|0|0")},
		{Name: "value", Value: strptr("2.5")},
	}
	h1 := RowHash(comps)
	h2 := RowHash(comps)
	if h1 != h2 {
		t.Fatal("same components produced different hashes")
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Errorf("hash %q is not lowercase 64-char hex", h1)
	}
}

func TestRowHash_NilDiffersFromEmpty(t *testing.T) {
	t.Parallel()

	withNil := RowHash([]HashComponent{{Name: "a", Value: strptr("x")}, {Name: "b"}})
	withEmpty := RowHash([]HashComponent{{Name: "a", Value: strptr("x")}, {Name: "b", Value: strptr("")}})
	if withNil == withEmpty {
		t.Error("absent component hashed same as empty string")
	}
}

func TestRowHash_TrimsValues(t *testing.T) {
	t.Parallel()

	a := RowHash([]HashComponent{{Name: "a", Value: strptr("US")}})
	b := RowHash([]HashComponent{{Name: "a", Value: strptr("  US  ")}})
	if a != b {
		t.Error("surrounding whitespace changed the hash")
	}
}

// ---- loader ----

func TestLoadRow_InsertsFact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	l := newTestLoader(t, store)

	res, err := l.LoadRow(ctx, 2, []string{"US", "2023", "gdp_growth", "2.5", "health"})
	if err != nil {
		t.Fatalf("LoadRow: %v", err)
	}
	if res.Outcome != Inserted {
		t.Fatalf("outcome = %v, want Inserted (errs: %v)", res.Outcome, res.Errs)
	}
	if len(store.facts) != 1 {
		t.Fatalf("stored %d facts, want 1", len(store.facts))
	}

	f := store.facts[0]
	if f.IndicatorID != 10 || f.Value != 2.5 {
		t.Errorf("fact = %+v", f)
	}
	if f.TimeID == 0 || f.LocationID == 0 || len(f.GenericIDs) != 1 {
		t.Errorf("dimension refs not resolved: %+v", f)
	}
	if f.SourceFile != "indicators.csv" || f.SourceRow != 2 {
		t.Errorf("provenance lost: %+v", f)
	}
}

func TestLoadRow_RowOrderDoesNotChangeHash(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	l := newTestLoader(t, store)

	res1, err := l.LoadRow(ctx, 2, []string{"US", "2023", "gdp_growth", "2.5", "health"})
	if err != nil {
		t.Fatalf("LoadRow: %v", err)
	}
	if res1.Outcome != Inserted {
		t.Fatalf("first row outcome = %v", res1.Outcome)
	}

	// Same data at a different physical row is the same fact.
	res2, err := l.LoadRow(ctx, 99, []string{"US", "2023", "gdp_growth", "2.5", "health"})
	if err != nil {
		t.Fatalf("LoadRow (moved): %v", err)
	}
	if res2.Outcome != Duplicate {
		t.Fatalf("outcome = %v, want Duplicate", res2.Outcome)
	}
	if len(res2.Errs) != 1 || res2.Errs[0].Type != model.ErrTypeDuplicateRow {
		t.Fatalf("errs = %v, want one DUPLICATE_ROW entry", res2.Errs)
	}
	if res2.Errs[0].Severity != model.SeverityInfo {
		t.Errorf("duplicate severity = %s, want info", res2.Errs[0].Severity)
	}
	if res2.Errs[0].Type.CountsAsError() {
		t.Error("DUPLICATE_ROW must not count as an error")
	}
}

func TestLoadRow_DistinctValuesAreDistinctFacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	l := newTestLoader(t, store)

	rows := [][]string{
		{"US", "2023", "gdp_growth", "2.5", "health"},
		{"US", "2023", "gdp_growth", "2.6", "health"},
		{"FR", "2023", "gdp_growth", "2.5", "health"},
	}
	for i, rec := range rows {
		res, err := l.LoadRow(ctx, i+2, rec)
		if err != nil {
			t.Fatalf("LoadRow(%d): %v", i, err)
		}
		if res.Outcome != Inserted {
			t.Fatalf("row %d outcome = %v, want Inserted", i, res.Outcome)
		}
	}
	if len(store.facts) != 3 {
		t.Errorf("stored %d facts, want 3", len(store.facts))
	}
}

func TestLoadRow_RowScopedErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name     string
		rec      []string
		wantType model.ErrorType
	}{
		{"unknown indicator", []string{"US", "2023", "who_knows", "2.5", ""}, model.ErrTypeUnknownIndicator},
		{"empty indicator", []string{"US", "2023", "", "2.5", ""}, model.ErrTypeUnknownIndicator},
		{"unparseable value", []string{"US", "2023", "gdp_growth", "lots", ""}, model.ErrTypeValueParse},
		{"missing value", []string{"US", "2023", "gdp_growth", "N/A", ""}, model.ErrTypeValueParse},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := newMemStore()
			l := newTestLoader(t, store)

			res, err := l.LoadRow(ctx, 2, tt.rec)
			if err != nil {
				t.Fatalf("LoadRow: %v", err)
			}
			if res.Outcome != Skipped {
				t.Fatalf("outcome = %v, want Skipped", res.Outcome)
			}
			if len(res.Errs) != 1 || res.Errs[0].Type != tt.wantType {
				t.Fatalf("errs = %v, want one %s", res.Errs, tt.wantType)
			}
			if len(store.facts) != 0 {
				t.Error("skipped row still inserted a fact")
			}
		})
	}
}

func TestLoadRow_RequiredDimensionSkipsRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()

	mappings := testMappings()
	mappings[1].Required = true // TIME
	l, err := NewLoader(store, dimension.NewResolver(&memDims{}), testCatalog(),
		testAnalysis(), mappings, Config{SourceFile: "f.csv"})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	res, err := l.LoadRow(ctx, 3, []string{"US", "sometime", "gdp_growth", "2.5", ""})
	if err != nil {
		t.Fatalf("LoadRow: %v", err)
	}
	if res.Outcome != Skipped {
		t.Fatalf("outcome = %v, want Skipped", res.Outcome)
	}
	if res.Errs[0].Type != model.ErrTypeDimensionResolution {
		t.Errorf("error type = %s, want DIMENSION_RESOLUTION", res.Errs[0].Type)
	}
}

func TestLoadRow_OptionalDimensionProceedsUnset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	l := newTestLoader(t, store)

	res, err := l.LoadRow(ctx, 3, []string{"US", "sometime", "gdp_growth", "2.5", ""})
	if err != nil {
		t.Fatalf("LoadRow: %v", err)
	}
	if res.Outcome != Inserted {
		t.Fatalf("outcome = %v, want Inserted with unset time", res.Outcome)
	}
	if store.facts[0].TimeID != 0 {
		t.Errorf("TimeID = %d, want 0", store.facts[0].TimeID)
	}
}

func TestLoadRow_LocationCaseVariantsAreDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()

	dims := &curatedDims{locations: []*model.LocationDimension{
		{ID: 7, Code: "US", Name: "US"},
	}}
	l, err := NewLoader(store, dimension.NewResolver(dims), testCatalog(),
		testAnalysis(), testMappings(), Config{SourceFile: "f.csv"})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	r1, err := l.LoadRow(ctx, 2, []string{"US", "2023", "gdp_growth", "3.4", ""})
	if err != nil {
		t.Fatalf("LoadRow(US): %v", err)
	}
	// Same location spelled differently resolves to the same record, so the
	// hash must collapse the two rows to one fact.
	r2, err := l.LoadRow(ctx, 3, []string{"us", "2023", "gdp_growth", "3.4", ""})
	if err != nil {
		t.Fatalf("LoadRow(us): %v", err)
	}
	if r1.Outcome != Inserted || r2.Outcome != Duplicate {
		t.Errorf("outcomes = %v, %v; want Inserted then Duplicate", r1.Outcome, r2.Outcome)
	}
	if len(store.facts) != 1 {
		t.Fatalf("stored %d facts, want 1", len(store.facts))
	}
	if store.facts[0].LocationID != 7 {
		t.Errorf("LocationID = %d, want seeded 7", store.facts[0].LocationID)
	}
}

func TestLoadRow_RulesAppliedBeforeResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()

	mappings := testMappings()
	mappings[0].Rules = model.RuleSet{Rules: []model.Rule{
		{Kind: model.RuleTrim},
		{Kind: model.RuleUpper},
	}}
	dims := dimension.NewResolver(&memDims{})
	l, err := NewLoader(store, dims, testCatalog(), testAnalysis(), mappings, Config{SourceFile: "f.csv"})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	r1, err := l.LoadRow(ctx, 2, []string{" us ", "2023", "gdp_growth", "2.5", ""})
	if err != nil {
		t.Fatalf("LoadRow: %v", err)
	}
	r2, err := l.LoadRow(ctx, 3, []string{"US", "2023", "gdp_growth", "2.5", ""})
	if err != nil {
		t.Fatalf("LoadRow (canonical): %v", err)
	}
	if r1.Outcome != Inserted || r2.Outcome != Duplicate {
		t.Errorf("outcomes = %v, %v; want Inserted then Duplicate after normalization", r1.Outcome, r2.Outcome)
	}
}

func TestNewLoader_DefaultIndicator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()

	// Drop the INDICATOR_NAME column; all rows fall back to the default.
	mappings := []model.ColumnMapping{
		{ColumnIndex: 1, ColumnName: "year", Role: model.RoleTime},
		{ColumnIndex: 3, ColumnName: "value", Role: model.RoleIndicatorValue},
	}
	l, err := NewLoader(store, dimension.NewResolver(&memDims{}), testCatalog(),
		testAnalysis(), mappings, Config{SourceFile: "f.csv", DefaultIndicator: "gdp_growth"})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	res, err := l.LoadRow(ctx, 2, []string{"", "2023", "", "2.5", ""})
	if err != nil {
		t.Fatalf("LoadRow: %v", err)
	}
	if res.Outcome != Inserted || store.facts[0].IndicatorID != 10 {
		t.Errorf("default indicator not applied: %v %+v", res.Outcome, store.facts)
	}

	// Without a default and without a name column the plan is invalid.
	if _, err := NewLoader(store, dimension.NewResolver(&memDims{}), testCatalog(),
		testAnalysis(), mappings, Config{}); err == nil {
		t.Error("NewLoader accepted a plan with no indicator source")
	}
}
