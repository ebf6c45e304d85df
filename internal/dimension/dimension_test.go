package dimension

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"warehouse/internal/model"
	"warehouse/internal/storage"
)

// fakeStore hands out sequential IDs per distinct natural key and counts
// round trips so tests can observe the resolver cache.
type fakeStore struct {
	nextID int64
	times  map[string]int64
	locs   map[string]*model.LocationDimension
	gens   map[string]int64
	calls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		times: map[string]int64{},
		locs:  map[string]*model.LocationDimension{},
		gens:  map[string]int64{},
	}
}

func (s *fakeStore) id() int64 { s.nextID++; return s.nextID }

func (s *fakeStore) EnsureTime(_ context.Context, d model.TimeDimension) (int64, error) {
	s.calls++
	k := fmt.Sprintf("%d|%d|%d", d.Year, d.Month, d.Day)
	if id, ok := s.times[k]; ok {
		return id, nil
	}
	s.times[k] = s.id()
	return s.times[k], nil
}

func (s *fakeStore) EnsureLocation(_ context.Context, d model.LocationDimension) (int64, error) {
	s.calls++
	if loc, ok := s.locs[d.Code]; ok {
		return loc.ID, nil
	}
	d.ID = s.id()
	s.locs[d.Code] = &d
	return d.ID, nil
}

func (s *fakeStore) EnsureGeneric(_ context.Context, d model.GenericDimension) (int64, error) {
	s.calls++
	k := d.Name + "|" + d.Value
	if id, ok := s.gens[k]; ok {
		return id, nil
	}
	s.gens[k] = s.id()
	return s.gens[k], nil
}

func (s *fakeStore) LookupLocation(_ context.Context, key string) (*model.LocationDimension, error) {
	s.calls++
	if loc, ok := s.locs[key]; ok {
		return loc, nil
	}
	// Name matching is case-insensitive, like the SQL backends.
	for _, loc := range s.locs {
		if strings.EqualFold(loc.Name, key) {
			return loc, nil
		}
	}
	return nil, fmt.Errorf("location %q: %w", key, storage.ErrNotFound)
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    model.TimeDimension
		wantErr bool
	}{
		{in: "2023", want: model.TimeDimension{Year: 2023, Label: "2023"}},
		{in: " 2023 ", want: model.TimeDimension{Year: 2023, Label: "2023"}},
		{in: "2023-06-15", want: model.TimeDimension{Year: 2023, Month: 6, Day: 15, Quarter: 2, Label: "2023-06-15"}},
		{in: "2023-06", want: model.TimeDimension{Year: 2023, Month: 6, Quarter: 2, Label: "2023-06"}},
		{in: "Jun 2023", want: model.TimeDimension{Year: 2023, Month: 6, Quarter: 2, Label: "Jun 2023"}},
		{in: "January 2023", want: model.TimeDimension{Year: 2023, Month: 1, Quarter: 1, Label: "January 2023"}},
		{in: "Q1 2023", want: model.TimeDimension{Year: 2023, Month: 3, Quarter: 1, Label: "Q1 2023"}},
		{in: "q4 2023", want: model.TimeDimension{Year: 2023, Month: 12, Quarter: 4, Label: "q4 2023"}},
		{in: "", wantErr: true},
		{in: "yesterday", wantErr: true},
		{in: "23", wantErr: true},
		{in: "Q5 2023", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTime(tt.in)
			if tt.wantErr {
				var derr *Error
				if !errors.As(err, &derr) {
					t.Fatalf("ParseTime(%q) err = %v, want *dimension.Error", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTime(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseTime(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveTime_CachesByCanonicalKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	r := NewResolver(store)

	id1, err := r.ResolveTime(ctx, "Q1 2023")
	if err != nil {
		t.Fatalf("ResolveTime: %v", err)
	}
	// Same canonical period in a different spelling: served from cache.
	id2, err := r.ResolveTime(ctx, "q1 2023")
	if err != nil {
		t.Fatalf("ResolveTime (respelled): %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ for one canonical period: %d vs %d", id1, id2)
	}
	if store.calls != 1 {
		t.Errorf("store round trips = %d, want 1 (second resolve cached)", store.calls)
	}

	id3, err := r.ResolveTime(ctx, "2024")
	if err != nil {
		t.Fatalf("ResolveTime(2024): %v", err)
	}
	if id3 == id1 {
		t.Error("distinct periods share an ID")
	}
}

func TestResolveLocation_LookupThenCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	store.locs["DE"] = &model.LocationDimension{ID: 77, Code: "DE", Name: "Germany"}
	r := NewResolver(store)

	id, code, err := r.ResolveLocation(ctx, " DE ")
	if err != nil {
		t.Fatalf("ResolveLocation(DE): %v", err)
	}
	if id != 77 || code != "DE" {
		t.Errorf("resolved = (%d, %q), want existing (77, DE)", id, code)
	}

	byName, code, err := r.ResolveLocation(ctx, "Germany")
	if err != nil {
		t.Fatalf("ResolveLocation(Germany): %v", err)
	}
	if byName != 77 || code != "DE" {
		t.Errorf("name lookup = (%d, %q), want (77, DE)", byName, code)
	}

	created, code, err := r.ResolveLocation(ctx, "Narnia")
	if err != nil {
		t.Fatalf("ResolveLocation(Narnia): %v", err)
	}
	if created == 77 || created == 0 || code != "Narnia" {
		t.Errorf("created = (%d, %q)", created, code)
	}
	loc := store.locs["Narnia"]
	if loc == nil || loc.Type != "" {
		t.Errorf("created location = %+v, want untyped record keyed on raw value", loc)
	}

	if _, _, err := r.ResolveLocation(ctx, "   "); err == nil {
		t.Error("empty location resolved without error")
	}
}

func TestResolveLocation_CaseVariantsShareOneKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	store.locs["US"] = &model.LocationDimension{ID: 5, Code: "US", Name: "US"}
	r := NewResolver(store)

	id1, key1, err := r.ResolveLocation(ctx, "US")
	if err != nil {
		t.Fatalf("ResolveLocation(US): %v", err)
	}
	id2, key2, err := r.ResolveLocation(ctx, "us")
	if err != nil {
		t.Fatalf("ResolveLocation(us): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ for one location: %d vs %d", id1, id2)
	}
	if key1 != "US" || key2 != "US" {
		t.Errorf("canonical keys = %q, %q; want the stored code for both", key1, key2)
	}
}

func TestResolveLocation_CacheSkipsRepeatLookups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	store.locs["US"] = &model.LocationDimension{ID: 5, Code: "US"}
	r := NewResolver(store)

	for i := 0; i < 10; i++ {
		if _, _, err := r.ResolveLocation(ctx, "US"); err != nil {
			t.Fatalf("ResolveLocation: %v", err)
		}
	}
	if store.calls != 1 {
		t.Errorf("store round trips = %d, want 1", store.calls)
	}
}

func TestResolveGeneric(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	r := NewResolver(store)

	id1, val1, err := r.ResolveGeneric(ctx, "sector", "health")
	if err != nil {
		t.Fatalf("ResolveGeneric: %v", err)
	}
	id2, val2, err := r.ResolveGeneric(ctx, "sector", " health ")
	if err != nil {
		t.Fatalf("ResolveGeneric (trimmed): %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ after trim: %d vs %d", id1, id2)
	}
	if val1 != "health" || val2 != "health" {
		t.Errorf("stored values = %q, %q; want the record's value for both", val1, val2)
	}

	other, _, err := r.ResolveGeneric(ctx, "unit", "health")
	if err != nil {
		t.Fatalf("ResolveGeneric (other axis): %v", err)
	}
	if other == id1 {
		t.Error("same value on different axes collapsed to one record")
	}
}
