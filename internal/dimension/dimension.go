// Package dimension resolves raw cell values to dimension record IDs.
//
// Resolution is lookup-or-create keyed on each dimension's natural key. A
// per-resolver cache short-circuits repeated keys; the database's unique
// constraints keep concurrent resolvers consistent, so a cache miss that
// races another writer still converges on the same ID.
package dimension

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"warehouse/internal/model"
	"warehouse/internal/storage"
)

// Store is the slice of the storage API the resolver needs.
type Store interface {
	EnsureTime(ctx context.Context, d model.TimeDimension) (int64, error)
	EnsureLocation(ctx context.Context, d model.LocationDimension) (int64, error)
	EnsureGeneric(ctx context.Context, d model.GenericDimension) (int64, error)
	LookupLocation(ctx context.Context, key string) (*model.LocationDimension, error)
}

// Error is a row-scoped resolution failure. The fact loader records it as a
// DIMENSION_RESOLUTION processing error against the offending row.
type Error struct {
	Role   model.Role
	Raw    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve %s from %q: %s", e.Role, e.Raw, e.Reason)
}

// locEntry caches a resolved location with the natural key of the record the
// ID points to, so case variants of one location carry one canonical key.
type locEntry struct {
	id   int64
	code string
}

// genEntry caches a resolved generic dimension with its stored value.
type genEntry struct {
	id    int64
	value string
}

// Resolver caches natural-key lookups per ingestion run.
//
// Concurrency: safe for concurrent use by row workers; the cache is guarded
// by a mutex and the Ensure calls are idempotent.
type Resolver struct {
	store Store

	mu      sync.Mutex
	timeIDs map[string]int64
	locs    map[string]locEntry
	gens    map[string]genEntry
}

func NewResolver(store Store) *Resolver {
	return &Resolver{
		store:   store,
		timeIDs: map[string]int64{},
		locs:    map[string]locEntry{},
		gens:    map[string]genEntry{},
	}
}

// ---- time ----

var quarterRe = regexp.MustCompile(`^[Qq]([1-4])[\s/-]*(\d{4})$`)

// monthFormats are tried in order after the ISO and quarter forms.
var monthFormats = []string{"2006-01", "Jan 2006", "January 2006"}

// ParseTime canonicalizes a raw period string.
//
// Accepted forms, most to least specific:
//   - "2006-01-02"  full date
//   - "2006-01", "Jan 2006", "January 2006"  month granularity (day 0)
//   - "Q1 2006"  quarter granularity, stored as the quarter's end month
//   - "2006"  year granularity (month and day 0)
//
// The quarter field is derived from the month when one is present.
func ParseTime(raw string) (model.TimeDimension, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return model.TimeDimension{}, &Error{Role: model.RoleTime, Raw: raw, Reason: "empty value"}
	}

	if t, err := time.Parse("2006-01-02", v); err == nil {
		return model.TimeDimension{
			Year: t.Year(), Month: int(t.Month()), Day: t.Day(),
			Quarter: (int(t.Month()) + 2) / 3, Label: v,
		}, nil
	}

	if m := quarterRe.FindStringSubmatch(v); m != nil {
		q, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[2])
		// Quarterly periods canonicalize to their end month, so "Q1 2023"
		// and a later monthly "Mar 2023" share one record.
		return model.TimeDimension{Year: year, Month: q * 3, Quarter: q, Label: v}, nil
	}

	for _, layout := range monthFormats {
		if t, err := time.Parse(layout, v); err == nil {
			return model.TimeDimension{
				Year: t.Year(), Month: int(t.Month()),
				Quarter: (int(t.Month()) + 2) / 3, Label: v,
			}, nil
		}
	}

	if year, err := strconv.Atoi(v); err == nil && year >= 1000 && year <= 9999 {
		return model.TimeDimension{Year: year, Label: v}, nil
	}

	return model.TimeDimension{}, &Error{Role: model.RoleTime, Raw: raw, Reason: "unrecognized period format"}
}

// ResolveTime parses raw and returns the time dimension ID.
func (r *Resolver) ResolveTime(ctx context.Context, raw string) (int64, error) {
	d, err := ParseTime(raw)
	if err != nil {
		return 0, err
	}

	key := fmt.Sprintf("%d|%d|%d", d.Year, d.Month, d.Day)
	r.mu.Lock()
	id, ok := r.timeIDs[key]
	r.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err = r.store.EnsureTime(ctx, d)
	if err != nil {
		return 0, fmt.Errorf("ensure time %s: %w", key, err)
	}
	r.mu.Lock()
	r.timeIDs[key] = id
	r.mu.Unlock()
	return id, nil
}

// ---- location ----

// ResolveLocation finds a location by code or name, creating an untyped
// record keyed on the raw value when nothing matches. Alongside the ID it
// returns the resolved record's code: raw spellings that match one record
// ("US", "us", "United States") all yield the same canonical key, which is
// what callers must fold into dedupe hashes instead of the raw cell.
func (r *Resolver) ResolveLocation(ctx context.Context, raw string) (int64, string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, "", &Error{Role: model.RoleLocation, Raw: raw, Reason: "empty value"}
	}

	key := storage.NormalizeKey(v)
	r.mu.Lock()
	e, ok := r.locs[key]
	r.mu.Unlock()
	if ok {
		return e.id, e.code, nil
	}

	loc, err := r.store.LookupLocation(ctx, v)
	switch {
	case err == nil:
		e = locEntry{id: loc.ID, code: loc.Code}
	case isNotFound(err):
		// Unknown locations become untyped records for later curation.
		id, err := r.store.EnsureLocation(ctx, model.LocationDimension{Code: v, Name: v})
		if err != nil {
			return 0, "", fmt.Errorf("ensure location %q: %w", v, err)
		}
		e = locEntry{id: id, code: v}
	default:
		return 0, "", fmt.Errorf("lookup location %q: %w", v, err)
	}

	r.mu.Lock()
	r.locs[key] = e
	r.mu.Unlock()
	return e.id, e.code, nil
}

// ---- generic ----

// ResolveGeneric returns the ID for an open-ended (axis, value) pair, plus
// the value as stored on the resolved record. As with locations, dedupe
// hashes must use the returned value so spellings that resolve to one record
// hash identically.
func (r *Resolver) ResolveGeneric(ctx context.Context, name, raw string) (int64, string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, "", &Error{Role: model.RoleAdditional, Raw: raw, Reason: "empty value"}
	}

	key := name + "\x1f" + storage.NormalizeKey(v)
	r.mu.Lock()
	e, ok := r.gens[key]
	r.mu.Unlock()
	if ok {
		return e.id, e.value, nil
	}

	id, err := r.store.EnsureGeneric(ctx, model.GenericDimension{Name: name, Value: v})
	if err != nil {
		return 0, "", fmt.Errorf("ensure generic %s=%q: %w", name, v, err)
	}
	e = genEntry{id: id, value: v}
	r.mu.Lock()
	r.gens[key] = e
	r.mu.Unlock()
	return e.id, e.value, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
