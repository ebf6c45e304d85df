// Package fact converts mapped source rows into fact records: it parses the
// measure value, resolves dimension references, computes the dedupe hash,
// and inserts through the repository.
package fact

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"warehouse/internal/dimension"
	"warehouse/internal/model"
	"warehouse/internal/profile"
	"warehouse/internal/storage"
)

// FactStore is the slice of the storage API the loader writes through.
type FactStore interface {
	InsertFact(ctx context.Context, f *model.Fact) (bool, error)
}

// Catalog resolves indicator names or codes to catalog entries.
// storage.Repository satisfies it; internal/catalog adds caching.
type Catalog interface {
	LookupIndicator(ctx context.Context, key string) (*model.Indicator, error)
}

// Config tunes loading behavior.
type Config struct {
	// DefaultIndicator is the catalog code used when the mapping set has no
	// INDICATOR_NAME column (single-indicator files).
	DefaultIndicator string

	// SourceFile is recorded on every fact and folded into the row hash, so
	// identical rows from distinct files stay distinct.
	SourceFile string
}

// Outcome classifies what happened to one row.
type Outcome int

const (
	// Inserted: a new fact was written.
	Inserted Outcome = iota
	// Duplicate: an identical row already exists; nothing was written.
	Duplicate
	// Skipped: a row-scoped error prevented the insert.
	Skipped
)

// Result is the outcome of loading one row. Errs carries the processing
// errors to record; a Duplicate result has exactly one info-level entry.
type Result struct {
	Row     int
	Outcome Outcome
	Errs    []model.ProcessingError
}

// columnPlan is one mapped column with its normalization rules pre-validated.
type columnPlan struct {
	index int
	name  string
	rules model.RuleSet
}

// Loader turns rows of one analysis into facts. Build one per job via
// NewLoader; safe for concurrent use by row workers.
type Loader struct {
	store FactStore
	dims  *dimension.Resolver
	cat   Catalog
	cfg   Config

	value      columnPlan
	valueType  model.DataType
	indicator  *columnPlan
	timeCol    *columnPlan
	timeReq    bool
	locCol     *columnPlan
	locReq     bool
	additional []columnPlan // SOURCE, UNIT, GOAL, ADDITIONAL columns, in column order
	axes       []string     // generic axis name per additional column
}

// NewLoader compiles the mapping set into a load plan.
//
// Errors:
//   - No INDICATOR_VALUE mapping, or its column profile is non-numeric.
//   - No INDICATOR_NAME mapping and no cfg.DefaultIndicator.
func NewLoader(store FactStore, dims *dimension.Resolver, cat Catalog, a *model.Analysis, mappings []model.ColumnMapping, cfg Config) (*Loader, error) {
	l := &Loader{store: store, dims: dims, cat: cat, cfg: cfg}

	plan := func(m model.ColumnMapping) columnPlan {
		return columnPlan{index: m.ColumnIndex, name: m.ColumnName, rules: m.Rules}
	}

	valueSet := false
	for _, m := range mappings {
		p := plan(m)
		switch m.Role {
		case model.RoleIndicatorValue:
			l.value = p
			l.valueType = a.Columns[m.ColumnIndex].DataType
			valueSet = true
		case model.RoleIndicatorName:
			cp := p
			l.indicator = &cp
		case model.RoleTime:
			cp := p
			l.timeCol = &cp
			l.timeReq = m.Required
		case model.RoleLocation:
			cp := p
			l.locCol = &cp
			l.locReq = m.Required
		case model.RoleSource:
			l.additional = append(l.additional, p)
			l.axes = append(l.axes, "source")
		case model.RoleUnit:
			l.additional = append(l.additional, p)
			l.axes = append(l.axes, "unit")
		case model.RoleGoal:
			l.additional = append(l.additional, p)
			l.axes = append(l.axes, "goal")
		case model.RoleAdditional:
			l.additional = append(l.additional, p)
			l.axes = append(l.axes, m.ColumnName)
		}
	}

	if !valueSet {
		return nil, fmt.Errorf("mapping set has no %s column", model.RoleIndicatorValue)
	}
	if !l.valueType.Numeric() {
		return nil, fmt.Errorf("%s column %d has non-numeric type %s",
			model.RoleIndicatorValue, l.value.index, l.valueType)
	}
	if l.indicator == nil && cfg.DefaultIndicator == "" {
		return nil, fmt.Errorf("mapping set has no %s column and no default indicator is configured",
			model.RoleIndicatorName)
	}
	return l, nil
}

// cell applies the column's rules to the raw record value.
func (p columnPlan) cell(rec []string) string {
	if p.index >= len(rec) {
		return ""
	}
	return p.rules.Apply(rec[p.index])
}

// LoadRow processes one record. Row-scoped failures are reported in the
// Result, never as the error return; the error return is reserved for
// infrastructure failures the caller must retry or abort on.
func (l *Loader) LoadRow(ctx context.Context, rowNum int, rec []string) (Result, error) {
	res := Result{Row: rowNum}

	skip := func(col, raw string, typ model.ErrorType, msg string) (Result, error) {
		res.Outcome = Skipped
		res.Errs = append(res.Errs, model.ProcessingError{
			RowNumber:  rowNum,
			ColumnName: col,
			RawValue:   raw,
			Type:       typ,
			Severity:   typ.DefaultSeverity(),
			Message:    msg,
		})
		return res, nil
	}

	// Indicator first: without it nothing else matters.
	indicatorKey := l.cfg.DefaultIndicator
	indicatorCol := ""
	if l.indicator != nil {
		indicatorCol = l.indicator.name
		indicatorKey = strings.TrimSpace(l.indicator.cell(rec))
		if indicatorKey == "" {
			return skip(indicatorCol, "", model.ErrTypeUnknownIndicator, "empty indicator name")
		}
	}
	ind, err := l.cat.LookupIndicator(ctx, indicatorKey)
	if errors.Is(err, storage.ErrNotFound) {
		return skip(indicatorCol, indicatorKey, model.ErrTypeUnknownIndicator,
			fmt.Sprintf("indicator %q is not in the catalog", indicatorKey))
	}
	if err != nil {
		return res, fmt.Errorf("lookup indicator: %w", err)
	}

	// Measure value.
	rawValue := l.value.cell(rec)
	if profile.IsNullOrEmpty(rawValue) {
		return skip(l.value.name, rawValue, model.ErrTypeValueParse, "missing measure value")
	}
	value, err := profile.ParseNumeric(rawValue, l.valueType)
	if err != nil {
		return skip(l.value.name, rawValue, model.ErrTypeValueParse,
			fmt.Sprintf("cannot parse %q as %s", rawValue, l.valueType))
	}

	f := &model.Fact{
		IndicatorID: ind.ID,
		Value:       value,
		SourceFile:  l.cfg.SourceFile,
		SourceRow:   rowNum,
		Confidence:  1,
	}
	components := []HashComponent{
		{Name: "file", Value: strptr(l.cfg.SourceFile)},
		{Name: "indicator", Value: strptr(ind.Code)},
	}

	// Time dimension.
	var timeRaw *string
	if l.timeCol != nil {
		raw := l.timeCol.cell(rec)
		if !profile.IsNullOrEmpty(raw) {
			id, err := l.dims.ResolveTime(ctx, raw)
			var derr *dimension.Error
			if errors.As(err, &derr) {
				if l.timeReq {
					return skip(l.timeCol.name, raw, model.ErrTypeDimensionResolution, derr.Reason)
				}
			} else if err != nil {
				return res, err
			} else {
				f.TimeID = id
				d, _ := dimension.ParseTime(raw)
				canon := fmt.Sprintf("%d|%d|%d", d.Year, d.Month, d.Day)
				timeRaw = &canon
			}
		} else if l.timeReq {
			return skip(l.timeCol.name, raw, model.ErrTypeDimensionResolution, "missing required time value")
		}
	}
	components = append(components, HashComponent{Name: "time", Value: timeRaw})

	// Location dimension. The hash carries the resolved record's code, not
	// the raw cell, so case variants of one location dedupe to one fact.
	var locKey *string
	if l.locCol != nil {
		raw := l.locCol.cell(rec)
		if !profile.IsNullOrEmpty(raw) {
			id, code, err := l.dims.ResolveLocation(ctx, raw)
			var derr *dimension.Error
			if errors.As(err, &derr) {
				if l.locReq {
					return skip(l.locCol.name, raw, model.ErrTypeDimensionResolution, derr.Reason)
				}
			} else if err != nil {
				return res, err
			} else {
				f.LocationID = id
				locKey = &code
			}
		} else if l.locReq {
			return skip(l.locCol.name, raw, model.ErrTypeDimensionResolution, "missing required location value")
		}
	}
	components = append(components, HashComponent{Name: "location", Value: locKey})

	components = append(components, HashComponent{
		Name:  "value",
		Value: strptr(strconv.FormatFloat(value, 'g', -1, 64)),
	})

	// Generic axes in mapping column order so the hash stays stable. Each
	// component carries the resolved record's stored value.
	for i, p := range l.additional {
		raw := p.cell(rec)
		if profile.IsNullOrEmpty(raw) {
			components = append(components, HashComponent{Name: l.axes[i]})
			continue
		}
		id, val, err := l.dims.ResolveGeneric(ctx, l.axes[i], raw)
		if err != nil {
			var derr *dimension.Error
			if errors.As(err, &derr) {
				components = append(components, HashComponent{Name: l.axes[i]})
				continue
			}
			return res, err
		}
		f.GenericIDs = append(f.GenericIDs, id)
		components = append(components, HashComponent{Name: l.axes[i], Value: &val})
	}

	f.SourceRowHash = RowHash(components)

	inserted, err := l.store.InsertFact(ctx, f)
	if err != nil {
		return res, fmt.Errorf("insert fact row %d: %w", rowNum, err)
	}
	if !inserted {
		res.Outcome = Duplicate
		res.Errs = append(res.Errs, model.ProcessingError{
			RowNumber: rowNum,
			RawValue:  f.SourceRowHash,
			Type:      model.ErrTypeDuplicateRow,
			Severity:  model.SeverityInfo,
			Message:   "identical row already ingested",
		})
		return res, nil
	}
	res.Outcome = Inserted
	return res, nil
}
