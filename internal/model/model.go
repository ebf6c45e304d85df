// Package model defines the entities shared by the ingestion pipeline:
// file analyses, column mappings, dimension records, facts, and processing
// jobs with their row-level errors.
//
// The types here are deliberately storage-agnostic. Backends in
// internal/storage persist them; the pipeline packages operate on them.
package model

import "time"

// DataType is the inferred type of a profiled column.
//
// Inference walks a fixed ladder from most to least specific:
// integer -> decimal -> percentage -> text. A column gets the most specific
// type that every non-empty, non-null cell satisfies.
type DataType string

const (
	TypeInteger    DataType = "integer"
	TypeDecimal    DataType = "decimal"
	TypePercentage DataType = "percentage"
	TypeText       DataType = "text"
)

// Numeric reports whether the type can carry an indicator value.
func (t DataType) Numeric() bool {
	return t == TypeInteger || t == TypeDecimal || t == TypePercentage
}

// Analysis is one file's structural profile. It is immutable once created
// and owned by the job that produced it.
type Analysis struct {
	ID        string
	FileName  string
	UploadRef string

	// Parsing options the analysis was produced with. Jobs re-read the
	// source with exactly these options.
	Delimiter rune
	HasHeader bool
	Encoding  string

	RowCount    int
	ColumnCount int

	Columns []ColumnProfile

	CreatedAt time.Time
}

// ColumnProfile describes a single column of an Analysis.
type ColumnProfile struct {
	Index    int
	Name     string
	DataType DataType

	// Samples holds up to a fixed small number of distinct non-empty values
	// for display and mapping auto-detection.
	Samples []string

	NullCount  int
	EmptyCount int

	// UniqueCount is a bounded distinct count over the profiled rows.
	// When UniqueCapped is true the true count is at least UniqueCount.
	UniqueCount int
	UniqueCapped bool
}

// Role is the dimension role a column is mapped to.
type Role string

const (
	RoleTime           Role = "TIME"
	RoleLocation       Role = "LOCATION"
	RoleIndicatorName  Role = "INDICATOR_NAME"
	RoleIndicatorValue Role = "INDICATOR_VALUE"
	RoleSource         Role = "SOURCE"
	RoleUnit           Role = "UNIT"
	RoleGoal           Role = "GOAL"
	RoleAdditional     Role = "ADDITIONAL"
)

// RequiresUnique reports whether at most one column may carry this role
// within a single analysis.
func (r Role) RequiresUnique() bool {
	switch r {
	case RoleTime, RoleLocation, RoleIndicatorValue:
		return true
	}
	return false
}

// ColumnMapping binds one analysis column to a dimension role.
//
// Exactly one mapping exists per (analysis, column index); an unmapped
// column simply has no mapping row. Mappings are mutable until the job
// starts, then frozen.
type ColumnMapping struct {
	AnalysisID  string
	ColumnIndex int
	ColumnName  string
	Role        Role

	// Rules is the structured normalization rule set applied to raw cell
	// values before dimension resolution. Validated at confirmation time.
	Rules RuleSet

	// Confidence is set for auto-detected mappings, in [0,1].
	Confidence float64

	// Confirmed distinguishes user-confirmed mappings from auto-detected ones.
	Confirmed bool

	// Required marks a dimension mapping whose resolution failure skips the
	// whole row instead of proceeding with a null dimension.
	Required bool
}

// Warning is a non-fatal finding from mapping resolution, e.g. an
// ambiguous duplicate role that was demoted.
type Warning struct {
	ColumnIndex int
	ColumnName  string
	Message     string
}

// TimeDimension is a canonical time record, keyed by (year, month, day).
// Month/day of 0 mean "unspecified" (annual or quarterly granularity).
type TimeDimension struct {
	ID      int64
	Year    int
	Month   int
	Day     int
	Quarter int
	Label   string
}

// LocationType classifies a location record. New locations created during
// ingestion are left untyped for later curation.
type LocationType string

const (
	LocationCountry  LocationType = "country"
	LocationState    LocationType = "state"
	LocationCity     LocationType = "city"
	LocationDistrict LocationType = "district"
	LocationRegion   LocationType = "region"
)

// LocationDimension is a canonical location record, keyed by code.
type LocationDimension struct {
	ID       int64
	Code     string
	Name     string
	Type     LocationType
	ParentID int64 // 0 = no parent; hierarchy is curated out-of-band
}

// GenericDimension is an open-ended categorical axis value, keyed by
// (name, value).
type GenericDimension struct {
	ID    int64
	Name  string
	Value string
}

// Indicator is one catalog entry facts attach to, keyed by code. Name is
// what source files call it; code is the stable canonical key.
type Indicator struct {
	ID     int64
	Code   string
	Name   string
	Unit   string
	Source string
}

// Fact is one indicator measurement. Dimension references are optional
// (0 = absent) except the indicator and the value.
type Fact struct {
	ID          int64
	IndicatorID int64
	Value       float64

	TimeID     int64
	LocationID int64
	GenericIDs []int64

	// SourceRowHash is the deterministic digest of the normalized identifying
	// attributes of this fact. Unique across the fact table; a second row
	// producing the same hash is a duplicate and is rejected, not overwritten.
	SourceRowHash string

	SourceFile string
	SourceRow  int

	Confidence float64
}
