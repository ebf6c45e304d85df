// Package profile implements file profiling for the ingestion pipeline.
//
// The profiler reads a delimited stream once and produces an Analysis:
// row/column counts, a per-column inferred data type, bounded sample values,
// and null/empty/distinct statistics.
//
// Design constraints:
//   - Profiling is side-effect free; persistence is the caller's concern.
//   - Type inference is exact over the whole stream, but sample and distinct
//     tracking are bounded in memory.
//   - Misaligned rows are tolerated up to a configurable fraction; beyond it
//     the file is rejected as malformed.
package profile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"warehouse/internal/model"
)

// distinctCap bounds per-column distinct tracking so profiling stays safe
// for very high cardinality columns (IDs, hashes).
const distinctCap = 10000

// Options control parsing and profiling behavior.
type Options struct {
	// Delimiter is the field separator. Zero means ','.
	Delimiter rune

	// HasHeader declares whether the first row carries column names.
	// Without a header, columns are named column_1..column_n.
	HasHeader bool

	// Encoding is the declared source encoding ("" means UTF-8).
	Encoding string

	// MaxSamples caps sample values captured per column. Zero means 5.
	MaxSamples int

	// NullMarkers are cell values treated as null (distinct from empty
	// string). Nil means the default set.
	NullMarkers []string

	// RowTolerance is the maximum tolerated fraction of rows whose field
	// count differs from the header's. Zero means 0.1.
	RowTolerance float64

	// FileName and UploadRef are carried onto the Analysis for provenance.
	FileName  string
	UploadRef string
}

var defaultNullMarkers = []string{"NULL", "null", "N/A", "NA"}

func (o Options) withDefaults() Options {
	if o.Delimiter == 0 {
		o.Delimiter = ','
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = 5
	}
	if o.NullMarkers == nil {
		o.NullMarkers = defaultNullMarkers
	}
	if o.RowTolerance <= 0 {
		o.RowTolerance = 0.1
	}
	return o
}

// columnState accumulates per-column statistics during the scan.
type columnState struct {
	name string

	nullCount  int
	emptyCount int

	// Type ladder flags. Each starts true and is knocked out by the first
	// non-empty cell that fails the candidate.
	allInteger    bool
	allDecimal    bool
	allPercentage bool
	seen          bool

	samples  []string
	distinct map[string]struct{}
	capped   bool
}

// Analyze reads the full stream and returns an Analysis.
//
// Errors:
//   - model.ErrMalformedInput (wrapped) when the stream cannot be decoded,
//     the header cannot be read, or misaligned rows exceed the tolerance.
//   - ctx errors when the caller's deadline expires mid-scan.
func Analyze(ctx context.Context, src io.Reader, opt Options) (*model.Analysis, error) {
	opt = opt.withDefaults()

	r, err := NewRowReader(src, opt)
	if err != nil {
		return nil, err
	}

	headers := r.Headers()
	var cols []*columnState

	initCols := func(n int) {
		cols = make([]*columnState, n)
		for i := range cols {
			name := ""
			if i < len(headers) {
				name = headers[i]
			}
			if name == "" {
				name = fmt.Sprintf("column_%d", i+1)
			}
			cols[i] = &columnState{
				name:          name,
				allInteger:    true,
				allDecimal:    true,
				allPercentage: true,
				distinct:      make(map[string]struct{}),
			}
		}
	}
	if headers != nil {
		initCols(len(headers))
	}

	rowCount := 0
	misaligned := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				misaligned++
				continue
			}
			// Decode failures and I/O errors are fatal.
			return nil, fmt.Errorf("%w: line %d: %v", model.ErrMalformedInput, r.Line(), err)
		}

		if cols == nil {
			// Headerless file: the first data row fixes the column count.
			initCols(len(rec))
		}

		if len(rec) != len(cols) {
			misaligned++
			continue
		}

		rowCount++
		for i, raw := range rec {
			cols[i].observe(raw, opt)
		}
	}

	if rowCount == 0 && misaligned > 0 {
		return nil, fmt.Errorf("%w: no aligned rows", model.ErrMalformedInput)
	}
	if total := rowCount + misaligned; total > 0 {
		if frac := float64(misaligned) / float64(total); frac > opt.RowTolerance {
			return nil, fmt.Errorf("%w: %d of %d rows misaligned (tolerance %.0f%%)",
				model.ErrMalformedInput, misaligned, total, opt.RowTolerance*100)
		}
	}

	a := &model.Analysis{
		ID:          uuid.NewString(),
		FileName:    opt.FileName,
		UploadRef:   opt.UploadRef,
		Delimiter:   opt.Delimiter,
		HasHeader:   opt.HasHeader,
		Encoding:    opt.Encoding,
		RowCount:    rowCount,
		ColumnCount: len(cols),
		CreatedAt:   time.Now().UTC(),
	}
	for i, c := range cols {
		a.Columns = append(a.Columns, model.ColumnProfile{
			Index:        i,
			Name:         c.name,
			DataType:     c.inferredType(),
			Samples:      c.samples,
			NullCount:    c.nullCount,
			EmptyCount:   c.emptyCount,
			UniqueCount:  len(c.distinct),
			UniqueCapped: c.capped,
		})
		if c.capped {
			a.Columns[i].UniqueCount = distinctCap
		}
	}
	return a, nil
}

// observe folds one raw cell into the column state.
func (c *columnState) observe(raw string, opt Options) {
	v := strings.TrimSpace(raw)

	if v == "" {
		c.emptyCount++
		return
	}
	for _, m := range opt.NullMarkers {
		if v == m {
			c.nullCount++
			return
		}
	}

	c.seen = true

	if c.allInteger && !isInteger(v) {
		c.allInteger = false
	}
	if c.allDecimal && !isDecimal(v) {
		c.allDecimal = false
	}
	if c.allPercentage && !isPercentage(v) {
		c.allPercentage = false
	}

	if len(c.samples) < opt.MaxSamples {
		dup := false
		for _, s := range c.samples {
			if s == v {
				dup = true
				break
			}
		}
		if !dup {
			c.samples = append(c.samples, v)
		}
	}

	if !c.capped {
		c.distinct[v] = struct{}{}
		if len(c.distinct) >= distinctCap {
			c.capped = true
			c.distinct = nil
		}
	}
}

// inferredType walks the ladder from most to least specific.
func (c *columnState) inferredType() model.DataType {
	if !c.seen {
		return model.TypeText
	}
	switch {
	case c.allInteger:
		return model.TypeInteger
	case c.allDecimal:
		return model.TypeDecimal
	case c.allPercentage:
		return model.TypePercentage
	default:
		return model.TypeText
	}
}

// ---- cell classification ----

func isInteger(v string) bool {
	_, err := strconv.ParseInt(v, 10, 64)
	return err == nil
}

func isDecimal(v string) bool {
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

// isPercentage accepts a decimal with an optional trailing '%'. Every
// decimal is a valid percentage, which keeps the ladder strictly widening.
func isPercentage(v string) bool {
	v = strings.TrimSuffix(v, "%")
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	return isDecimal(v)
}

// ParseNumeric parses a cell according to an inferred type, handling the
// '%' suffix for percentage columns. Used by the fact loader for
// INDICATOR_VALUE cells.
func ParseNumeric(v string, t model.DataType) (float64, error) {
	v = strings.TrimSpace(v)
	if t == model.TypePercentage {
		v = strings.TrimSpace(strings.TrimSuffix(v, "%"))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse numeric %q: %w", v, err)
	}
	return f, nil
}

// IsNullOrEmpty reports whether a raw cell is empty or a null marker under
// the default marker set.
func IsNullOrEmpty(raw string) bool {
	v := strings.TrimSpace(raw)
	if v == "" {
		return true
	}
	for _, m := range defaultNullMarkers {
		if v == m {
			return true
		}
	}
	return false
}
