package profile

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"warehouse/internal/model"
)

// RowReader streams delimited rows from a decoded source.
//
// It is used twice per upload: once by Analyze to build the structural
// profile, and again by the job orchestrator to feed rows through the fact
// loader with the exact options the analysis was produced with.
type RowReader struct {
	cr      *csv.Reader
	headers []string
	line    int
}

// NewRowReader builds a RowReader over src with the given options.
//
// When opt.HasHeader is true, the header row is consumed immediately and
// exposed via Headers. Header cells are trimmed; a UTF-8 BOM on the first
// cell is stripped.
//
// Errors:
//   - Wraps model.ErrMalformedInput if the stream cannot be decoded with
//     the declared encoding or the header row cannot be read.
func NewRowReader(src io.Reader, opt Options) (*RowReader, error) {
	opt = opt.withDefaults()

	dec, err := decodeReader(src, opt.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedInput, err)
	}

	cr := csv.NewReader(dec)
	cr.Comma = opt.Delimiter
	cr.FieldsPerRecord = -1 // alignment is validated by the caller
	cr.LazyQuotes = true

	r := &RowReader{cr: cr}

	if opt.HasHeader {
		hdr, err := r.Read()
		if err != nil {
			return nil, fmt.Errorf("%w: read header: %v", model.ErrMalformedInput, err)
		}
		for i := range hdr {
			h := strings.TrimSpace(hdr[i])
			if i == 0 {
				h = strings.TrimPrefix(h, "\ufeff")
			}
			hdr[i] = h
		}
		r.headers = hdr
	}

	return r, nil
}

// Headers returns the header row, or nil when the source has none.
func (r *RowReader) Headers() []string { return r.headers }

// Line returns the 1-based line number of the last record returned by Read.
func (r *RowReader) Line() int { return r.line }

// Read returns the next record. io.EOF signals a clean end of stream.
func (r *RowReader) Read() ([]string, error) {
	rec, err := r.cr.Read()
	r.line++
	if err != nil {
		return nil, err
	}
	return rec, nil
}
