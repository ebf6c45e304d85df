package profile

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// decodeReader wraps src so the returned reader yields UTF-8 regardless of
// the declared source encoding.
//
// Behavior:
//   - "" and utf-8 aliases: the stream is validated, not transcoded. Invalid
//     UTF-8 surfaces as a read error so profiling can fail with
//     MalformedInput instead of silently inserting replacement runes.
//   - Anything else: resolved through the WHATWG encoding index (latin-1,
//     windows-1252, utf-16le, ...) and transcoded.
//
// Errors:
//   - Returns an error if the encoding name is not recognized.
func decodeReader(src io.Reader, name string) (io.Reader, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "utf-8", "utf8":
		return transform.NewReader(src, encoding.UTF8Validator), nil
	}

	enc, err := htmlindex.Get(n)
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", name, err)
	}
	return enc.NewDecoder().Reader(src), nil
}
