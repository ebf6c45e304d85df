package model

import "errors"

// ErrMalformedInput marks a file that cannot be parsed at all: undecodable
// bytes under the declared encoding, or row misalignment beyond the
// configured tolerance. It fails the job immediately with no rows processed.
//
// Wrap it with fmt.Errorf("...: %w", ErrMalformedInput) and test with
// errors.Is.
var ErrMalformedInput = errors.New("malformed input")
