package fetch

import (
	"fmt"
	"strings"
)

// ChecksumMismatchError is returned when downloaded bytes do not match the
// declared checksum. The mismatching bytes are never kept.
type ChecksumMismatchError struct {
	Formula  string
	URL      string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s from %s: expected %s, got %s", e.Formula, e.URL, e.Expected, e.Actual)
}

// Attempt records one failed source.
type Attempt struct {
	URL string
	Err error
}

// FetchError is returned when every source of a formula failed to deliver.
type FetchError struct {
	Formula  string
	Attempts []Attempt
}

func (e *FetchError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.URL, a.Err)
	}
	return fmt.Sprintf("fetch %s: all %d sources failed: %s", e.Formula, len(e.Attempts), strings.Join(parts, "; "))
}

func (e *FetchError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}
