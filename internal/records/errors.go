package records

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedNumber marks population text with no parseable digit run.
	ErrMalformedNumber = errors.New("malformed number")
	// ErrInvalidName marks a row whose name is empty after cleaning.
	ErrInvalidName = errors.New("invalid country name")
	// ErrInvalidPopulation marks a negative population.
	ErrInvalidPopulation = errors.New("invalid population")
)

// MalformedNumberError carries the text that failed to parse.
type MalformedNumberError struct {
	Input  string
	Reason string
}

func (e *MalformedNumberError) Error() string {
	return fmt.Sprintf("malformed number %q: %s", e.Input, e.Reason)
}

// Is lets errors.Is match ErrMalformedNumber.
func (e *MalformedNumberError) Is(target error) bool {
	return target == ErrMalformedNumber
}

// RowError describes a row skipped while building records.
type RowError struct {
	Index  int    `json:"index"`
	Row    RawRow `json:"row"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d (%q): %v", e.Index, e.Row.Name, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}
