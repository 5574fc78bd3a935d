package pyver

import (
	"errors"
	"fmt"
)

// ParseError reports a version or constraint string that could not be
// parsed.
type ParseError struct {
	// Input is the original string that failed to parse.
	Input string

	// Reason describes why parsing failed.
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Input, e.Reason)
}

// IsParseError reports whether err is a version parse error.
func IsParseError(err error) bool {
	var e *ParseError
	return errors.As(err, &e)
}
