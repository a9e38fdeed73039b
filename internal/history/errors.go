package history

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrNotFound is returned when an environment directory holds no history file
var ErrNotFound = fmt.Errorf("history file not found: %w", errdefs.ErrNotFound)

// ParseError reports a malformed history file. A history that fails to parse
// is never partially adopted.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("malformed history: %v", e.Err)
	}
	return fmt.Sprintf("malformed history %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{errdefs.ErrInvalidArgument, e.Err}
}

// IsParseError reports whether err is, or wraps, a ParseError
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
