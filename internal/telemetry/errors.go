package telemetry

import (
	"errors"
	"fmt"
)

// ErrInvalidInterval is returned when a bucket interval contains characters
// outside [A-Za-z0-9 ] or cannot be parsed into a positive duration.
var ErrInvalidInterval = errors.New("invalid interval")

// StorageError wraps a failure returned by the persistence layer. The
// underlying error text is kept intact and reported to callers.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
