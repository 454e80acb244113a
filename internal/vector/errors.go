package vector

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned by Add when the image ID is already indexed.
	ErrDuplicateID = errors.New("image id already indexed")
	// ErrInvalidDimension is returned when an index is configured with a non-positive dimension.
	ErrInvalidDimension = errors.New("dimensions must be positive")
)

// DimensionMismatchError indicates a vector or query whose length differs from the index dimension.
// It is a caller bug and is never retried.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: got %d, expected %d", e.Actual, e.Expected)
}

// NotNormalizedError indicates a vector passed to Add whose L2 norm is not 1.
type NotNormalizedError struct {
	Norm float64
}

func (e *NotNormalizedError) Error() string {
	return fmt.Sprintf("vector is not unit length: norm %.6f", e.Norm)
}

// PersistenceError reports a failed snapshot write. The in-memory mutation that
// triggered the write has already been applied when this error is returned.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist index snapshot %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CorruptSnapshotError reports a snapshot that could not be trusted on load.
type CorruptSnapshotError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptSnapshotError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt index snapshot %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt index snapshot %s: %s", e.Path, e.Reason)
}

func (e *CorruptSnapshotError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err carries a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsDimensionMismatch reports whether err carries a DimensionMismatchError.
func IsDimensionMismatch(err error) bool {
	var de *DimensionMismatchError
	return errors.As(err, &de)
}
