package submission

import "errors"

var (
	// ErrNotFound is returned when no submission matches the requested id.
	ErrNotFound = errors.New("submission not found")
	// ErrConflict is returned when ApplyDiff observes a version other than
	// the expected one.
	ErrConflict = errors.New("submission version conflict")
)
