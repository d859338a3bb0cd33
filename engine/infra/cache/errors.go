package cache

import "errors"

var (
	// ErrNotFound indicates a cache miss; callers treat it as absence, never
	// as a failure.
	ErrNotFound = errors.New("cache entry not found")
	// ErrLockHeld indicates another holder owns the requested lease.
	ErrLockHeld = errors.New("lock already held")
	// ErrLockLost indicates the lease expired or was taken over before the
	// holder released it.
	ErrLockLost = errors.New("lock no longer held")
)
