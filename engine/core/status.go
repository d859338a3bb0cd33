package core

import "fmt"

// -----------------------------------------------------------------------------
// Submission Status
// -----------------------------------------------------------------------------

// StatusType is the lifecycle state of a submission or one of its tasks.
// Tokens are uppercase on every external surface (API, database, cache).
type StatusType string

const (
	StatusSubmitted StatusType = "SUBMITTED"
	StatusQueued    StatusType = "QUEUED"
	StatusRunning   StatusType = "RUNNING"
	StatusCompleted StatusType = "COMPLETED"
	StatusFailed    StatusType = "FAILED"
	StatusCancelled StatusType = "CANCELLED"
)

func (s StatusType) String() string {
	return string(s)
}

// IsTerminal reports whether the status admits no further transitions.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s StatusType) IsValid() bool {
	switch s {
	case StatusSubmitted, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus maps a wire token onto a StatusType.
func ParseStatus(raw string) (StatusType, error) {
	s := StatusType(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// statusRank orders the nominal lifecycle; all terminal states share the
// final rank.
func statusRank(s StatusType) int {
	switch s {
	case StatusSubmitted:
		return 0
	case StatusQueued:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether a stored status may move to the reported one.
// Terminal states are frozen. The executing endpoint is authoritative between
// observations, so skipping intermediate states (QUEUED straight to
// COMPLETED) is accepted; moving backwards along the lifecycle is not.
func CanTransition(from, to StatusType) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	fr, tr := statusRank(from), statusRank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	return tr > fr
}
