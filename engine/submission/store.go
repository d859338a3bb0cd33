package submission

import (
	"context"
	"time"

	"github.com/flowgate/flowgate/engine/core"
)

// Filter narrows FindByPeriod results. Nil fields match everything. Params
// entries are containment predicates over the stored parameter mapping.
type Filter struct {
	RouteID    *string
	WorkflowID *string
	Status     *core.StatusType
	Params     map[string]string
}

// Store is the durable record of every submission. Create and ApplyDiff are
// the only mutation paths; ApplyDiff is atomic and guarded by the version
// counter.
type Store interface {
	// Create persists a fresh submission. The submission must carry an ID,
	// version 1 and SUBMITTED status.
	Create(ctx context.Context, sub *Submission) error
	// Get returns the submission with all child tasks, or ErrNotFound.
	Get(ctx context.Context, id core.ID) (*Submission, error)
	// GetByExternalID resolves a submission from the identifier the endpoint
	// assigned to it, or ErrNotFound.
	GetByExternalID(ctx context.Context, externalID string) (*Submission, error)
	// ApplyDiff applies column-scoped root updates and task-scoped child
	// changes in one transaction, increments the version by one and returns
	// the new version. ErrConflict when the stored version differs from
	// expectedVersion.
	ApplyDiff(ctx context.Context, id core.ID, expectedVersion int64, diff *Diff) (int64, error)
	// FindByPeriod returns submissions with from <= submittedAt < to matching
	// the filter, ordered by (submittedAt, submissionId) ascending.
	FindByPeriod(ctx context.Context, from, to time.Time, filter Filter) ([]*Submission, error)
	// ListStale returns non-terminal submissions whose lastUpdatedAt is older
	// than the given instant, oldest first, up to limit.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*Submission, error)
}
