package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/engine/submission"
	"github.com/flowgate/flowgate/pkg/logger"
	"github.com/sethvargo/go-retry"
)

const conflictBackoff = 25 * time.Millisecond

// Updater wraps Store.ApplyDiff with retry-on-conflict: a lost version race
// re-reads the submission, recomputes the diff against the fresh snapshot
// and re-applies. Exhausted retries surface ErrContended.
type Updater struct {
	store    submission.Store
	attempts int
}

func NewUpdater(store submission.Store, attempts int) *Updater {
	if attempts < 1 {
		attempts = 1
	}
	return &Updater{store: store, attempts: attempts}
}

// Apply persists the changes between stored and incoming. It returns the
// submission as persisted and whether anything changed; callers use the
// changed signal to refresh the response cache.
func (u *Updater) Apply(
	ctx context.Context,
	stored, incoming *submission.Submission,
) (*submission.Submission, bool, error) {
	log := logger.FromContext(ctx)
	current := stored
	changed := false
	backoff := retry.WithMaxRetries(uint64(u.attempts-1), retry.NewConstant(conflictBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		diff := submission.ComputeDiff(current, incoming)
		if diff.IsEmpty() {
			changed = false
			return nil
		}
		if _, err := u.store.ApplyDiff(ctx, current.ID, current.Version, diff); err != nil {
			if errors.Is(err, submission.ErrConflict) {
				fresh, readErr := u.store.Get(ctx, current.ID)
				if readErr != nil {
					return readErr
				}
				log.Debug("version conflict, recomputing diff",
					"submission_id", current.ID, "stored_version", fresh.Version)
				current = fresh
				return retry.RetryableError(err)
			}
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, submission.ErrConflict) {
			return nil, false, fmt.Errorf("%w: %s", ErrContended, current.ID)
		}
		return nil, false, err
	}
	if !changed {
		return current, false, nil
	}
	updated, err := u.store.Get(ctx, current.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to re-read submission %s: %w", current.ID, err)
	}
	return updated, true, nil
}
