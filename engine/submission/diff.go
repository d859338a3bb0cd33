package submission

import (
	"reflect"
	"time"

	"github.com/flowgate/flowgate/engine/core"
)

// Persisted column names carried inside diffs. The store translates them
// into column-scoped updates.
const (
	FieldStatus       = "status"
	FieldExternalID   = "external_id"
	FieldErrorMessage = "error_message"
	FieldResult       = "result"

	TaskFieldStatus         = "status"
	TaskFieldExternalTaskID = "external_task_id"
	TaskFieldStartedAt      = "started_at"
	TaskFieldEndedAt        = "ended_at"
	TaskFieldOrderIndex     = "order_index"
)

// TaskDiff describes the changed columns of one existing task.
type TaskDiff struct {
	TaskID core.ID
	Fields map[string]any
}

// Diff is the structured description of what changed between two submission
// snapshots. It drives selective persistence: only the named columns and the
// listed child rows are touched.
type Diff struct {
	Fields       map[string]any
	TaskInserts  []*Task
	TaskRemovals []core.ID
	TaskUpdates  []TaskDiff
	// LastUpdatedAt is the new watermark written alongside any change.
	LastUpdatedAt time.Time
}

// IsEmpty reports whether the diff carries no changes at all.
func (d *Diff) IsEmpty() bool {
	return d == nil ||
		(len(d.Fields) == 0 && len(d.TaskInserts) == 0 &&
			len(d.TaskRemovals) == 0 && len(d.TaskUpdates) == 0)
}

// ComputeDiff compares a stored snapshot against an incoming one and returns
// the changes to persist. Identity fields (id, routeId, submittedAt, params,
// version) are never compared. Rules:
//
//   - a terminal stored submission is frozen: the diff is always empty
//   - an incoming snapshot reported before the stored watermark is stale and
//     discarded (out-of-order guard)
//   - status only moves along permitted transitions
//   - externalId is set at most once and never cleared
//   - timestamps are compared at whole-second precision to tolerate clock
//     jitter from endpoints
func ComputeDiff(stored, incoming *Submission) *Diff {
	diff := &Diff{Fields: make(map[string]any), LastUpdatedAt: incoming.LastUpdatedAt.UTC()}
	if stored.IsTerminal() {
		return diff
	}
	if truncateSecond(incoming.LastUpdatedAt).Before(truncateSecond(stored.LastUpdatedAt)) {
		return diff
	}
	diffRootFields(stored, incoming, diff)
	diffTasks(stored, incoming, diff)
	return diff
}

func diffRootFields(stored, incoming *Submission, diff *Diff) {
	if incoming.Status != stored.Status && core.CanTransition(stored.Status, incoming.Status) {
		diff.Fields[FieldStatus] = incoming.Status
	}
	if stored.ExternalID == nil && strOrEmpty(incoming.ExternalID) != "" {
		diff.Fields[FieldExternalID] = *incoming.ExternalID
	}
	if strOrEmpty(incoming.ErrorMessage) != strOrEmpty(stored.ErrorMessage) {
		diff.Fields[FieldErrorMessage] = incoming.ErrorMessage
	}
	if !resultEqual(stored.Result, incoming.Result) {
		diff.Fields[FieldResult] = incoming.Result
	}
}

func diffTasks(stored, incoming *Submission, diff *Diff) {
	storedByID := make(map[core.ID]*Task, len(stored.Tasks))
	for _, t := range stored.Tasks {
		storedByID[t.ID] = t
	}
	seen := make(map[core.ID]bool, len(incoming.Tasks))
	for _, in := range incoming.Tasks {
		seen[in.ID] = true
		prev, ok := storedByID[in.ID]
		if !ok {
			diff.TaskInserts = append(diff.TaskInserts, in.Clone())
			continue
		}
		if fields := diffTaskFields(prev, in); len(fields) > 0 {
			diff.TaskUpdates = append(diff.TaskUpdates, TaskDiff{TaskID: in.ID, Fields: fields})
		}
	}
	for _, t := range stored.Tasks {
		if !seen[t.ID] {
			diff.TaskRemovals = append(diff.TaskRemovals, t.ID)
		}
	}
}

func diffTaskFields(prev, in *Task) map[string]any {
	fields := make(map[string]any)
	if in.Status != prev.Status && core.CanTransition(prev.Status, in.Status) {
		fields[TaskFieldStatus] = in.Status
	}
	if in.ExternalTaskID != prev.ExternalTaskID && in.ExternalTaskID != "" {
		fields[TaskFieldExternalTaskID] = in.ExternalTaskID
	}
	if !timePtrEqual(prev.StartedAt, in.StartedAt) {
		fields[TaskFieldStartedAt] = in.StartedAt
	}
	if !timePtrEqual(prev.EndedAt, in.EndedAt) {
		fields[TaskFieldEndedAt] = in.EndedAt
	}
	if in.OrderIndex != prev.OrderIndex {
		fields[TaskFieldOrderIndex] = in.OrderIndex
	}
	return fields
}

func truncateSecond(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// resultEqual treats nil and empty mappings as equal.
func resultEqual(a, b core.Result) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// timePtrEqual compares optional timestamps at whole-second precision; an
// incoming nil never clears a stored value.
func timePtrEqual(prev, in *time.Time) bool {
	if in == nil {
		return true
	}
	if prev == nil {
		return false
	}
	return truncateSecond(*prev).Equal(truncateSecond(*in))
}
