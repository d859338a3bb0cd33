package submission

import (
	"fmt"

	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/driver"
)

// MergeRemote builds the incoming snapshot for change detection from an
// endpoint-reported status. Identity fields come from the stored submission;
// remote tasks are matched onto stored task IDs by their external task id,
// unseen ones get fresh IDs.
func MergeRemote(stored *Submission, rs *driver.RemoteStatus) (*Submission, error) {
	incoming, err := stored.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot submission %s: %w", stored.ID, err)
	}
	incoming.Status = rs.Status
	incoming.LastUpdatedAt = rs.ReportedAt.UTC()
	if rs.Result != nil {
		result, err := rs.Result.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to copy remote result: %w", err)
		}
		incoming.Result = result
	}
	if incoming.ExternalID == nil && rs.ExternalID != "" {
		externalID := rs.ExternalID
		incoming.ExternalID = &externalID
	}
	if rs.Status == core.StatusFailed && incoming.ErrorMessage == nil {
		if msg, ok := rs.Result["message"].(string); ok && msg != "" {
			incoming.ErrorMessage = &msg
		}
	}
	if rs.Tasks != nil {
		tasks, err := mergeRemoteTasks(stored, incoming, rs)
		if err != nil {
			return nil, err
		}
		incoming.Tasks = tasks
		incoming.SortTasks()
	}
	return incoming, nil
}

func mergeRemoteTasks(stored, incoming *Submission, rs *driver.RemoteStatus) ([]*Task, error) {
	tasks := make([]*Task, 0, len(rs.Tasks))
	for i := range rs.Tasks {
		remote := &rs.Tasks[i]
		task := &Task{
			SubmissionID:   stored.ID,
			ExternalTaskID: remote.ExternalTaskID,
			Status:         remote.Status,
			StartedAt:      remote.StartedAt,
			EndedAt:        remote.EndedAt,
			OrderIndex:     remote.OrderIndex,
			UpdatedAt:      incoming.LastUpdatedAt,
		}
		if prev := stored.TaskByExternalID(remote.ExternalTaskID); prev != nil {
			task.ID = prev.ID
		} else {
			id, err := core.NewID()
			if err != nil {
				return nil, fmt.Errorf("failed to allocate task ID: %w", err)
			}
			task.ID = id
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
