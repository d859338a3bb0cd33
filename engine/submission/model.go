package submission

import (
	"fmt"
	"sort"
	"time"

	"github.com/flowgate/flowgate/engine/core"
)

// Submission is one tracked request to run a workflow on an endpoint. The
// store owns the durable representation; cache entries are weak copies.
type Submission struct {
	ID            core.ID         `json:"submissionId"           db:"submission_id"`
	RouteID       string          `json:"routeId"                db:"route_id"`
	WorkflowID    string          `json:"workflowId"             db:"workflow_id"`
	ExternalID    *string         `json:"externalId,omitempty"   db:"external_id"`
	Params        core.Params     `json:"parameters,omitempty"   db:"params"`
	Status        core.StatusType `json:"status"                 db:"status"`
	SubmittedAt   time.Time       `json:"submittedAt"            db:"submitted_at"`
	LastUpdatedAt time.Time       `json:"lastUpdatedAt"          db:"last_updated_at"`
	ErrorMessage  *string         `json:"errorMessage,omitempty" db:"error_message"`
	Result        core.Result     `json:"result,omitempty"       db:"result"`
	Tasks         []*Task         `json:"tasks,omitempty"`
	Version       int64           `json:"version"                db:"version"`
}

// Task is a child of a Submission; it never exists without its parent.
// Identity equality is by ID.
type Task struct {
	ID             core.ID         `json:"taskId"               db:"task_id"`
	SubmissionID   core.ID         `json:"submissionId"         db:"submission_id"`
	ExternalTaskID string          `json:"externalTaskId"       db:"external_task_id"`
	Status         core.StatusType `json:"status"               db:"status"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"  db:"started_at"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"    db:"ended_at"`
	OrderIndex     int             `json:"orderIndex"           db:"order_index"`
	UpdatedAt      time.Time       `json:"updatedAt"            db:"updated_at"`
}

// New builds a freshly submitted Submission with a new ID, version 1 and
// SUBMITTED status.
func New(routeID, workflowID string, params core.Params, now time.Time) (*Submission, error) {
	id, err := core.NewID()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate submission ID: %w", err)
	}
	now = now.UTC()
	return &Submission{
		ID:            id,
		RouteID:       routeID,
		WorkflowID:    workflowID,
		Params:        params,
		Status:        core.StatusSubmitted,
		SubmittedAt:   now,
		LastUpdatedAt: now,
		Version:       1,
	}, nil
}

// IsTerminal reports whether the submission admits no further transitions.
func (s *Submission) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// TaskByID returns the child task with the given ID, or nil.
func (s *Submission) TaskByID(id core.ID) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TaskByExternalID returns the child task the endpoint knows under the given
// identifier, or nil.
func (s *Submission) TaskByExternalID(externalTaskID string) *Task {
	for _, t := range s.Tasks {
		if t.ExternalTaskID == externalTaskID {
			return t
		}
	}
	return nil
}

// SortTasks restores the canonical ordering of the task set.
func (s *Submission) SortTasks() {
	sort.Slice(s.Tasks, func(i, j int) bool {
		return s.Tasks[i].ID < s.Tasks[j].ID
	})
}

// Clone returns a deep, independent copy of the submission. Snapshots taken
// for change detection must not alias the original's maps or tasks.
func (s *Submission) Clone() (*Submission, error) {
	if s == nil {
		return nil, nil
	}
	out := *s
	params, err := s.Params.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone params: %w", err)
	}
	out.Params = params
	result, err := s.Result.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone result: %w", err)
	}
	out.Result = result
	out.ExternalID = clonePtr(s.ExternalID)
	out.ErrorMessage = clonePtr(s.ErrorMessage)
	if s.Tasks != nil {
		out.Tasks = make([]*Task, len(s.Tasks))
		for i, t := range s.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	return &out, nil
}

// Clone returns an independent copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.StartedAt = clonePtr(t.StartedAt)
	out.EndedAt = clonePtr(t.EndedAt)
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
