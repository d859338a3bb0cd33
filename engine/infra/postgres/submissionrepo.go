package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/submission"
	"github.com/flowgate/flowgate/pkg/logger"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
)

const (
	submissionColumns = "submission_id, route_id, workflow_id, external_id, params, " +
		"status, submitted_at, last_updated_at, error_message, result, version"
	taskColumns = "task_id, submission_id, external_task_id, status, " +
		"started_at, ended_at, order_index, updated_at"

	selectSubmissionByID = "SELECT " + submissionColumns +
		" FROM submissions WHERE submission_id = $1"
	selectSubmissionByExternalID = "SELECT " + submissionColumns +
		" FROM submissions WHERE external_id = $1"
	selectTasksBySubmission = "SELECT " + taskColumns +
		" FROM tasks WHERE submission_id = $1 ORDER BY task_id ASC"
	selectTasksBySubmissions = "SELECT " + taskColumns +
		" FROM tasks WHERE submission_id = ANY($1) ORDER BY submission_id ASC, task_id ASC"

	insertSubmission = "INSERT INTO submissions (" + submissionColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"
	insertTask = "INSERT INTO tasks (" + taskColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"
	deleteTasks = "DELETE FROM tasks WHERE submission_id = $1 AND task_id = ANY($2)"
)

var terminalStatusTokens = []string{
	core.StatusCompleted.String(),
	core.StatusFailed.String(),
	core.StatusCancelled.String(),
}

// SubmissionRepo implements submission.Store on PostgreSQL. ApplyDiff issues
// column-scoped updates and child-row-scoped inserts/deletes/updates inside
// one transaction, guarded by the version counter.
type SubmissionRepo struct {
	db DB
}

func NewSubmissionRepo(db DB) *SubmissionRepo {
	return &SubmissionRepo{db: db}
}

type submissionRow struct {
	SubmissionID  string     `db:"submission_id"`
	RouteID       string     `db:"route_id"`
	WorkflowID    string     `db:"workflow_id"`
	ExternalID    *string    `db:"external_id"`
	Params        []byte     `db:"params"`
	Status        string     `db:"status"`
	SubmittedAt   time.Time  `db:"submitted_at"`
	LastUpdatedAt time.Time  `db:"last_updated_at"`
	ErrorMessage  *string    `db:"error_message"`
	Result        []byte     `db:"result"`
	Version       int64      `db:"version"`
}

type taskRow struct {
	TaskID         string     `db:"task_id"`
	SubmissionID   string     `db:"submission_id"`
	ExternalTaskID string     `db:"external_task_id"`
	Status         string     `db:"status"`
	StartedAt      *time.Time `db:"started_at"`
	EndedAt        *time.Time `db:"ended_at"`
	OrderIndex     int        `db:"order_index"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r *submissionRow) toModel() (*submission.Submission, error) {
	params, err := fromJSONB[core.Params](r.Params)
	if err != nil {
		return nil, fmt.Errorf("decoding params for %s: %w", r.SubmissionID, err)
	}
	result, err := fromJSONB[core.Result](r.Result)
	if err != nil {
		return nil, fmt.Errorf("decoding result for %s: %w", r.SubmissionID, err)
	}
	return &submission.Submission{
		ID:            core.ID(r.SubmissionID),
		RouteID:       r.RouteID,
		WorkflowID:    r.WorkflowID,
		ExternalID:    r.ExternalID,
		Params:        params,
		Status:        core.StatusType(r.Status),
		SubmittedAt:   r.SubmittedAt.UTC(),
		LastUpdatedAt: r.LastUpdatedAt.UTC(),
		ErrorMessage:  r.ErrorMessage,
		Result:        result,
		Version:       r.Version,
	}, nil
}

func (r *taskRow) toModel() *submission.Task {
	return &submission.Task{
		ID:             core.ID(r.TaskID),
		SubmissionID:   core.ID(r.SubmissionID),
		ExternalTaskID: r.ExternalTaskID,
		Status:         core.StatusType(r.Status),
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
		OrderIndex:     r.OrderIndex,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func (r *SubmissionRepo) withTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logger.FromContext(ctx).Warn("Transaction rollback failed after panic", "error", rbErr)
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logger.FromContext(ctx).Warn("Transaction rollback failed", "error", rbErr)
			}
		} else {
			err = tx.Commit(ctx)
		}
	}()
	err = fn(tx)
	return err
}

func (r *SubmissionRepo) Create(ctx context.Context, sub *submission.Submission) error {
	if sub.ID.IsZero() {
		return fmt.Errorf("submission ID is required")
	}
	if sub.Version != 1 {
		return fmt.Errorf("fresh submission must carry version 1, got %d", sub.Version)
	}
	if sub.Status != core.StatusSubmitted {
		return fmt.Errorf("fresh submission must be %s, got %s", core.StatusSubmitted, sub.Status)
	}
	params, err := toJSONB(sub.Params.AsMap())
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	result, err := toJSONB(sub.Result.AsMap())
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	return r.withTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertSubmission,
			sub.ID.String(), sub.RouteID, sub.WorkflowID, sub.ExternalID, params,
			sub.Status.String(), sub.SubmittedAt.UTC(), sub.LastUpdatedAt.UTC(),
			sub.ErrorMessage, result, sub.Version,
		); err != nil {
			return fmt.Errorf("inserting submission: %w", err)
		}
		for _, task := range sub.Tasks {
			if err := insertTaskRow(ctx, tx, task); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *SubmissionRepo) Get(ctx context.Context, id core.ID) (*submission.Submission, error) {
	var row submissionRow
	if err := pgxscan.Get(ctx, r.db, &row, selectSubmissionByID, id.String()); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, submission.ErrNotFound
		}
		return nil, fmt.Errorf("scanning submission: %w", err)
	}
	sub, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if err := r.attachTasks(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *SubmissionRepo) GetByExternalID(ctx context.Context, externalID string) (*submission.Submission, error) {
	var row submissionRow
	if err := pgxscan.Get(ctx, r.db, &row, selectSubmissionByExternalID, externalID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, submission.ErrNotFound
		}
		return nil, fmt.Errorf("scanning submission: %w", err)
	}
	sub, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if err := r.attachTasks(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ApplyDiff is the only mutation path after Create. Zero rows affected on
// the root update is disambiguated into ErrConflict (row exists at another
// version) or ErrNotFound.
func (r *SubmissionRepo) ApplyDiff(
	ctx context.Context,
	id core.ID,
	expectedVersion int64,
	diff *submission.Diff,
) (int64, error) {
	if diff.IsEmpty() {
		return expectedVersion, nil
	}
	newVersion := expectedVersion + 1
	err := r.withTransaction(ctx, func(tx pgx.Tx) error {
		if err := r.updateRoot(ctx, tx, id, expectedVersion, newVersion, diff); err != nil {
			return err
		}
		if len(diff.TaskRemovals) > 0 {
			ids := make([]string, len(diff.TaskRemovals))
			for i, taskID := range diff.TaskRemovals {
				ids[i] = taskID.String()
			}
			if _, err := tx.Exec(ctx, deleteTasks, id.String(), ids); err != nil {
				return fmt.Errorf("deleting tasks: %w", err)
			}
		}
		for _, task := range diff.TaskInserts {
			if err := insertTaskRow(ctx, tx, task); err != nil {
				return err
			}
		}
		for i := range diff.TaskUpdates {
			if err := updateTaskRow(ctx, tx, id, &diff.TaskUpdates[i], diff.LastUpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (r *SubmissionRepo) updateRoot(
	ctx context.Context,
	tx pgx.Tx,
	id core.ID,
	expectedVersion, newVersion int64,
	diff *submission.Diff,
) error {
	ub := squirrel.Update("submissions").
		PlaceholderFormat(squirrel.Dollar).
		Set("version", newVersion).
		Set("last_updated_at", diff.LastUpdatedAt.UTC()).
		Where(squirrel.Eq{"submission_id": id.String(), "version": expectedVersion})
	for _, field := range sortedFieldNames(diff.Fields) {
		value, err := rootColumnValue(field, diff.Fields[field])
		if err != nil {
			return err
		}
		ub = ub.Set(field, value)
	}
	sql, args, err := ub.ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("updating submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current int64
		err := tx.QueryRow(ctx,
			"SELECT version FROM submissions WHERE submission_id = $1", id.String(),
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return submission.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking submission version: %w", err)
		}
		return fmt.Errorf("%w: expected version %d, stored %d",
			submission.ErrConflict, expectedVersion, current)
	}
	return nil
}

func (r *SubmissionRepo) FindByPeriod(
	ctx context.Context,
	from, to time.Time,
	filter submission.Filter,
) ([]*submission.Submission, error) {
	sb := squirrel.Select(submissionColumns).
		From("submissions").
		PlaceholderFormat(squirrel.Dollar).
		Where("submitted_at >= ?", from.UTC()).
		Where("submitted_at < ?", to.UTC()).
		OrderBy("submitted_at ASC", "submission_id ASC")
	if filter.RouteID != nil {
		sb = sb.Where("route_id = ?", *filter.RouteID)
	}
	if filter.WorkflowID != nil {
		sb = sb.Where("workflow_id = ?", *filter.WorkflowID)
	}
	if filter.Status != nil {
		sb = sb.Where("status = ?", filter.Status.String())
	}
	for _, key := range sortedParamKeys(filter.Params) {
		predicate, err := toJSONB(map[string]any{key: filter.Params[key]})
		if err != nil {
			return nil, fmt.Errorf("marshaling param predicate: %w", err)
		}
		sb = sb.Where("params @> ?", predicate)
	}
	sql, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	return r.selectSubmissions(ctx, sql, args...)
}

func (r *SubmissionRepo) ListStale(
	ctx context.Context,
	olderThan time.Time,
	limit int,
) ([]*submission.Submission, error) {
	sb := squirrel.Select(submissionColumns).
		From("submissions").
		PlaceholderFormat(squirrel.Dollar).
		Where(squirrel.NotEq{"status": terminalStatusTokens}).
		Where("last_updated_at < ?", olderThan.UTC()).
		OrderBy("last_updated_at ASC").
		Limit(uint64(limit))
	sql, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	return r.selectSubmissions(ctx, sql, args...)
}

// selectSubmissions runs the root query and loads the child tasks of all
// returned rows in one extra query.
func (r *SubmissionRepo) selectSubmissions(
	ctx context.Context,
	sql string,
	args ...any,
) ([]*submission.Submission, error) {
	var rows []*submissionRow
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("scanning submissions: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	subs := make([]*submission.Submission, 0, len(rows))
	byID := make(map[core.ID]*submission.Submission, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		sub, err := row.toModel()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
		byID[sub.ID] = sub
		ids = append(ids, sub.ID.String())
	}
	var taskRows []*taskRow
	if err := pgxscan.Select(ctx, r.db, &taskRows, selectTasksBySubmissions, ids); err != nil {
		return nil, fmt.Errorf("scanning tasks: %w", err)
	}
	for _, row := range taskRows {
		task := row.toModel()
		if parent, ok := byID[task.SubmissionID]; ok {
			parent.Tasks = append(parent.Tasks, task)
		}
	}
	return subs, nil
}

func (r *SubmissionRepo) attachTasks(ctx context.Context, sub *submission.Submission) error {
	var rows []*taskRow
	if err := pgxscan.Select(ctx, r.db, &rows, selectTasksBySubmission, sub.ID.String()); err != nil {
		return fmt.Errorf("scanning tasks: %w", err)
	}
	for _, row := range rows {
		sub.Tasks = append(sub.Tasks, row.toModel())
	}
	return nil
}

func insertTaskRow(ctx context.Context, tx pgx.Tx, task *submission.Task) error {
	if _, err := tx.Exec(ctx, insertTask,
		task.ID.String(), task.SubmissionID.String(), task.ExternalTaskID,
		task.Status.String(), task.StartedAt, task.EndedAt,
		task.OrderIndex, task.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("inserting task %s: %w", task.ID, err)
	}
	return nil
}

func updateTaskRow(
	ctx context.Context,
	tx pgx.Tx,
	submissionID core.ID,
	taskDiff *submission.TaskDiff,
	updatedAt time.Time,
) error {
	ub := squirrel.Update("tasks").
		PlaceholderFormat(squirrel.Dollar).
		Set("updated_at", updatedAt.UTC()).
		Where(squirrel.Eq{
			"submission_id": submissionID.String(),
			"task_id":       taskDiff.TaskID.String(),
		})
	for _, field := range sortedFieldNames(taskDiff.Fields) {
		value := taskDiff.Fields[field]
		if status, ok := value.(core.StatusType); ok {
			value = status.String()
		}
		ub = ub.Set(field, value)
	}
	sql, args, err := ub.ToSql()
	if err != nil {
		return fmt.Errorf("building task update: %w", err)
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("updating task %s: %w", taskDiff.TaskID, err)
	}
	return nil
}

// rootColumnValue converts a diff value into its persisted representation.
func rootColumnValue(field string, value any) (any, error) {
	switch field {
	case submission.FieldResult:
		result, ok := value.(core.Result)
		if !ok && value != nil {
			return nil, fmt.Errorf("unexpected result payload %T", value)
		}
		encoded, err := toJSONB(result.AsMap())
		if err != nil {
			return nil, fmt.Errorf("marshaling result: %w", err)
		}
		return encoded, nil
	case submission.FieldStatus:
		if status, ok := value.(core.StatusType); ok {
			return status.String(), nil
		}
		return value, nil
	default:
		return value, nil
	}
}

func sortedFieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedParamKeys(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func toJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func fromJSONB[T ~map[string]any](raw []byte) (T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
