package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/infra/postgres"
	"github.com/flowgate/flowgate/engine/submission"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var submissionCols = []string{
	"submission_id", "route_id", "workflow_id", "external_id", "params",
	"status", "submitted_at", "last_updated_at", "error_message", "result", "version",
}

var taskCols = []string{
	"task_id", "submission_id", "external_task_id", "status",
	"started_at", "ended_at", "order_index", "updated_at",
}

func submissionValues(id core.ID, status string, submittedAt time.Time, version int64) []any {
	var nilStr *string
	return []any{
		id.String(), "R1", "wf-orders", nilStr, []byte(`{"region":"eu"}`),
		status, submittedAt, submittedAt, nilStr, []byte(nil), version,
	}
}

func TestSubmissionRepo_Create(t *testing.T) {
	t.Run("Should insert the root row and tasks in one transaction", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		sub, err := submission.New("R1", "wf-orders", core.Params{"region": "eu"}, now)
		require.NoError(t, err)
		taskID := core.MustNewID()
		sub.Tasks = []*submission.Task{{
			ID:           taskID,
			SubmissionID: sub.ID,
			Status:       core.StatusSubmitted,
			UpdatedAt:    now,
		}}

		mockPool.ExpectBegin()
		mockPool.ExpectExec("INSERT INTO submissions").
			WithArgs(
				sub.ID.String(), "R1", "wf-orders", (*string)(nil), []byte(`{"region":"eu"}`),
				"SUBMITTED", now, now, (*string)(nil), []byte(nil), int64(1),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec("INSERT INTO tasks").
			WithArgs(taskID.String(), sub.ID.String(), "", "SUBMITTED",
				(*time.Time)(nil), (*time.Time)(nil), 0, now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()

		require.NoError(t, repo.Create(context.Background(), sub))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should refuse a submission without an id", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		err = repo.Create(context.Background(), &submission.Submission{
			Status: core.StatusSubmitted, Version: 1,
		})
		assert.ErrorContains(t, err, "ID is required")
	})

	t.Run("Should refuse a submission that is not fresh", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		err = repo.Create(context.Background(), &submission.Submission{
			ID: core.MustNewID(), Status: core.StatusRunning, Version: 3,
		})
		assert.Error(t, err)
	})
}

func TestSubmissionRepo_Get(t *testing.T) {
	t.Run("Should load the submission with its tasks", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		id := core.MustNewID()
		taskID := core.MustNewID()
		now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		mockPool.ExpectQuery(`SELECT (.+) FROM submissions WHERE submission_id = \$1`).
			WithArgs(id.String()).
			WillReturnRows(mockPool.NewRows(submissionCols).
				AddRow(submissionValues(id, "RUNNING", now, int64(2))...))
		mockPool.ExpectQuery(`SELECT (.+) FROM tasks WHERE submission_id = \$1 ORDER BY task_id ASC`).
			WithArgs(id.String()).
			WillReturnRows(mockPool.NewRows(taskCols).
				AddRow(taskID.String(), id.String(), "t-1", "RUNNING", nil, nil, 0, now))

		sub, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, sub.ID)
		assert.Equal(t, core.StatusRunning, sub.Status)
		assert.Equal(t, core.Params{"region": "eu"}, sub.Params)
		require.Len(t, sub.Tasks, 1)
		assert.Equal(t, taskID, sub.Tasks[0].ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should answer ErrNotFound for an unknown id", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		id := core.MustNewID()
		mockPool.ExpectQuery(`SELECT (.+) FROM submissions WHERE submission_id = \$1`).
			WithArgs(id.String()).
			WillReturnError(pgx.ErrNoRows)

		_, err = repo.Get(context.Background(), id)
		assert.ErrorIs(t, err, submission.ErrNotFound)
	})
}

func TestSubmissionRepo_ApplyDiff(t *testing.T) {
	watermark := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	t.Run("Should update only the changed columns under the version guard", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		id := core.MustNewID()
		diff := &submission.Diff{
			Fields:        map[string]any{submission.FieldStatus: core.StatusRunning},
			LastUpdatedAt: watermark,
		}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(`UPDATE submissions SET version = \$1, last_updated_at = \$2, status = \$3 `+
			`WHERE submission_id = \$4 AND version = \$5`).
			WithArgs(int64(3), watermark, "RUNNING", id.String(), int64(2)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()

		version, err := repo.ApplyDiff(context.Background(), id, 2, diff)
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should apply task removals, inserts and updates in order", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		id := core.MustNewID()
		droppedID := core.MustNewID()
		insertedID := core.MustNewID()
		updatedID := core.MustNewID()
		diff := &submission.Diff{
			Fields:       map[string]any{},
			TaskRemovals: []core.ID{droppedID},
			TaskInserts: []*submission.Task{{
				ID:           insertedID,
				SubmissionID: id,
				Status:       core.StatusRunning,
				UpdatedAt:    watermark,
			}},
			TaskUpdates: []submission.TaskDiff{{
				TaskID: updatedID,
				Fields: map[string]any{submission.TaskFieldStatus: core.StatusCompleted},
			}},
			LastUpdatedAt: watermark,
		}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(`UPDATE submissions SET version = \$1, last_updated_at = \$2 `+
			`WHERE submission_id = \$3 AND version = \$4`).
			WithArgs(int64(3), watermark, id.String(), int64(2)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectExec(`DELETE FROM tasks WHERE submission_id = \$1 AND task_id = ANY\(\$2\)`).
			WithArgs(id.String(), []string{droppedID.String()}).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mockPool.ExpectExec("INSERT INTO tasks").
			WithArgs(insertedID.String(), id.String(), "", "RUNNING",
				(*time.Time)(nil), (*time.Time)(nil), 0, watermark).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`UPDATE tasks SET updated_at = \$1, status = \$2 `+
			`WHERE submission_id = \$3 AND task_id = \$4`).
			WithArgs(watermark, "COMPLETED", id.String(), updatedID.String()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()

		version, err := repo.ApplyDiff(context.Background(), id, 2, diff)
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should answer ErrConflict when the version moved", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		id := core.MustNewID()
		diff := &submission.Diff{
			Fields:        map[string]any{submission.FieldStatus: core.StatusRunning},
			LastUpdatedAt: watermark,
		}

		mockPool.ExpectBegin()
		mockPool.ExpectExec("UPDATE submissions SET").
			WithArgs(int64(3), watermark, "RUNNING", id.String(), int64(2)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mockPool.ExpectQuery(`SELECT version FROM submissions WHERE submission_id = \$1`).
			WithArgs(id.String()).
			WillReturnRows(mockPool.NewRows([]string{"version"}).AddRow(int64(5)))
		mockPool.ExpectRollback()

		_, err = repo.ApplyDiff(context.Background(), id, 2, diff)
		assert.ErrorIs(t, err, submission.ErrConflict)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should answer ErrNotFound when the row is gone", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		id := core.MustNewID()
		diff := &submission.Diff{
			Fields:        map[string]any{submission.FieldStatus: core.StatusRunning},
			LastUpdatedAt: watermark,
		}

		mockPool.ExpectBegin()
		mockPool.ExpectExec("UPDATE submissions SET").
			WithArgs(int64(3), watermark, "RUNNING", id.String(), int64(2)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mockPool.ExpectQuery(`SELECT version FROM submissions WHERE submission_id = \$1`).
			WithArgs(id.String()).
			WillReturnError(pgx.ErrNoRows)
		mockPool.ExpectRollback()

		_, err = repo.ApplyDiff(context.Background(), id, 2, diff)
		assert.ErrorIs(t, err, submission.ErrNotFound)
	})

	t.Run("Should skip the database entirely for an empty diff", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		version, err := repo.ApplyDiff(context.Background(), core.MustNewID(), 4, &submission.Diff{})
		require.NoError(t, err)
		assert.Equal(t, int64(4), version)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSubmissionRepo_FindByPeriod(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	t.Run("Should list submissions oldest first with their tasks", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		first := core.MustNewID()
		second := core.MustNewID()
		routeID := "R1"

		mockPool.ExpectQuery(`SELECT (.+) FROM submissions WHERE submitted_at >= \$1 `+
			`AND submitted_at < \$2 AND route_id = \$3 ORDER BY submitted_at ASC, submission_id ASC`).
			WithArgs(from, to, routeID).
			WillReturnRows(mockPool.NewRows(submissionCols).
				AddRow(submissionValues(first, "COMPLETED", from.Add(time.Hour), int64(3))...).
				AddRow(submissionValues(second, "RUNNING", from.Add(2*time.Hour), int64(2))...))
		mockPool.ExpectQuery(`SELECT (.+) FROM tasks WHERE submission_id = ANY\(\$1\)`).
			WithArgs([]string{first.String(), second.String()}).
			WillReturnRows(mockPool.NewRows(taskCols))

		subs, err := repo.FindByPeriod(context.Background(), from, to,
			submission.Filter{RouteID: &routeID})
		require.NoError(t, err)
		require.Len(t, subs, 2)
		assert.Equal(t, first, subs[0].ID)
		assert.Equal(t, second, subs[1].ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should push parameter filters down as containment predicates", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		mockPool.ExpectQuery(`SELECT (.+) FROM submissions WHERE submitted_at >= \$1 `+
			`AND submitted_at < \$2 AND params @> \$3`).
			WithArgs(from, to, []byte(`{"region":"eu"}`)).
			WillReturnRows(mockPool.NewRows(submissionCols))

		subs, err := repo.FindByPeriod(context.Background(), from, to,
			submission.Filter{Params: map[string]string{"region": "eu"}})
		require.NoError(t, err)
		assert.Empty(t, subs)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSubmissionRepo_ListStale(t *testing.T) {
	t.Run("Should list non-terminal submissions oldest watermark first", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewSubmissionRepo(mockPool)

		cutoff := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		id := core.MustNewID()

		mockPool.ExpectQuery(`SELECT (.+) FROM submissions WHERE status NOT IN \(\$1,\$2,\$3\) `+
			`AND last_updated_at < \$4 ORDER BY last_updated_at ASC LIMIT 50`).
			WithArgs("COMPLETED", "FAILED", "CANCELLED", cutoff).
			WillReturnRows(mockPool.NewRows(submissionCols).
				AddRow(submissionValues(id, "RUNNING", cutoff.Add(-time.Hour), int64(2))...))
		mockPool.ExpectQuery(`SELECT (.+) FROM tasks WHERE submission_id = ANY\(\$1\)`).
			WithArgs([]string{id.String()}).
			WillReturnRows(mockPool.NewRows(taskCols))

		subs, err := repo.ListStale(context.Background(), cutoff, 50)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, id, subs[0].ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
