package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"slidegen/internal/task"
)

const taskColumns = `id, project_id, kind, status, total, completed, failed, max_workers,
error_message, warning, created_at, started_at, finished_at`

const unitColumns = `id, task_id, page_id, ordinal, phase, status, input, result, error,
retryable, attempt_count, updated_at`

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := transact(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		query := `INSERT INTO tasks (` + taskColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);`
		if _, err := tx.Exec(ctx, query,
			t.ID, t.ProjectID, t.Kind, t.Status, t.Total, t.Completed, t.Failed, t.MaxWorkers,
			t.ErrorMessage, t.Warning, t.CreatedAt, t.StartedAt, t.FinishedAt,
		); err != nil {
			return struct{}{}, fmt.Errorf("insert task: %w", err)
		}
		batch := &pgx.Batch{}
		for _, u := range t.Units {
			input, err := json.Marshal(u.Input)
			if err != nil {
				return struct{}{}, fmt.Errorf("encode unit input: %w", err)
			}
			batch.Queue(`INSERT INTO generation_units (`+unitColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`,
				u.ID, t.ID, u.PageID, u.Ordinal, u.Phase, u.Status, input, u.Result, u.Error,
				u.Retryable, u.AttemptCount, u.UpdatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return struct{}{}, fmt.Errorf("insert units: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return getTask(ctx, s.pool, id, false)
}

func (s *Store) StartTask(ctx context.Context, id string) (*task.Task, error) {
	_, err := s.pool.Exec(ctx, `
UPDATE tasks SET status = $2, started_at = COALESCE(started_at, NOW())
WHERE id = $1 AND status = $3;`, id, task.StatusProcessing, task.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// BeginUnit claims a PENDING unit with a conditional update so two runs can
// never start the same unit.
func (s *Store) BeginUnit(ctx context.Context, taskID, unitID string) (*task.Unit, error) {
	return transact(ctx, s.pool, func(tx pgx.Tx) (*task.Unit, error) {
		row := tx.QueryRow(ctx, `
UPDATE generation_units
SET status = $3, attempt_count = attempt_count + 1, updated_at = NOW()
WHERE task_id = $1 AND id = $2 AND status = $4
RETURNING `+unitColumns+`;`, taskID, unitID, task.UnitInProgress, task.UnitPending)
		u, err := scanUnit(row)
		if errors.Is(err, pgx.ErrNoRows) {
			current, getErr := getUnit(ctx, tx, taskID, unitID)
			if getErr != nil {
				return nil, getErr
			}
			return nil, fmt.Errorf("%w: %s is %s", task.ErrUnitNotPending, unitID, current.Status)
		}
		if err != nil {
			return nil, fmt.Errorf("begin unit: %w", err)
		}
		if _, err := tx.Exec(ctx, `
UPDATE tasks SET status = $2, started_at = COALESCE(started_at, NOW())
WHERE id = $1 AND status = $3;`, taskID, task.StatusProcessing, task.StatusPending); err != nil {
			return nil, fmt.Errorf("mark task processing: %w", err)
		}
		return u, nil
	})
}

// SaveUnitResult moves an IN_PROGRESS unit to its terminal state and bumps
// the matching counter with a single row update on the task.
func (s *Store) SaveUnitResult(ctx context.Context, taskID, unitID string, out task.Outcome) (*task.Task, error) {
	if !out.Valid() {
		return nil, task.ErrEmptyOutcome
	}
	_, err := transact(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		status := task.UnitCompleted
		completedDelta, failedDelta := 1, 0
		if out.Failed() {
			status = task.UnitFailed
			completedDelta, failedDelta = 0, 1
		}
		tag, err := tx.Exec(ctx, `
UPDATE generation_units
SET status = $3, result = $4, error = $5, retryable = $6, updated_at = NOW()
WHERE task_id = $1 AND id = $2 AND status = $7;`,
			taskID, unitID, status, resultOf(out), out.Err, out.Failed() && out.Retryable, task.UnitInProgress)
		if err != nil {
			return struct{}{}, fmt.Errorf("save unit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, checkAlreadySaved(ctx, tx, taskID, unitID, out)
		}

		var total, completed, failed int
		if err := tx.QueryRow(ctx, `
UPDATE tasks SET completed = completed + $2, failed = failed + $3
WHERE id = $1
RETURNING total, completed, failed;`, taskID, completedDelta, failedDelta).Scan(&total, &completed, &failed); err != nil {
			return struct{}{}, fmt.Errorf("bump counters: %w", err)
		}
		if completed+failed == total {
			return struct{}{}, finishTask(ctx, tx, taskID, total, failed)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

func resultOf(out task.Outcome) string {
	if out.Failed() {
		return ""
	}
	return out.Result
}

func checkAlreadySaved(ctx context.Context, q querier, taskID, unitID string, out task.Outcome) error {
	u, err := getUnit(ctx, q, taskID, unitID)
	if err != nil {
		return err
	}
	switch {
	case u.Status == task.UnitFailed && out.Failed() && u.Error == out.Err:
		return nil
	case u.Status == task.UnitCompleted && !out.Failed() && u.Result == out.Result:
		return nil
	case u.Terminal():
		return task.ErrConflictingResult
	default:
		return fmt.Errorf("%w: %s is %s", task.ErrUnitNotStarted, unitID, u.Status)
	}
}

func finishTask(ctx context.Context, tx pgx.Tx, taskID string, total, failed int) error {
	var firstErr string
	err := tx.QueryRow(ctx, `
SELECT error FROM generation_units
WHERE task_id = $1 AND status = $2
ORDER BY ordinal LIMIT 1;`, taskID, task.UnitFailed).Scan(&firstErr)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("first unit error: %w", err)
	}
	status, errMsg, warning := task.Summarize(total, failed, firstErr)
	if _, err := tx.Exec(ctx, `
UPDATE tasks SET status = $2, error_message = $3, warning = $4, finished_at = NOW()
WHERE id = $1;`, taskID, status, errMsg, warning); err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return nil
}

func (s *Store) RequeueUnits(ctx context.Context, taskID string, unitIDs []string, maxAttempts int) ([]string, error) {
	return transact(ctx, s.pool, func(tx pgx.Tx) ([]string, error) {
		t, err := getTask(ctx, tx, taskID, true)
		if err != nil {
			return nil, err
		}
		ids, err := t.Requeue(unitIDs, maxAttempts, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		return ids, writeTaskState(ctx, tx, t)
	})
}

func (s *Store) InterruptTask(ctx context.Context, taskID, reason string) (*task.Task, error) {
	return transact(ctx, s.pool, func(tx pgx.Tx) (*task.Task, error) {
		t, err := getTask(ctx, tx, taskID, true)
		if err != nil {
			return nil, err
		}
		if t.Interrupt(reason, time.Now().UTC()) == 0 {
			return t, nil
		}
		return t, writeTaskState(ctx, tx, t)
	})
}

func (s *Store) ListUnfinishedTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id FROM tasks WHERE status IN ($1, $2) ORDER BY created_at;`,
		task.StatusPending, task.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan task ids: %w", err)
	}
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// writeTaskState persists the task row and every unit row of t.
func writeTaskState(ctx context.Context, tx pgx.Tx, t *task.Task) error {
	if _, err := tx.Exec(ctx, `
UPDATE tasks
SET status = $2, completed = $3, failed = $4, error_message = $5, warning = $6,
    started_at = $7, finished_at = $8
WHERE id = $1;`,
		t.ID, t.Status, t.Completed, t.Failed, t.ErrorMessage, t.Warning, t.StartedAt, t.FinishedAt,
	); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	batch := &pgx.Batch{}
	for _, u := range t.Units {
		batch.Queue(`
UPDATE generation_units
SET status = $3, result = $4, error = $5, retryable = $6, attempt_count = $7, updated_at = $8
WHERE task_id = $1 AND id = $2;`,
			t.ID, u.ID, u.Status, u.Result, u.Error, u.Retryable, u.AttemptCount, u.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("update units: %w", err)
	}
	return nil
}

func getTask(ctx context.Context, q querier, id string, forUpdate bool) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var t task.Task
	err := q.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.ProjectID, &t.Kind, &t.Status, &t.Total, &t.Completed, &t.Failed, &t.MaxWorkers,
		&t.ErrorMessage, &t.Warning, &t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+unitColumns+` FROM generation_units WHERE task_id = $1 ORDER BY ordinal;`, id)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()
	t.Units = []task.Unit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		t.Units = append(t.Units, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return &t, nil
}

func getUnit(ctx context.Context, q querier, taskID, unitID string) (*task.Unit, error) {
	row := q.QueryRow(ctx, `SELECT `+unitColumns+` FROM generation_units WHERE task_id = $1 AND id = $2;`, taskID, unitID)
	u, err := scanUnit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrUnitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

func scanUnit(row pgx.Row) (*task.Unit, error) {
	var (
		u     task.Unit
		input []byte
	)
	if err := row.Scan(&u.ID, &u.TaskID, &u.PageID, &u.Ordinal, &u.Phase, &u.Status, &input,
		&u.Result, &u.Error, &u.Retryable, &u.AttemptCount, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(input, &u.Input); err != nil {
		return nil, fmt.Errorf("decode unit input: %w", err)
	}
	return &u, nil
}
