package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/libcrowds/analyst/internal/analysis"
)

// CreateTask inserts a new unit of work. A missing ID is assigned.
func (db *DB) CreateTask(ctx context.Context, task *analysis.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.State == "" {
		task.State = analysis.TaskOngoing
	}
	if task.NAnswers < 1 {
		task.NAnswers = 1
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, project_id, template_id, target, parent_target, n_answers, state)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		task.ID, task.ProjectID, task.TemplateID, task.Target, task.ParentTarget,
		task.NAnswers, string(task.State),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Task loads one task, or (nil, nil) when it does not exist.
func (db *DB) Task(ctx context.Context, taskID string) (*analysis.Task, error) {
	var (
		task   analysis.Task
		parent sql.NullString
		state  string
	)
	err := db.QueryRowContext(ctx, `
		SELECT task_id, project_id, template_id, target, parent_target, n_answers, state
		FROM tasks WHERE task_id = ?`, taskID,
	).Scan(&task.ID, &task.ProjectID, &task.TemplateID, &task.Target, &parent, &task.NAnswers, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	task.ParentTarget = parent.String
	task.State = analysis.TaskState(state)
	return &task, nil
}

// UpdateTask persists the redundancy fields mutated by an analysis pass.
func (db *DB) UpdateTask(ctx context.Context, task *analysis.Task) error {
	res, err := db.ExecContext(ctx, `
		UPDATE tasks
		SET n_answers = ?, state = ?, updated_at = UNIXEPOCH('subsec')
		WHERE task_id = ?`,
		task.NAnswers, string(task.State), task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q not found", task.ID)
	}
	return nil
}

// CreateTaskRun records one worker's submission. Runs are immutable once
// created; there is deliberately no update method.
func (db *DB) CreateTaskRun(ctx context.Context, run *analysis.TaskRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	info := run.Info
	if len(info) == 0 {
		info = json.RawMessage("{}")
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO task_runs (task_run_id, task_id, user_id, info)
		VALUES (?, ?, ?, ?)`,
		run.ID, run.TaskID, run.UserID, string(info),
	)
	if err != nil {
		return fmt.Errorf("failed to create task run: %w", err)
	}
	return nil
}

// TaskRuns returns a task's submissions in submission order. The order is
// load-bearing: voting breaks frequency ties by first occurrence.
func (db *DB) TaskRuns(ctx context.Context, taskID string) ([]analysis.TaskRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT task_run_id, task_id, user_id, info, created_at
		FROM task_runs WHERE task_id = ?
		ORDER BY created_at, task_run_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []analysis.TaskRun
	for rows.Next() {
		var (
			run     analysis.TaskRun
			info    string
			created float64
		)
		if err := rows.Scan(&run.ID, &run.TaskID, &run.UserID, &info, &created); err != nil {
			return nil, err
		}
		run.Info = json.RawMessage(info)
		run.Created = unixTime(created)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ProjectIDs lists the distinct projects with tasks in the store.
func (db *DB) ProjectIDs(ctx context.Context) ([]string, error) {
	return db.taskIDs(ctx, `
		SELECT DISTINCT project_id FROM tasks ORDER BY project_id`)
}

// ProjectTaskIDs lists all task IDs of a project.
func (db *DB) ProjectTaskIDs(ctx context.Context, projectID string) ([]string, error) {
	return db.taskIDs(ctx, `
		SELECT task_id FROM tasks WHERE project_id = ? ORDER BY created_at, task_id`, projectID)
}

// ProjectTaskIDsWithoutResult lists the project's tasks that have no stored
// consensus result yet.
func (db *DB) ProjectTaskIDsWithoutResult(ctx context.Context, projectID string) ([]string, error) {
	return db.taskIDs(ctx, `
		SELECT t.task_id
		FROM tasks t LEFT JOIN results r ON r.task_id = t.task_id
		WHERE t.project_id = ? AND r.task_id IS NULL
		ORDER BY t.created_at, t.task_id`, projectID)
}

func (db *DB) taskIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
