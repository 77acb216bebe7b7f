package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/libcrowds/analyst/internal/analysis"
	"github.com/libcrowds/analyst/internal/annotations"
)

// Result loads the consensus result for a task, or (nil, nil) when the task
// has not been analysed yet.
func (db *DB) Result(ctx context.Context, taskID string) (*analysis.Result, error) {
	var (
		result           analysis.Result
		anns             string
		hasChildren      int
		created, updated float64
	)
	err := db.QueryRowContext(ctx, `
		SELECT task_id, annotations, has_children, version, created_at, updated_at
		FROM results WHERE task_id = ?`, taskID,
	).Scan(&result.TaskID, &anns, &hasChildren, &result.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(anns), &result.Annotations); err != nil {
		return nil, fmt.Errorf("result for task %s has invalid annotations JSON: %w", taskID, err)
	}
	result.HasChildren = hasChildren != 0
	result.Created = unixTime(created)
	result.Updated = unixTime(updated)
	return &result, nil
}

// SaveResult persists a consensus result. A result with Version 0 is inserted
// fresh; an existing one is overwritten only if nobody else bumped its
// version since it was read (compare-and-swap). Either way the caller's copy
// ends up holding the stored version.
func (db *DB) SaveResult(ctx context.Context, result *analysis.Result) error {
	anns, err := json.Marshal(result.Annotations)
	if err != nil {
		return fmt.Errorf("failed to encode annotations: %w", err)
	}
	if result.Annotations == nil {
		anns = []byte("[]")
	}
	hasChildren := 0
	if result.HasChildren {
		hasChildren = 1
	}

	if result.Version == 0 {
		_, err := db.ExecContext(ctx, `
			INSERT INTO results (task_id, annotations, has_children, version, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)`,
			result.TaskID, string(anns), hasChildren, toUnix(result.Created), toUnix(result.Updated),
		)
		if err != nil {
			// A result appearing between our read and write is a concurrent
			// pass over the same task.
			var exists int
			if db.QueryRowContext(ctx, `SELECT 1 FROM results WHERE task_id = ?`, result.TaskID).Scan(&exists) == nil {
				return fmt.Errorf("task %s: %w", result.TaskID, analysis.ErrResultConflict)
			}
			return fmt.Errorf("failed to insert result for task %s: %w", result.TaskID, err)
		}
		result.Version = 1
		return nil
	}

	res, err := db.ExecContext(ctx, `
		UPDATE results
		SET annotations = ?, has_children = ?, version = version + 1, updated_at = ?
		WHERE task_id = ? AND version = ?`,
		string(anns), hasChildren, toUnix(result.Updated), result.TaskID, result.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update result for task %s: %w", result.TaskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", result.TaskID, analysis.ErrResultConflict)
	}
	result.Version++
	return nil
}

// SetResultHasChildren marks or unmarks a result as having derived child
// tasks. A marked result is authoritative: analysis passes skip the task.
func (db *DB) SetResultHasChildren(ctx context.Context, taskID string, hasChildren bool) error {
	v := 0
	if hasChildren {
		v = 1
	}
	res, err := db.ExecContext(ctx, `
		UPDATE results SET has_children = ?, updated_at = UNIXEPOCH('subsec')
		WHERE task_id = ?`, v, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark result for task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no result for task %q", taskID)
	}
	return nil
}

// CurateAnnotation records an operator's hand edit of one describing
// annotation in a task's result: the value is replaced and the annotation is
// stamped as modified so later passes carry it forward instead of recomputing
// its tag.
func (db *DB) CurateAnnotation(ctx context.Context, taskID, annotationID, value, modified string) error {
	result, err := db.Result(ctx, taskID)
	if err != nil {
		return err
	}
	if result == nil {
		return fmt.Errorf("no result for task %q", taskID)
	}

	found := false
	for i := range result.Annotations {
		ann := &result.Annotations[i]
		if ann.ID != annotationID {
			continue
		}
		if ann.Motivation != annotations.MotivationDescribing {
			return fmt.Errorf("annotation %s is not a describing annotation", annotationID)
		}
		for j := range ann.Body {
			if ann.Body[j].Purpose == "describing" {
				ann.Body[j].Value = value
			}
		}
		ann.Modified = modified
		found = true
		break
	}
	if !found {
		return fmt.Errorf("no annotation %q in result for task %q", annotationID, taskID)
	}

	return db.SaveResult(ctx, result)
}
