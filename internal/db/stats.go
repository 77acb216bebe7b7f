package db

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ProjectStats is a progress rollup for one project's tasks.
type ProjectStats struct {
	ProjectID string `json:"project_id"`
	Tasks     int    `json:"tasks"`
	Ongoing   int    `json:"ongoing"`
	Completed int    `json:"completed"`
	// WithResult counts tasks holding a stored consensus result.
	WithResult int `json:"with_result"`
	// TotalAnswers is the number of task runs submitted across the project.
	TotalAnswers int `json:"total_answers"`
	// Percentiles of answers submitted per task.
	AnswersP50 float64 `json:"answers_p50"`
	AnswersP85 float64 `json:"answers_p85"`
	AnswersMax float64 `json:"answers_max"`
	// MeanRequired is the average current required-answer count, a measure of
	// how far redundancy has escalated.
	MeanRequired float64 `json:"mean_required"`
}

// ProjectStats aggregates task lifecycle and redundancy figures for a project.
func (db *DB) ProjectStats(ctx context.Context, projectID string) (*ProjectStats, error) {
	stats := &ProjectStats{ProjectID: projectID}

	rows, err := db.QueryContext(ctx, `
		SELECT
			t.state,
			t.n_answers,
			(SELECT COUNT(*) FROM task_runs tr WHERE tr.task_id = t.task_id) AS submitted,
			(SELECT COUNT(*) FROM results r WHERE r.task_id = t.task_id) AS has_result
		FROM tasks t
		WHERE t.project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to roll up project %s: %w", projectID, err)
	}
	defer rows.Close()

	var perTask []float64
	var requiredSum int
	for rows.Next() {
		var (
			state     string
			nRequired int
			submitted int
			hasResult int
		)
		if err := rows.Scan(&state, &nRequired, &submitted, &hasResult); err != nil {
			return nil, err
		}
		stats.Tasks++
		if state == "completed" {
			stats.Completed++
		} else {
			stats.Ongoing++
		}
		stats.WithResult += hasResult
		stats.TotalAnswers += submitted
		requiredSum += nRequired
		perTask = append(perTask, float64(submitted))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.Tasks > 0 {
		stats.MeanRequired = float64(requiredSum) / float64(stats.Tasks)
	}
	if len(perTask) > 0 {
		sort.Float64s(perTask)
		stats.AnswersP50 = stat.Quantile(0.50, stat.Empirical, perTask, nil)
		stats.AnswersP85 = stat.Quantile(0.85, stat.Empirical, perTask, nil)
		stats.AnswersMax = perTask[len(perTask)-1]
	}
	return stats, nil
}
