package db

import (
	"context"
	"testing"

	"github.com/libcrowds/analyst/internal/analysis"
)

// newTestDB opens a fresh in-memory database with the baseline schema.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedTemplate inserts a template with the given rules and returns its ID.
func seedTemplate(t *testing.T, db *DB, mode string, rules analysis.RuleSet) string {
	t.Helper()
	tmpl := &analysis.Template{
		Name:       "test template",
		Mode:       mode,
		MinAnswers: 3,
		MaxAnswers: 10,
		Rules:      rules,
	}
	if err := db.CreateTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("failed to seed template: %v", err)
	}
	return tmpl.ID
}

// seedTask inserts a task pointing at the given template and returns its ID.
func seedTask(t *testing.T, db *DB, projectID, templateID, target string) string {
	t.Helper()
	task := &analysis.Task{
		ProjectID:  projectID,
		TemplateID: templateID,
		Target:     target,
		NAnswers:   3,
	}
	if err := db.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to seed task: %v", err)
	}
	return task.ID
}

// seedRun inserts one submission against a task and returns its ID.
func seedRun(t *testing.T, db *DB, taskID, userID, info string) string {
	t.Helper()
	run := &analysis.TaskRun{
		TaskID: taskID,
		UserID: userID,
		Info:   []byte(info),
	}
	if err := db.CreateTaskRun(context.Background(), run); err != nil {
		t.Fatalf("failed to seed task run: %v", err)
	}
	return run.ID
}
