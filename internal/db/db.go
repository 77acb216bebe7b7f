// Package db is the sqlite-backed store for tasks, task runs, templates and
// consensus results. It satisfies the analysis package's store interfaces.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
}

// OpenDB opens the database without touching the schema. Used by the migrate
// CLI, which manages the schema itself.
func OpenDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Serialised writers with a grace period rather than immediate SQLITE_BUSY.
	if _, err := sqldb.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	return &DB{sqldb}, nil
}

// NewDB opens the database and ensures the baseline schema exists.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS templates (
			template_id   TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			mode          TEXT NOT NULL CHECK (mode IN ('iiif-annotate', 'z3950')),
			min_answers   INTEGER NOT NULL DEFAULT 3,
			max_answers   INTEGER NOT NULL DEFAULT 10,
			rules         TEXT NOT NULL DEFAULT '{}',
			created_at    REAL NOT NULL DEFAULT (UNIXEPOCH('subsec'))
		);
		CREATE TABLE IF NOT EXISTS tasks (
			task_id       TEXT PRIMARY KEY,
			project_id    TEXT NOT NULL,
			template_id   TEXT NOT NULL REFERENCES templates(template_id),
			target        TEXT NOT NULL,
			parent_target TEXT,
			n_answers     INTEGER NOT NULL DEFAULT 1,
			state         TEXT NOT NULL DEFAULT 'ongoing' CHECK (state IN ('ongoing', 'completed')),
			created_at    REAL NOT NULL DEFAULT (UNIXEPOCH('subsec')),
			updated_at    REAL NOT NULL DEFAULT (UNIXEPOCH('subsec'))
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
		CREATE TABLE IF NOT EXISTS task_runs (
			task_run_id   TEXT PRIMARY KEY,
			task_id       TEXT NOT NULL REFERENCES tasks(task_id),
			user_id       TEXT NOT NULL,
			info          TEXT NOT NULL DEFAULT '{}',
			created_at    REAL NOT NULL DEFAULT (UNIXEPOCH('subsec'))
		);
		CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id);
		CREATE TABLE IF NOT EXISTS results (
			task_id       TEXT PRIMARY KEY REFERENCES tasks(task_id),
			annotations   TEXT NOT NULL DEFAULT '[]',
			has_children  INTEGER NOT NULL DEFAULT 0,
			version       INTEGER NOT NULL DEFAULT 1,
			created_at    REAL NOT NULL DEFAULT (UNIXEPOCH('subsec')),
			updated_at    REAL NOT NULL DEFAULT (UNIXEPOCH('subsec'))
		);
	`); err != nil {
		return nil, err
	}

	return db, nil
}

// unixTime converts a stored subsecond unix timestamp back to time.Time.
func unixTime(f float64) time.Time {
	return time.Unix(0, int64(f*1e9)).UTC()
}

// toUnix converts a time.Time to the stored subsecond unix representation.
func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://analyst.db", db.DB, &tailsql.DBOptions{
		Label: "Analyst DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()

		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
