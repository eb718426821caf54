// Package state provides SQLite-based persistence for finished tasks.
// The archive lives in the project's .taskherd directory and records
// every task that reaches a terminal status, so completed work survives
// engine restarts and can be inspected later.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskherd/taskherd/pkg/models"
)

// DB wraps an SQLite connection with taskherd archive operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// ProjectDBPath returns the archive path for a project.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".taskherd", "state.db")
}

// Open opens the SQLite database at path, creating parent directories
// as needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenProject opens the project-local archive.
func OpenProject(projectRoot string) (*DB, error) {
	return Open(ProjectDBPath(projectRoot))
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	display_number INTEGER NOT NULL,
	kind TEXT NOT NULL,
	parent_id TEXT,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL,
	priority_level TEXT,
	phase TEXT,
	session_id TEXT,
	commit_hash TEXT,
	summary TEXT,
	error TEXT,
	recommendations TEXT,
	started_at DATETIME,
	ended_at DATETIME,
	archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
`

// Migrate applies pending schema migrations in order.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// ArchiveTask upserts a terminal task into the archive.
func (db *DB) ArchiveTask(task *models.Task) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		INSERT INTO tasks (
			id, display_number, kind, parent_id, title, description, status,
			priority_level, phase, session_id, commit_hash, summary, error,
			recommendations, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			session_id = excluded.session_id,
			commit_hash = excluded.commit_hash,
			summary = excluded.summary,
			error = excluded.error,
			recommendations = excluded.recommendations,
			ended_at = excluded.ended_at,
			archived_at = CURRENT_TIMESTAMP
	`,
		task.ID, task.DisplayNumber, string(task.Kind), task.ParentID,
		task.Title, task.Description, string(task.Status),
		string(task.PriorityLevel), string(task.Phase), task.SessionID,
		task.CommitHash, task.CompletionSummary, task.Error,
		strings.Join(task.Recommendations, "\n"),
		nullableTime(task.StartedAt), nullableTime(task.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", task.ID, err)
	}
	return nil
}

// ArchivedTask is one row from the archive.
type ArchivedTask struct {
	ID              string
	DisplayNumber   int
	Kind            models.TaskKind
	ParentID        string
	Title           string
	Status          models.TaskStatus
	CommitHash      string
	Summary         string
	Error           string
	Recommendations []string
	StartedAt       time.Time
	EndedAt         time.Time
}

// Tasks returns archived tasks, most recently ended first. status
// filters the result when non-empty.
func (db *DB) Tasks(status models.TaskStatus) ([]ArchivedTask, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `
		SELECT id, display_number, kind, COALESCE(parent_id, ''), title, status,
			COALESCE(commit_hash, ''), COALESCE(summary, ''), COALESCE(error, ''),
			COALESCE(recommendations, ''), started_at, ended_at
		FROM tasks
	`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY ended_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ArchivedTask
	for rows.Next() {
		var t ArchivedTask
		var kind, st, recs string
		var started, ended sql.NullTime
		if err := rows.Scan(&t.ID, &t.DisplayNumber, &kind, &t.ParentID, &t.Title,
			&st, &t.CommitHash, &t.Summary, &t.Error, &recs, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Kind = models.TaskKind(kind)
		t.Status = models.TaskStatus(st)
		if recs != "" {
			t.Recommendations = strings.Split(recs, "\n")
		}
		if started.Valid {
			t.StartedAt = started.Time
		}
		if ended.Valid {
			t.EndedAt = ended.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Task returns one archived task by id, or sql.ErrNoRows.
func (db *DB) Task(id string) (*ArchivedTask, error) {
	tasks, err := db.Tasks("")
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i], nil
		}
	}
	return nil, sql.ErrNoRows
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
