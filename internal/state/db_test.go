package state

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskherd/taskherd/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), ".taskherd", "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestArchiveAndReadBack(t *testing.T) {
	db := openTestDB(t)

	now := time.Now().Truncate(time.Second)
	task := &models.Task{
		ID:                "t1",
		DisplayNumber:     1,
		Kind:              models.KindPlain,
		Title:             "add parser",
		Status:            models.TaskStatusCompleted,
		CommitHash:        "abc123",
		CompletionSummary: "parser added",
		Recommendations:   []string{"add fuzz tests", "benchmark it"},
		StartedAt:         now.Add(-time.Minute),
		EndedAt:           now,
	}
	if err := db.ArchiveTask(task); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}

	got, err := db.Task("t1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if got.Title != "add parser" || got.Status != models.TaskStatusCompleted {
		t.Errorf("task = %+v", got)
	}
	if got.CommitHash != "abc123" {
		t.Errorf("commit = %q", got.CommitHash)
	}
	if len(got.Recommendations) != 2 || got.Recommendations[0] != "add fuzz tests" {
		t.Errorf("recommendations = %v", got.Recommendations)
	}
	if got.EndedAt.IsZero() {
		t.Error("EndedAt not persisted")
	}
}

func TestArchiveUpsertsOnConflict(t *testing.T) {
	db := openTestDB(t)

	task := &models.Task{ID: "t1", DisplayNumber: 1, Kind: models.KindPlain, Title: "x", Status: models.TaskStatusFailed, Error: "first try"}
	if err := db.ArchiveTask(task); err != nil {
		t.Fatal(err)
	}
	task.Status = models.TaskStatusCompleted
	task.Error = ""
	task.CompletionSummary = "done after retry"
	if err := db.ArchiveTask(task); err != nil {
		t.Fatal(err)
	}

	tasks, err := db.Tasks("")
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d rows, want 1", len(tasks))
	}
	if tasks[0].Status != models.TaskStatusCompleted || tasks[0].Summary != "done after retry" {
		t.Errorf("row = %+v", tasks[0])
	}
}

func TestTasksStatusFilter(t *testing.T) {
	db := openTestDB(t)

	for i, status := range []models.TaskStatus{models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCompleted} {
		task := &models.Task{ID: string(rune('a' + i)), DisplayNumber: i + 1, Kind: models.KindPlain, Title: "t", Status: status}
		if err := db.ArchiveTask(task); err != nil {
			t.Fatal(err)
		}
	}

	completed, err := db.Tasks(models.TaskStatusCompleted)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(completed) != 2 {
		t.Errorf("completed = %d, want 2", len(completed))
	}
	failed, err := db.Tasks(models.TaskStatusFailed)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("failed = %d, want 1", len(failed))
	}
}

func TestTaskNotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Task("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}
