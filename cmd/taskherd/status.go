package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taskherd/taskherd/internal/state"
	"github.com/taskherd/taskherd/pkg/models"
)

var statusFilter string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show archived task history for this project",
	Long: `Display the task archive for the current project.

Shows every task that has reached a terminal status, most recent
first, with its commit hash and failure reason where applicable.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "filter", "", "Only show tasks with this status (completed, failed, cancelled)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No task history. Run 'taskherd run <task>' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	tasks, err := db.Tasks(models.TaskStatus(statusFilter))
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No archived tasks.")
		return nil
	}

	for _, t := range tasks {
		printArchived(t)
	}
	return nil
}

func printArchived(t state.ArchivedTask) {
	header := fmt.Sprintf("#%d %s", t.DisplayNumber, t.Title)
	if t.Kind != models.KindPlain && t.Kind != "" {
		header += fmt.Sprintf(" [%s]", t.Kind)
	}

	switch t.Status {
	case models.TaskStatusCompleted:
		color.Green("%s  completed%s", header, commitSuffix(t.CommitHash))
	case models.TaskStatusFailed:
		color.Red("%s  failed", header)
		if t.Error != "" {
			fmt.Printf("    %s\n", t.Error)
		}
	case models.TaskStatusCancelled:
		color.Yellow("%s  cancelled", header)
	default:
		fmt.Printf("%s  %s\n", header, t.Status)
	}

	if !t.EndedAt.IsZero() {
		dur := ""
		if !t.StartedAt.IsZero() {
			dur = fmt.Sprintf(" in %s", t.EndedAt.Sub(t.StartedAt).Round(time.Second))
		}
		fmt.Printf("    finished %s%s\n", t.EndedAt.Format("2006-01-02 15:04"), dur)
	}
	for _, rec := range t.Recommendations {
		fmt.Printf("    recommendation: %s\n", rec)
	}
}

func commitSuffix(hash string) string {
	if hash == "" {
		return ""
	}
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return " (" + hash + ")"
}
