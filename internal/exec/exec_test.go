package exec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunCapturesCombinedOutput(t *testing.T) {
	r := NewRunner()
	out, err := r.Run(context.Background(), "", "sh", "-c", "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "out") || !strings.Contains(s, "err") {
		t.Errorf("combined output missing streams: %q", s)
	}
}

func TestRunSplitSeparatesStreams(t *testing.T) {
	r := NewRunner()
	stdout, stderr, err := r.RunSplit(context.Background(), "", "sh", "-c", "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("RunSplit: %v", err)
	}
	if got := strings.TrimSpace(string(stdout)); got != "out" {
		t.Errorf("stdout = %q, want out", got)
	}
	if got := strings.TrimSpace(string(stderr)); got != "err" {
		t.Errorf("stderr = %q, want err", got)
	}
}

func TestRunRespectsWorkDir(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner()
	out, err := r.Run(context.Background(), dir, "pwd")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := strings.TrimSpace(string(out))
	// Resolve symlinks; macOS tmpdirs live under /private.
	want, _ := filepath.EvalSymlinks(dir)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != want {
		t.Errorf("pwd = %q, want %q", gotResolved, want)
	}
}

func TestRunReturnsErrorOnNonzeroExit(t *testing.T) {
	r := NewRunner()
	if _, err := r.Run(context.Background(), "", "sh", "-c", "exit 3"); err == nil {
		t.Error("expected error for nonzero exit")
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "present.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRunner()
	if !r.Exists("", file) {
		t.Error("absolute path to existing file reported missing")
	}
	if !r.Exists(dir, "present.txt") {
		t.Error("relative path against workDir reported missing")
	}
	if r.Exists(dir, "absent.txt") {
		t.Error("missing file reported present")
	}
}
