package filelock

import (
	"sync"
	"testing"

	"github.com/taskherd/taskherd/pkg/models"
)

func TestTryAcquire_GrantAndConflict(t *testing.T) {
	m := NewManager(Limits{})

	res := m.TryAcquire("task-a", "/repo", "src/auth.go", "Edit", false)
	if res.Status != StatusGranted {
		t.Fatalf("first acquire status = %v, want granted", res.Status)
	}
	if res.Path != "src/auth.go" {
		t.Errorf("normalized path = %q, want %q", res.Path, "src/auth.go")
	}

	res = m.TryAcquire("task-b", "/repo", "src/auth.go", "Write", false)
	if res.Status != StatusConflict {
		t.Fatalf("conflicting acquire status = %v, want conflict", res.Status)
	}
	if res.Owner != "task-a" {
		t.Errorf("conflict owner = %q, want task-a", res.Owner)
	}
	if res.Status.Granted() {
		t.Error("conflict must not be granted")
	}
}

func TestTryAcquire_OwnerRestamps(t *testing.T) {
	m := NewManager(Limits{})

	m.TryAcquire("task-a", "/repo", "main.go", "Edit", false)
	res := m.TryAcquire("task-a", "/repo", "main.go", "Write", false)
	if res.Status != StatusGranted {
		t.Fatalf("owner re-acquire status = %v, want granted", res.Status)
	}

	locks := m.TaskLocks("task-a")
	if len(locks) != 1 {
		t.Fatalf("owner holds %d locks after re-acquire, want 1", len(locks))
	}
	if locks[0].Tool != "Write" {
		t.Errorf("re-stamped tool = %q, want Write", locks[0].Tool)
	}
}

func TestTryAcquire_MutualExclusionInvariant(t *testing.T) {
	m := NewManager(Limits{})

	// Hammer the same path from many goroutines; exactly one task may own it.
	var wg sync.WaitGroup
	granted := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			if m.TryAcquire("task-"+id, "/repo", "hot.go", "Edit", false).Status == StatusGranted {
				granted <- "task-" + id
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	owners := make(map[string]bool)
	for id := range granted {
		owners[id] = true
	}
	if len(owners) != 1 {
		t.Fatalf("%d distinct owners acquired the same path, want 1", len(owners))
	}

	nonWaiting := 0
	for _, l := range m.Locks() {
		if !l.Waiting {
			nonWaiting++
		}
	}
	if nonWaiting != 1 {
		t.Errorf("table holds %d non-waiting locks, want 1", nonWaiting)
	}
}

func TestTryAcquire_IgnoreLocks(t *testing.T) {
	m := NewManager(Limits{})
	m.TryAcquire("task-a", "/repo", "x.go", "Edit", false)

	res := m.TryAcquire("task-b", "/repo", "x.go", "Edit", true)
	if res.Status != StatusIgnored {
		t.Fatalf("ignore-locks acquire status = %v, want ignored", res.Status)
	}
	if !res.Status.Granted() {
		t.Error("ignored acquisition must be granted")
	}
	if len(m.TaskLocks("task-b")) != 0 {
		t.Error("ignore-locks task must not register a lock")
	}
}

func TestTryAcquire_InvalidPaths(t *testing.T) {
	m := NewManager(Limits{})

	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"literal null", "null"},
		{"uppercase null", "NULL"},
		{"absolute outside root", "/etc/passwd"},
		{"escapes root", "../outside.go"},
		{"dot", "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.TryAcquire("task-a", "/repo", tt.path, "Edit", false)
			if res.Status != StatusNoLockNeeded {
				t.Errorf("TryAcquire(%q) status = %v, want no_lock_needed", tt.path, res.Status)
			}
			if !res.Status.Granted() {
				t.Errorf("TryAcquire(%q) must let the operation proceed", tt.path)
			}
		})
	}

	if got := len(m.Locks()); got != 0 {
		t.Errorf("invalid paths registered %d locks, want 0", got)
	}
}

func TestTryAcquire_AbsolutePathInsideRoot(t *testing.T) {
	m := NewManager(Limits{})

	res := m.TryAcquire("task-a", "/repo", "/repo/src/db.go", "Edit", false)
	if res.Status != StatusGranted {
		t.Fatalf("status = %v, want granted", res.Status)
	}
	if res.Path != "src/db.go" {
		t.Errorf("normalized path = %q, want src/db.go", res.Path)
	}

	// A relative acquisition of the same file must conflict.
	res = m.TryAcquire("task-b", "/repo", "src/db.go", "Edit", false)
	if res.Status != StatusConflict {
		t.Errorf("status = %v, want conflict for equivalent path", res.Status)
	}
}

func TestTryAcquire_Limits(t *testing.T) {
	m := NewManager(Limits{MaxTotalLocks: 3, MaxLocksPerTask: 2})

	if res := m.TryAcquire("a", "/r", "f1.go", "Edit", false); res.Status != StatusGranted {
		t.Fatalf("f1 status = %v", res.Status)
	}
	if res := m.TryAcquire("a", "/r", "f2.go", "Edit", false); res.Status != StatusGranted {
		t.Fatalf("f2 status = %v", res.Status)
	}
	if res := m.TryAcquire("a", "/r", "f3.go", "Edit", false); res.Status != StatusLimitExceeded {
		t.Errorf("per-task cap: status = %v, want limit_exceeded", res.Status)
	}
	if res := m.TryAcquire("b", "/r", "f4.go", "Edit", false); res.Status != StatusGranted {
		t.Fatalf("f4 status = %v", res.Status)
	}
	if res := m.TryAcquire("c", "/r", "f5.go", "Edit", false); res.Status != StatusLimitExceeded {
		t.Errorf("global cap: status = %v, want limit_exceeded", res.Status)
	}

	// Re-stamp by an owner is not a new acquisition and stays granted.
	if res := m.TryAcquire("a", "/r", "f1.go", "Write", false); res.Status != StatusGranted {
		t.Errorf("owner re-stamp at cap: status = %v, want granted", res.Status)
	}
}

func TestTryAcquire_ExclusiveOperation(t *testing.T) {
	m := NewManager(Limits{})
	m.SetExclusiveOperation(true)

	if res := m.TryAcquire("a", "/r", "f.go", "Edit", false); res.Status != StatusExclusiveOperation {
		t.Fatalf("status = %v, want exclusive_operation", res.Status)
	}

	m.SetExclusiveOperation(false)
	if res := m.TryAcquire("a", "/r", "f.go", "Edit", false); res.Status != StatusGranted {
		t.Errorf("status after clearing flag = %v, want granted", res.Status)
	}
}

func TestReleaseTask_RemovesAllLocks(t *testing.T) {
	m := NewManager(Limits{})
	m.TryAcquire("a", "/r", "f1.go", "Edit", false)
	m.TryAcquire("a", "/r", "f2.go", "Edit", false)
	m.TryAcquire("b", "/r", "g.go", "Edit", false)

	released := m.ReleaseTask("a")
	if len(released) != 2 {
		t.Fatalf("released %d paths, want 2", len(released))
	}
	if len(m.TaskLocks("a")) != 0 {
		t.Error("task a still holds locks after release")
	}
	if len(m.TaskLocks("b")) != 1 {
		t.Error("release of a must not touch b's locks")
	}

	// Released paths are acquirable again.
	if res := m.TryAcquire("c", "/r", "f1.go", "Edit", false); res.Status != StatusGranted {
		t.Errorf("re-acquire after release: status = %v, want granted", res.Status)
	}
}

func TestCheckQueued_ResumesWhenCleared(t *testing.T) {
	m := NewManager(Limits{})
	m.TryAcquire("owner", "/r", "shared.go", "Edit", false)
	m.Enqueue("waiter", "shared.go", []string{"owner"})

	status := map[string]models.TaskStatus{
		"owner":  models.TaskStatusRunning,
		"waiter": models.TaskStatusQueued,
	}
	statusOf := func(id string) models.TaskStatus { return status[id] }

	var resumedIDs []string
	m.SetOnResume(func(id string) { resumedIDs = append(resumedIDs, id) })

	// Owner still running and path still held: nothing resumes.
	if got := m.CheckQueued(statusOf); len(got) != 0 {
		t.Fatalf("resumed %v while blocker active, want none", got)
	}

	// Owner finished but path still locked: nothing resumes.
	status["owner"] = models.TaskStatusCompleted
	if got := m.CheckQueued(statusOf); len(got) != 0 {
		t.Fatalf("resumed %v while path still locked, want none", got)
	}

	// Locks released: the waiter resumes exactly once.
	m.ReleaseTask("owner")
	got := m.CheckQueued(statusOf)
	if len(got) != 1 || got[0] != "waiter" {
		t.Fatalf("resumed %v, want [waiter]", got)
	}
	if len(resumedIDs) != 1 || resumedIDs[0] != "waiter" {
		t.Fatalf("onResume fired for %v, want [waiter]", resumedIDs)
	}
	if len(m.QueuedInfo()) != 0 {
		t.Error("queue entry not consumed after resume")
	}
}

func TestCheckQueued_NoDoubleResume(t *testing.T) {
	m := NewManager(Limits{})
	m.Enqueue("waiter", "free.go", []string{"gone"})

	var mu sync.Mutex
	resumes := 0
	m.SetOnResume(func(string) {
		mu.Lock()
		resumes++
		mu.Unlock()
	})

	statusOf := func(id string) models.TaskStatus {
		if id == "waiter" {
			return models.TaskStatusQueued
		}
		return models.TaskStatusCompleted
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.CheckQueued(statusOf)
		}()
	}
	wg.Wait()

	if resumes != 1 {
		t.Fatalf("concurrent CheckQueued resumed the task %d times, want 1", resumes)
	}
}

func TestCheckQueued_SkipsNonQueuedStatus(t *testing.T) {
	m := NewManager(Limits{})
	m.Enqueue("waiter", "free.go", nil)

	// The task was already resumed (or cancelled) by someone else.
	statusOf := func(string) models.TaskStatus { return models.TaskStatusRunning }
	if got := m.CheckQueued(statusOf); len(got) != 0 {
		t.Fatalf("resumed %v for non-queued task, want none", got)
	}
	// Entry stays until its status is queued again or it is dequeued.
	if len(m.QueuedInfo()) != 1 {
		t.Error("entry for non-queued task must remain")
	}
}

func TestEnqueue_ReplacesAndDequeues(t *testing.T) {
	m := NewManager(Limits{})
	m.Enqueue("waiter", "a.go", []string{"x"})
	m.Enqueue("waiter", "b.go", []string{"y"})

	info := m.QueuedInfo()
	if len(info) != 1 {
		t.Fatalf("queue holds %d entries after re-enqueue, want 1", len(info))
	}
	if info[0].Path != "b.go" {
		t.Errorf("entry path = %q, want b.go", info[0].Path)
	}

	m.Dequeue("waiter")
	if len(m.QueuedInfo()) != 0 {
		t.Error("Dequeue left the entry in place")
	}
}

func TestLocks_IncludesWaitingPlaceholders(t *testing.T) {
	m := NewManager(Limits{})
	m.TryAcquire("owner", "/r", "shared.go", "Edit", false)
	m.Enqueue("waiter", "shared.go", []string{"owner"})

	var waiting, owned int
	for _, l := range m.Locks() {
		if l.Waiting {
			waiting++
		} else {
			owned++
		}
	}
	if owned != 1 || waiting != 1 {
		t.Fatalf("locks snapshot: %d owned, %d waiting; want 1 and 1", owned, waiting)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		root string
		path string
		want string
		ok   bool
	}{
		{"relative", "/repo", "src/a.go", "src/a.go", true},
		{"dot segments cleaned", "/repo", "src/./sub/../a.go", "src/a.go", true},
		{"absolute inside root", "/repo", "/repo/src/a.go", "src/a.go", true},
		{"absolute outside root", "/repo", "/other/a.go", "", false},
		{"empty", "/repo", "", "", false},
		{"null literal", "/repo", "null", "", false},
		{"parent escape", "/repo", "../a.go", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizePath(tt.root, tt.path)
			if ok != tt.ok || got != tt.want {
				t.Errorf("normalizePath(%q, %q) = (%q, %v), want (%q, %v)",
					tt.root, tt.path, got, ok, tt.want, tt.ok)
			}
		})
	}
}
