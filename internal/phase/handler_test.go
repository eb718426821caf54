package phase

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskherd/taskherd/pkg/models"
)

// fakeRuntime records every coordinator call the handler makes and lets
// tests script child state and spawn failures.
type fakeRuntime struct {
	mu       sync.Mutex
	prompts  []string
	phases   []models.Phase
	killed   []string
	canceled []string
	spawned  []ChildSpec
	children map[string]ChildInfo

	finishStatus models.TaskStatus
	finishNote   string
	finishCount  int

	failSpawnAt int // 1-based index of the spawn that fails; 0 = never
	nextNumber  int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{children: make(map[string]ChildInfo), nextNumber: 100}
}

func (r *fakeRuntime) StartProcess(task *models.Task, prompt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)
	r.phases = append(r.phases, task.Phase)
	return nil
}

func (r *fakeRuntime) KillProcess(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, taskID)
}

func (r *fakeRuntime) SpawnChild(parentID string, spec ChildSpec) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSpawnAt > 0 && len(r.spawned)+1 == r.failSpawnAt {
		return nil, errors.New("spawn refused")
	}
	r.spawned = append(r.spawned, spec)
	r.nextNumber++
	id := fmt.Sprintf("child-%d", r.nextNumber)
	r.children[id] = ChildInfo{ID: id, Title: spec.Title, Status: models.TaskStatusRunning}
	return &models.Task{ID: id, DisplayNumber: r.nextNumber, ParentID: parentID, Title: spec.Title}, nil
}

func (r *fakeRuntime) CancelTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, taskID)
	if info, ok := r.children[taskID]; ok {
		info.Status = models.TaskStatusCancelled
		r.children[taskID] = info
	}
}

func (r *fakeRuntime) ChildInfo(childID string) (ChildInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.children[childID]
	return info, ok
}

func (r *fakeRuntime) FinishTask(_ string, status models.TaskStatus, note string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishCount++
	r.finishStatus = status
	r.finishNote = note
}

func (r *fakeRuntime) finishChild(id string, status models.TaskStatus, summary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.children[id]
	info.Status = status
	info.Summary = summary
	r.children[id] = info
}

func (r *fakeRuntime) promptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func (r *fakeRuntime) lastPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.prompts) == 0 {
		return ""
	}
	return r.prompts[len(r.prompts)-1]
}

func (r *fakeRuntime) finished() (int, models.TaskStatus, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishCount, r.finishStatus, r.finishNote
}

func testConfig() Config {
	return Config{
		FailureBudget:     3,
		RateLimitRetries:  2,
		RateLimitBackoff:  2 * time.Millisecond,
		MaxIterations:     3,
		OutputTailBytes:   1 << 16,
		ChildSummaryBytes: 4096,
		AggregateBytes:    16384,
	}
}

func newTestHandler(t *testing.T, cfg Config) (*Handler, *fakeRuntime) {
	t.Helper()
	rt := newFakeRuntime()
	task := &models.Task{
		ID:            "feat-1",
		DisplayNumber: 1,
		Kind:          models.KindFeature,
		Title:         "auth feature",
		Description:   "add session auth",
		Status:        models.TaskStatusRunning,
	}
	return NewHandler(task, rt, cfg), rt
}

const teamOutput = "```yaml\n" +
	"team:\n" +
	"  - role: researcher\n" +
	"    description: investigate auth libraries\n" +
	"  - role: designer\n" +
	"    description: design the session API\n" +
	"    depends_on: [0]\n" +
	"```"

const stepsOutput = "```yaml\n" +
	"steps:\n" +
	"  - description: implement session store\n" +
	"  - description: add login endpoint\n" +
	"    depends_on: [0]\n" +
	"```"

func TestBeginStartsPlanning(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	if err := h.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if h.Task().Phase != models.PhaseNone {
		t.Errorf("phase = %v, want none", h.Task().Phase)
	}
	if rt.promptCount() != 1 || !strings.Contains(rt.lastPrompt(), "add session auth") {
		t.Errorf("planning prompt = %q", rt.lastPrompt())
	}
}

func TestPlanningWithoutTeamGoesToConsolidation(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	_ = h.Begin()

	h.OnProcessExit(0, "small task, no team needed")

	if h.Task().Phase != models.PhasePlanConsolidation {
		t.Errorf("phase = %v, want plan_consolidation", h.Task().Phase)
	}
	if rt.promptCount() != 2 {
		t.Fatalf("prompts = %d, want 2", rt.promptCount())
	}
	if !strings.Contains(rt.lastPrompt(), "steps:") {
		t.Errorf("consolidation prompt = %q", rt.lastPrompt())
	}
}

func TestPlanningWithTeamSpawnsChildren(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	_ = h.Begin()

	h.OnProcessExit(0, teamOutput)

	if h.Task().Phase != models.PhaseTeamPlanning {
		t.Errorf("phase = %v, want team_planning", h.Task().Phase)
	}
	rt.mu.Lock()
	spawned := append([]ChildSpec(nil), rt.spawned...)
	rt.mu.Unlock()
	if len(spawned) != 2 {
		t.Fatalf("spawned = %d, want 2", len(spawned))
	}
	if spawned[0].Role != "researcher" {
		t.Errorf("first spec = %+v", spawned[0])
	}
	// Second member depends on the first; the index must resolve to the
	// sibling's id and display number.
	if len(spawned[1].DependsOnIDs) != 1 || spawned[1].DependsOnIDs[0] != "child-101" {
		t.Errorf("deps = %v", spawned[1].DependsOnIDs)
	}
	if len(spawned[1].BlockerNumbers) != 1 || spawned[1].BlockerNumbers[0] != 101 {
		t.Errorf("blocker numbers = %v", spawned[1].BlockerNumbers)
	}
	if len(h.Task().PhaseChildIDs) != 2 {
		t.Errorf("PhaseChildIDs = %v", h.Task().PhaseChildIDs)
	}
}

func TestChildCompletionAdvancesWithAggregate(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	_ = h.Begin()
	h.OnProcessExit(0, teamOutput)

	rt.finishChild("child-101", models.TaskStatusCompleted, "found bcrypt fits")
	h.OnChildFinished("child-101")
	if h.Task().Phase != models.PhaseTeamPlanning {
		t.Fatal("advanced before all children finished")
	}

	rt.finishChild("child-102", models.TaskStatusCompleted, "api sketched")
	h.OnChildFinished("child-102")

	if h.Task().Phase != models.PhasePlanConsolidation {
		t.Fatalf("phase = %v, want plan_consolidation", h.Task().Phase)
	}
	if len(h.Task().PhaseChildIDs) != 0 {
		t.Error("PhaseChildIDs not cleared before next phase")
	}
	if !strings.Contains(rt.lastPrompt(), "found bcrypt fits") {
		t.Errorf("consolidation prompt missing child results: %q", rt.lastPrompt())
	}
}

func TestConsolidationWithoutStepsFails(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	_ = h.Begin()
	h.OnProcessExit(0, "no team")
	h.OnProcessExit(0, "sorry, I could not produce steps")

	count, status, note := rt.finished()
	if count != 1 || status != models.TaskStatusFailed {
		t.Fatalf("finish = %d %v %q", count, status, note)
	}
	if !strings.Contains(note, "no execution steps") {
		t.Errorf("note = %q", note)
	}
}

func TestFullCycleWithCompletionMarker(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	_ = h.Begin()
	h.OnProcessExit(0, "no team")   // None -> PlanConsolidation
	h.OnProcessExit(0, stepsOutput) // -> Execution, two children

	if h.Task().Phase != models.PhaseExecution {
		t.Fatalf("phase = %v, want execution", h.Task().Phase)
	}

	rt.finishChild("child-101", models.TaskStatusCompleted, "store done")
	rt.finishChild("child-102", models.TaskStatusCompleted, "endpoint done")
	h.OnChildFinished("child-101")
	h.OnChildFinished("child-102")

	if h.Task().Phase != models.PhaseEvaluation {
		t.Fatalf("phase = %v, want evaluation", h.Task().Phase)
	}
	if !strings.Contains(rt.lastPrompt(), "store done") {
		t.Errorf("evaluation prompt missing results: %q", rt.lastPrompt())
	}

	h.OnProcessExit(0, "looks good.\nWORK COMPLETE")
	count, status, _ := rt.finished()
	if count != 1 || status != models.TaskStatusCompleted {
		t.Errorf("finish = %d %v", count, status)
	}
}

func TestEvaluationLoopBackIncrementsIteration(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	_ = h.Begin()
	h.OnProcessExit(0, "no team")
	h.OnProcessExit(0, stepsOutput)
	rt.finishChild("child-101", models.TaskStatusCompleted, "")
	rt.finishChild("child-102", models.TaskStatusCompleted, "")
	h.OnChildFinished("child-101")
	h.OnChildFinished("child-102")

	h.OnProcessExit(0, "tests are still failing, more work needed")

	if h.Task().Phase != models.PhaseNone {
		t.Errorf("phase = %v, want none after loop-back", h.Task().Phase)
	}
	if h.Task().CurrentIteration != 1 {
		t.Errorf("iteration = %d, want 1", h.Task().CurrentIteration)
	}
	if count, _, _ := rt.finished(); count != 0 {
		t.Error("workflow should not have finished")
	}
	if !strings.Contains(rt.lastPrompt(), "iteration 2") {
		t.Errorf("loop-back planning prompt = %q", rt.lastPrompt())
	}
}

func TestMaxIterationsForcesCompleted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 1
	h, rt := newTestHandler(t, cfg)
	_ = h.Begin()
	h.OnProcessExit(0, "no team")
	h.OnProcessExit(0, stepsOutput)
	rt.finishChild("child-101", models.TaskStatusCompleted, "")
	rt.finishChild("child-102", models.TaskStatusCompleted, "")
	h.OnChildFinished("child-101")
	h.OnChildFinished("child-102")

	h.OnProcessExit(0, "still not done")

	count, status, note := rt.finished()
	if count != 1 || status != models.TaskStatusCompleted {
		t.Fatalf("finish = %d %v %q", count, status, note)
	}
	if !strings.Contains(note, "max iterations") {
		t.Errorf("note = %q", note)
	}
}

func TestFailureBudget(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	_ = h.Begin()

	h.OnProcessExit(1, "compile error")
	h.OnProcessExit(1, "compile error again")
	if count, _, _ := rt.finished(); count != 0 {
		t.Fatal("failed before budget exhausted")
	}
	// Each failure retries the same phase.
	if rt.promptCount() != 3 {
		t.Errorf("prompts = %d, want 3", rt.promptCount())
	}

	h.OnProcessExit(1, "compile error a third time")
	count, status, note := rt.finished()
	if count != 1 || status != models.TaskStatusFailed {
		t.Fatalf("finish = %d %v %q", count, status, note)
	}
}

func TestRateLimitResetsFailureCounter(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	_ = h.Begin()

	h.OnProcessExit(1, "failure one")
	h.OnProcessExit(1, "failure two")
	h.OnProcessExit(1, "Error: rate limit exceeded")

	if h.Task().ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0 after rate limit", h.Task().ConsecutiveFailures)
	}
	if count, _, _ := rt.finished(); count != 0 {
		t.Error("rate limit must not trip the failure budget")
	}

	// The retry fires after backoff and restarts the same phase.
	waitFor(t, func() bool { return rt.promptCount() == 4 })

	// Two more genuine failures stay under the reset budget.
	h.OnProcessExit(1, "failure")
	h.OnProcessExit(1, "failure")
	if count, _, _ := rt.finished(); count != 0 {
		t.Error("budget should have reset after the rate limit")
	}
}

func TestRateLimitRetriesExhausted(t *testing.T) {
	h, rt := newTestHandler(t, testConfig()) // RateLimitRetries = 2
	_ = h.Begin()

	h.OnProcessExit(1, "rate limit")
	waitFor(t, func() bool { return rt.promptCount() == 2 })
	h.OnProcessExit(1, "rate limit")
	waitFor(t, func() bool { return rt.promptCount() == 3 })
	h.OnProcessExit(1, "rate limit")

	count, status, note := rt.finished()
	if count != 1 || status != models.TaskStatusFailed {
		t.Fatalf("finish = %d %v %q", count, status, note)
	}
	if !strings.Contains(note, "rate limited") {
		t.Errorf("note = %q", note)
	}
}

func TestAllChildrenCancelledAborts(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	_ = h.Begin()
	h.OnProcessExit(0, teamOutput)

	rt.finishChild("child-101", models.TaskStatusCancelled, "")
	rt.finishChild("child-102", models.TaskStatusCancelled, "")
	h.OnChildFinished("child-101")
	h.OnChildFinished("child-102")

	count, status, _ := rt.finished()
	if count != 1 || status != models.TaskStatusCancelled {
		t.Errorf("finish = %d %v", count, status)
	}
}

func TestMixedCancelledChildrenStillAdvance(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	_ = h.Begin()
	h.OnProcessExit(0, teamOutput)

	rt.finishChild("child-101", models.TaskStatusCancelled, "")
	rt.finishChild("child-102", models.TaskStatusCompleted, "useful result")
	h.OnChildFinished("child-101")
	h.OnChildFinished("child-102")

	if h.Task().Phase != models.PhasePlanConsolidation {
		t.Errorf("phase = %v, want plan_consolidation", h.Task().Phase)
	}
}

func TestSpawnFailureCancelsSiblings(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	rt.failSpawnAt = 2
	_ = h.Begin()

	h.OnProcessExit(0, teamOutput)

	count, status, note := rt.finished()
	if count != 1 || status != models.TaskStatusFailed {
		t.Fatalf("finish = %d %v %q", count, status, note)
	}
	rt.mu.Lock()
	canceled := append([]string(nil), rt.canceled...)
	rt.mu.Unlock()
	if len(canceled) != 1 || canceled[0] != "child-101" {
		t.Errorf("canceled = %v, want the already-spawned sibling", canceled)
	}
	if len(h.Task().PhaseChildIDs) != 0 {
		t.Errorf("PhaseChildIDs = %v, want empty after failed batch", h.Task().PhaseChildIDs)
	}
}

func TestPhaseTimeoutKillsProcess(t *testing.T) {
	cfg := testConfig()
	cfg.PhaseTimeout = 10 * time.Millisecond
	h, rt := newTestHandler(t, cfg)
	_ = h.Begin()

	waitFor(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.killed) == 1
	})
}

func TestPhaseTimeoutCancelledByExit(t *testing.T) {
	cfg := testConfig()
	cfg.PhaseTimeout = 30 * time.Millisecond
	h, rt := newTestHandler(t, cfg)
	_ = h.Begin()

	h.OnProcessExit(0, "no team")
	time.Sleep(60 * time.Millisecond)

	rt.mu.Lock()
	killedEarly := len(rt.killed)
	rt.mu.Unlock()
	// The consolidation phase armed a fresh timer; only that one may
	// fire. The planning-phase timer must be gone.
	if killedEarly > 1 {
		t.Errorf("stale timer fired, killed = %d", killedEarly)
	}
}

func TestTotalTimeoutForcesCompleted(t *testing.T) {
	cfg := testConfig()
	cfg.TotalTimeout = 15 * time.Millisecond
	h, rt := newTestHandler(t, cfg)
	_ = h.Begin()

	waitFor(t, func() bool {
		count, _, _ := rt.finished()
		return count == 1
	})
	_, status, note := rt.finished()
	if status != models.TaskStatusCompleted {
		t.Errorf("status = %v, want completed", status)
	}
	if !strings.Contains(note, "runtime cap") {
		t.Errorf("note = %q", note)
	}
}

func TestNoActionAfterFinish(t *testing.T) {
	h, rt := newTestHandler(t, testConfig())
	_ = h.Begin()
	h.OnProcessExit(1, "f1")
	h.OnProcessExit(1, "f2")
	h.OnProcessExit(1, "f3")

	// Late exits and child notifications are ignored once finished.
	h.OnProcessExit(0, "no team")
	h.OnChildFinished("child-101")

	count, _, _ := rt.finished()
	if count != 1 {
		t.Errorf("finish count = %d, want 1", count)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
