// Package graph provides the dependency scheduler: a directed acyclic
// graph of task-to-task "depends on" edges with a priority-ordered
// runnable frontier.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/taskherd/taskherd/pkg/models"
)

// ErrCycleDetected indicates an edge would close a circular dependency.
// The edge is rejected; the caller must handle the error rather than
// spawning the dependent task.
var ErrCycleDetected = errors.New("circular dependency detected")

// node is one task's entry in the graph.
type node struct {
	id string
	// task is nil until the task is registered via AddTask; a node may be
	// forward-declared by an edge pointing at it.
	task *models.Task
	// unresolved holds dependency ids that have not completed yet.
	unresolved map[string]bool
	// dependents holds reverse edges: ids of tasks depending on this one.
	dependents map[string]bool
}

// Scheduler maintains the dependency DAG and the runnable frontier.
//
// All mutating methods are safe for concurrent use. Readiness
// notifications are dispatched outside the internal mutex so a handler
// may call back into the Scheduler without deadlocking.
type Scheduler struct {
	mu sync.Mutex
	// nodes maps task ID to its graph node.
	nodes map[string]*node
	// resolved tracks tasks whose completion has been recorded.
	resolved map[string]bool
	// dispatched tracks tasks handed out by NextRunnable and not requeued.
	dispatched map[string]bool
	// onReady is invoked (outside the mutex) with newly unblocked tasks.
	onReady func(tasks []*models.Task)
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		nodes:      make(map[string]*node),
		resolved:   make(map[string]bool),
		dispatched: make(map[string]bool),
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (s *Scheduler) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// SetOnReady registers the handler invoked when OnTaskCompleted unblocks
// tasks. The handler runs outside the Scheduler's mutex.
func (s *Scheduler) SetOnReady(fn func(tasks []*models.Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = fn
}

// AddTask registers a task and its dependency edges. Dependencies that
// already completed are not recorded as unresolved. Every new edge is
// checked for cycles before insertion; on ErrCycleDetected no edge of the
// rejected dependency is recorded.
func (s *Scheduler) AddTask(task *models.Task, dependsOn []string) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("graph: task with empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.nodeLocked(task.ID)
	n.task = task

	for _, depID := range dependsOn {
		if depID == task.ID {
			return fmt.Errorf("graph: task %s depends on itself: %w", task.ID, ErrCycleDetected)
		}
		if s.resolved[depID] {
			continue
		}
		if s.reachableLocked(depID, task.ID) {
			return fmt.Errorf("graph: edge %s -> %s: %w", task.ID, depID, ErrCycleDetected)
		}
		dep := s.nodeLocked(depID)
		n.unresolved[depID] = true
		dep.dependents[task.ID] = true
	}

	s.debugLog("[graph] added task %s (%d unresolved deps)", task.ID, len(n.unresolved))
	return nil
}

// WouldCycle reports whether adding the edge "taskID depends on depID"
// would create a cycle in the current graph.
func (s *Scheduler) WouldCycle(taskID, depID string) bool {
	if taskID == depID {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reachableLocked(depID, taskID)
}

// reachableLocked reports whether target is reachable from start by
// following dependency edges. Caller must hold s.mu.
func (s *Scheduler) reachableLocked(start, target string) bool {
	visited := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if n, ok := s.nodes[id]; ok {
			for depID := range n.unresolved {
				stack = append(stack, depID)
			}
		}
	}
	return false
}

// nodeLocked returns the node for id, creating a forward declaration if
// needed. Caller must hold s.mu.
func (s *Scheduler) nodeLocked(id string) *node {
	if n, ok := s.nodes[id]; ok {
		return n
	}
	n := &node{
		id:         id,
		unresolved: make(map[string]bool),
		dependents: make(map[string]bool),
	}
	s.nodes[id] = n
	return n
}

// NextRunnable returns up to n runnable tasks ordered by descending
// priority level, then descending numeric priority. Returned tasks are
// marked dispatched and will not be handed out again unless Requeue is
// called for them.
func (s *Scheduler) NextRunnable(n int) []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready := s.runnableLocked()
	sortByPriority(ready)
	if n > 0 && len(ready) > n {
		ready = ready[:n]
	}
	for _, t := range ready {
		s.dispatched[t.ID] = true
	}
	return ready
}

// runnableLocked collects registered, unresolved, undispatched tasks with
// an empty unresolved set. Caller must hold s.mu.
func (s *Scheduler) runnableLocked() []*models.Task {
	var ready []*models.Task
	for id, n := range s.nodes {
		if n.task == nil || s.resolved[id] || s.dispatched[id] {
			continue
		}
		if len(n.unresolved) == 0 {
			ready = append(ready, n.task)
		}
	}
	return ready
}

// Requeue returns a dispatched task to the frontier, typically after a
// lock conflict deferred it.
func (s *Scheduler) Requeue(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dispatched, taskID)
}

// OnTaskCompleted marks a task resolved, clears it from every dependent's
// unresolved set, and returns the dependents that became runnable, sorted
// by the frontier's priority rule. The newly-ready set is computed under
// one critical section; the readiness notification fires after the mutex
// is released.
func (s *Scheduler) OnTaskCompleted(taskID string) []*models.Task {
	s.mu.Lock()

	var unblocked []*models.Task
	if !s.resolved[taskID] {
		s.resolved[taskID] = true
		delete(s.dispatched, taskID)

		if n, ok := s.nodes[taskID]; ok {
			for depID := range n.dependents {
				dep, ok := s.nodes[depID]
				if !ok {
					continue
				}
				delete(dep.unresolved, taskID)
				if len(dep.unresolved) == 0 && dep.task != nil && !s.resolved[depID] && !s.dispatched[depID] {
					unblocked = append(unblocked, dep.task)
				}
			}
		}
		sortByPriority(unblocked)
	}
	onReady := s.onReady
	s.mu.Unlock()

	if len(unblocked) > 0 {
		s.debugLog("[graph] task %s completion unblocked %d tasks", taskID, len(unblocked))
		if onReady != nil {
			onReady(unblocked)
		}
	}
	return unblocked
}

// RemoveTask deletes a task and every forward and reverse reference to
// it, so no dangling edges remain after a task is retired.
func (s *Scheduler) RemoveTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[taskID]
	if !ok {
		delete(s.resolved, taskID)
		delete(s.dispatched, taskID)
		return
	}
	for depID := range n.unresolved {
		if dep, ok := s.nodes[depID]; ok {
			delete(dep.dependents, taskID)
		}
	}
	for depID := range n.dependents {
		if dep, ok := s.nodes[depID]; ok {
			delete(dep.unresolved, taskID)
		}
	}
	delete(s.nodes, taskID)
	delete(s.resolved, taskID)
	delete(s.dispatched, taskID)
}

// Unresolved returns the ids a task is still waiting on, or nil if the
// task is unknown.
func (s *Scheduler) Unresolved(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[taskID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.unresolved))
	for id := range n.unresolved {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the ids of tasks depending on the given task.
func (s *Scheduler) Dependents(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[taskID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.dependents))
	for id := range n.dependents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of nodes in the graph.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// sortByPriority orders tasks by descending priority level, then
// descending numeric priority. Ties beyond that are left in place; the
// ordering contract specifies nothing further.
func sortByPriority(tasks []*models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.PriorityLevel != b.PriorityLevel {
			return a.PriorityLevel.Before(b.PriorityLevel)
		}
		return a.Priority > b.Priority
	})
}
