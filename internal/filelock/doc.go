// Package filelock provides per-file admission control for concurrently
// running agent tasks.
//
// When multiple agent processes edit a shared repository in parallel, two
// tasks may attempt to modify the same file at the same time. The Manager
// prevents this by keeping an in-memory registry of file ownership: a task
// acquires a lock on a normalized project-relative path before its
// file-modifying tool action proceeds, and every lock it holds is released
// when the task finishes or is cancelled.
//
// A failed acquisition never blocks the caller. Instead the conflicting
// task is expected to be queued by the coordinator; the Manager records a
// QueuedTaskInfo pairing the task with the path that blocked it and the
// owners it must wait for. After every completion or release the
// coordinator calls CheckQueued, which resumes each queued task at most
// once when both its blockers and its conflicting path have cleared.
//
// Global policy knobs protect against runaway agents: a maximum total lock
// count, a maximum per-task lock count, and an exclusive-operation flag
// that fails all new acquisitions while a git commit is mutating the
// working tree.
//
// All Manager methods are safe for concurrent use. Resume notifications
// are dispatched outside the internal mutex so handlers may call back into
// the Manager without deadlocking.
package filelock
