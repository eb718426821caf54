// Package agent manages the external coding-agent processes that
// perform task work. It abstracts process lifecycle (start, input,
// suspend, resume, kill) and parses the agent's streamed line-JSON
// output into typed events.
package agent

import (
	"context"
	"time"
)

// EventType classifies a parsed event from the agent's output stream.
type EventType string

const (
	// EventText is a plain assistant text chunk.
	EventText EventType = "text"
	// EventToolUse is a tool invocation. Path is populated when the tool
	// input names a file.
	EventToolUse EventType = "tool_use"
	// EventSessionInit carries the agent's session identifier, emitted
	// once near the start of the stream.
	EventSessionInit EventType = "session_init"
	// EventResult is the agent's final result message.
	EventResult EventType = "result"
	// EventStderr is a line captured from the process's stderr.
	EventStderr EventType = "stderr"
)

// Event is one parsed item from an agent process's output stream.
type Event struct {
	Type      EventType
	Text      string
	Tool      string
	Path      string
	SessionID string
	Timestamp time.Time
}

// ExitResult describes how an agent process ended.
type ExitResult struct {
	ExitCode int
	// Output is the bounded tail of everything the process wrote.
	Output string
	// Stderr is the bounded tail of the process's stderr.
	Stderr string
	// Killed is true when the process was terminated by Kill rather
	// than exiting on its own.
	Killed bool
	Err    error
}

// Process is a running agent working on a task. Implementations stream
// parsed events on Events until the process exits, after which Wait
// returns the exit result.
type Process interface {
	// Start launches the process with the given prompt as initial input.
	Start(ctx context.Context, prompt string) error

	// WriteLine sends a line of input to the running process's stdin.
	WriteLine(line string) error

	// Events returns the stream of parsed output events. The channel is
	// closed when the process's stdout closes.
	Events() <-chan Event

	// Wait blocks until the process exits and returns its result.
	// It may be called once.
	Wait() ExitResult

	// Kill terminates the process tree. Safe to call multiple times.
	Kill()

	// SuspendTree stops the process and all its descendants without
	// terminating them. The process keeps its memory and file handles.
	SuspendTree() error

	// ResumeTree continues a suspended process tree.
	ResumeTree() error

	// SessionID returns the agent session identifier once known, or ""
	// before the session_init event arrives.
	SessionID() string
}
