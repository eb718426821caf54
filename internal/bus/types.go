// Package bus provides durable file-backed messaging between tasks.
// Child tasks post results into their parent's mailbox as JSONL and the
// engine watches for new messages. Files survive process restarts, so
// results posted while the engine is down are picked up on the next run.
package bus

import "time"

// BroadcastRecipient is the mailbox every participant receives from.
const BroadcastRecipient = "broadcast"

// MessageType classifies a bus message.
type MessageType string

const (
	// TypeChildResult carries a finished child task's outcome to its parent.
	TypeChildResult MessageType = "child_result"
	// TypeNote is a free-form text message.
	TypeNote MessageType = "note"
)

// ChildResult is the payload a child task posts when it finishes.
type ChildResult struct {
	ChildTaskID     string   `json:"childTaskId"`
	Status          string   `json:"status"`
	Summary         string   `json:"summary,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	FileChanges     []string `json:"fileChanges,omitempty"`
}

// Message is one bus message. Result is set for TypeChildResult.
type Message struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Type      MessageType  `json:"type"`
	Body      string       `json:"body,omitempty"`
	Result    *ChildResult `json:"result,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
