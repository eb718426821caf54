package models

// PriorityLevel is the coarse scheduling tier for a task.
// It is the primary sort key when choosing runnable tasks; the numeric
// Priority field breaks ties within a level.
type PriorityLevel string

const (
	// PriorityLow is for background or cleanup work.
	PriorityLow PriorityLevel = "low"
	// PriorityNormal is the default level.
	PriorityNormal PriorityLevel = "normal"
	// PriorityHigh is for work the operator wants ahead of the queue.
	PriorityHigh PriorityLevel = "high"
	// PriorityCritical preempts everything else in the frontier.
	PriorityCritical PriorityLevel = "critical"
)

// levelRank maps each level to its scheduling weight.
var levelRank = map[PriorityLevel]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Valid returns true if the level is a known value.
func (l PriorityLevel) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Rank returns the numeric weight of the level. Unknown levels rank
// below PriorityLow so malformed input never jumps the queue.
func (l PriorityLevel) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return -1
}

// Before reports whether a task at level l should run ahead of one at
// level other, considering only the coarse tier.
func (l PriorityLevel) Before(other PriorityLevel) bool {
	return l.Rank() > other.Rank()
}
