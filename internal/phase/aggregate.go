package phase

import (
	"fmt"
	"strings"

	"github.com/taskherd/taskherd/pkg/models"
)

// ChildInfo is the slice of a finished child's state the aggregate needs.
type ChildInfo struct {
	ID              string
	Title           string
	Status          models.TaskStatus
	Summary         string
	Recommendations []string
}

// truncationNote is appended whenever a cap cut content.
const truncationNote = "[results truncated to bound prompt size]"

// AggregateResults concatenates finished child results into a report
// passed to the next phase's prompt. Each child's text is cut at
// perChildCap bytes and the whole report at totalCap bytes, with a
// diagnostic note when either cap applies.
func AggregateResults(children []ChildInfo, perChildCap, totalCap int) string {
	var b strings.Builder
	truncated := false

	for _, child := range children {
		var section strings.Builder
		fmt.Fprintf(&section, "### %s (%s)\n", child.Title, child.Status)
		if child.Summary != "" {
			section.WriteString(child.Summary)
			section.WriteString("\n")
		}
		for _, rec := range child.Recommendations {
			section.WriteString("- recommendation: " + rec + "\n")
		}

		text := section.String()
		if perChildCap > 0 && len(text) > perChildCap {
			text = text[:perChildCap] + "\n"
			truncated = true
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	out := b.String()
	if totalCap > 0 && len(out) > totalCap {
		out = out[:totalCap] + "\n"
		truncated = true
	}
	if truncated {
		out += truncationNote + "\n"
	}
	return out
}
