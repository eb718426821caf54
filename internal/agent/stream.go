package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// streamLine is the wire shape of one line-JSON message from the agent
// CLI. Only the fields the engine inspects are declared; the rest of
// each message is ignored.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Result    string          `json:"result,omitempty"`
	Message   *streamMessage  `json:"message,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type streamMessage struct {
	Content []streamBlock `json:"content,omitempty"`
}

type streamBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// toolFileInput is the subset of tool inputs that name a file. Agent
// tools disagree on the key, so both spellings are accepted.
type toolFileInput struct {
	FilePath     string `json:"file_path,omitempty"`
	Path         string `json:"path,omitempty"`
	NotebookPath string `json:"notebook_path,omitempty"`
}

// filePath returns the first populated path field.
func (t toolFileInput) filePath() string {
	switch {
	case t.FilePath != "":
		return t.FilePath
	case t.Path != "":
		return t.Path
	default:
		return t.NotebookPath
	}
}

// maxScanTokenSize bounds a single output line. Agent tool results can
// embed whole files.
const maxScanTokenSize = 4 * 1024 * 1024

// parseStream reads line-JSON from r and emits parsed events on out.
// Malformed lines are skipped. The channel is not closed here; the
// caller closes it after both stdout and stderr drain.
func parseStream(r io.Reader, out chan<- Event) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for _, ev := range parseLine(line) {
			out <- ev
		}
	}
}

// parseLine converts one line-JSON message into zero or more events. A
// line that is not valid JSON is surfaced as plain text so nothing the
// agent prints is lost.
func parseLine(line string) []Event {
	now := time.Now()

	var msg streamLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return []Event{{Type: EventText, Text: line, Timestamp: now}}
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" && msg.SessionID != "" {
			return []Event{{Type: EventSessionInit, SessionID: msg.SessionID, Timestamp: now}}
		}
		return nil

	case "assistant":
		if msg.Message == nil {
			return nil
		}
		var events []Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, Event{Type: EventText, Text: block.Text, Timestamp: now})
				}
			case "tool_use":
				ev := Event{Type: EventToolUse, Tool: block.Name, Timestamp: now}
				if len(block.Input) > 0 {
					var input toolFileInput
					if json.Unmarshal(block.Input, &input) == nil {
						ev.Path = input.filePath()
					}
				}
				events = append(events, ev)
			}
		}
		return events

	case "result":
		return []Event{{Type: EventResult, Text: msg.Result, SessionID: msg.SessionID, Timestamp: now}}

	default:
		return nil
	}
}
