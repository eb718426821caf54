package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	busDir    = "bus"
	indexFile = "index.jsonl"
)

// Store persists messages as append-only JSONL, one directory per
// recipient under <root>/bus/<recipient>/index.jsonl.
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore creates a Store rooted at the given state directory,
// typically the project's .taskherd directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Post appends a message to its recipient's mailbox. Empty ID and
// Timestamp fields are populated.
func (s *Store) Post(msg Message) error {
	if msg.From == "" {
		return fmt.Errorf("bus: message From is required")
	}
	if msg.To == "" {
		return fmt.Errorf("bus: message To is required")
	}
	if msg.Type == "" {
		return fmt.Errorf("bus: message Type is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()[:8]
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	dir := s.mailboxDir(msg.To)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bus: create mailbox: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal message: %w", err)
	}
	data = append(data, '\n')

	// O_APPEND plus the mutex keeps concurrent lines from interleaving.
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, indexFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bus: open index: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("bus: append message: %w", err)
	}
	return f.Close()
}

// Messages returns broadcast messages plus those addressed to
// recipient, in timestamp order. A missing mailbox yields no messages.
func (s *Store) Messages(recipient string) ([]Message, error) {
	if recipient == "" {
		return nil, fmt.Errorf("bus: recipient is required")
	}

	broadcast, err := s.readIndex(BroadcastRecipient)
	if err != nil {
		return nil, err
	}
	targeted, err := s.readIndex(recipient)
	if err != nil {
		return nil, err
	}

	all := append(broadcast, targeted...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, nil
}

// EnsureMailbox creates the mailbox directory for a recipient so it can
// be watched before any message arrives.
func (s *Store) EnsureMailbox(recipient string) error {
	return os.MkdirAll(s.mailboxDir(recipient), 0o755)
}

// RemoveMailbox deletes a recipient's mailbox and its messages.
func (s *Store) RemoveMailbox(recipient string) error {
	if recipient == "" || recipient == BroadcastRecipient {
		return fmt.Errorf("bus: cannot remove mailbox %q", recipient)
	}
	return os.RemoveAll(s.mailboxDir(recipient))
}

func (s *Store) mailboxDir(recipient string) string {
	return filepath.Join(s.root, busDir, recipient)
}

// readIndex loads all messages from one mailbox. Malformed lines are
// skipped so one bad write cannot poison the mailbox.
func (s *Store) readIndex(recipient string) ([]Message, error) {
	f, err := os.Open(filepath.Join(s.mailboxDir(recipient), indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: open index: %w", err)
	}
	defer func() { _ = f.Close() }()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("bus: scan index: %w", err)
	}
	return messages, nil
}
