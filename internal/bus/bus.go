package bus

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultPollInterval is the fallback poll cadence used when the
// filesystem watcher is unavailable, and the safety-net cadence when it
// is. Some filesystems drop notify events.
const defaultPollInterval = 500 * time.Millisecond

// Bus is the high-level messaging interface tasks use. It wraps a Store
// and adds a change watcher that delivers new messages to a handler.
type Bus struct {
	store        *Store
	pollInterval time.Duration
}

// New creates a Bus storing messages under root.
func New(root string) *Bus {
	return &Bus{store: NewStore(root), pollInterval: defaultPollInterval}
}

// SetPollInterval adjusts the watcher's poll cadence. Must be called
// before Watch. Non-positive values are ignored.
func (b *Bus) SetPollInterval(d time.Duration) {
	if d > 0 {
		b.pollInterval = d
	}
}

// Join creates recipient's mailbox so messages can be watched for
// before any arrive.
func (b *Bus) Join(recipient string) error {
	return b.store.EnsureMailbox(recipient)
}

// Leave discards recipient's mailbox and all its messages.
func (b *Bus) Leave(recipient string) error {
	return b.store.RemoveMailbox(recipient)
}

// Post delivers a message.
func (b *Bus) Post(msg Message) error {
	return b.store.Post(msg)
}

// PostResult posts a child task's result to its parent's mailbox.
func (b *Bus) PostResult(childID, parentID string, result ChildResult) error {
	return b.store.Post(Message{
		From:   childID,
		To:     parentID,
		Type:   TypeChildResult,
		Result: &result,
	})
}

// Messages returns all messages visible to recipient in timestamp order.
func (b *Bus) Messages(recipient string) ([]Message, error) {
	return b.store.Messages(recipient)
}

// Watch delivers messages that arrive for recipient after the call to
// handler, in order. It uses fsnotify on the mailbox directories with a
// periodic poll as safety net, and falls back to polling alone when the
// watcher cannot be created. The returned cancel stops the watcher and
// waits for it to drain.
func (b *Bus) Watch(recipient string, handler func(Message)) (cancel func(), err error) {
	if err := b.store.EnsureMailbox(recipient); err != nil {
		return nil, err
	}
	if err := b.store.EnsureMailbox(BroadcastRecipient); err != nil {
		return nil, err
	}

	// Snapshot before watching so messages posted after Watch returns
	// are never missed.
	initial, err := b.store.Messages(recipient)
	if err != nil {
		return nil, err
	}
	seen := len(initial)

	var notify chan fsnotify.Event
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		for _, dir := range []string{b.store.mailboxDir(recipient), b.store.mailboxDir(BroadcastRecipient)} {
			if err := watcher.Add(dir); err != nil {
				_ = watcher.Close()
				watcher = nil
				break
			}
		}
		if watcher != nil {
			notify = make(chan fsnotify.Event)
			go func() {
				for ev := range watcher.Events {
					if filepath.Base(ev.Name) == indexFile {
						select {
						case notify <- ev:
						default:
						}
					}
				}
				close(notify)
			}()
			go func() {
				for range watcher.Errors {
				}
			}()
		}
	}

	var stopped atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()

		for !stopped.Load() {
			select {
			case <-ticker.C:
			case <-notify:
			}
			if stopped.Load() {
				return
			}

			messages, err := b.store.Messages(recipient)
			if err != nil {
				continue
			}
			if len(messages) > seen {
				for _, msg := range messages[seen:] {
					handler(msg)
				}
				seen = len(messages)
			}
		}
	}()

	return func() {
		stopped.Store(true)
		if watcher != nil {
			_ = watcher.Close()
		}
		wg.Wait()
	}, nil
}
