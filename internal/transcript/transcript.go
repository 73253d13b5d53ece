// Package transcript holds the conversation transcript shared by text chat and
// voice, and the per-turn aggregator that turns streamed partial
// transcriptions into transcript items.
package transcript

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Greeting is the first item of every transcript.
const Greeting = "Hello! My name is Red AI, developed by GM Ripon. How can I assist you today? Please select a mode to get started."

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 256

// Speaker identifies who produced an item.
type Speaker string

const (
	SpeakerUser Speaker = "User"
	SpeakerAI   Speaker = "AI"
)

// Item is one transcript entry.
type Item struct {
	ID      string
	Speaker Speaker
	Text    string
	At      time.Time
}

// NewItem returns an item stamped with a fresh ID and the current time.
func NewItem(speaker Speaker, text string) Item {
	return Item{ID: uuid.NewString(), Speaker: speaker, Text: text, At: time.Now()}
}

// Log is an append-only, ordered transcript. It is safe for concurrent use.
type Log struct {
	mu    sync.Mutex
	items []Item
	subs  map[chan Item]struct{}
}

// NewLog returns a log seeded with the AI greeting.
func NewLog() *Log {
	return &Log{
		items: []Item{NewItem(SpeakerAI, Greeting)},
		subs:  make(map[chan Item]struct{}),
	}
}

// Append adds items in order and notifies subscribers. A subscriber that has
// fallen a full buffer behind misses the item.
func (l *Log) Append(items ...Item) {
	if len(items) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, it := range items {
		l.items = append(l.items, it)
		for ch := range l.subs {
			select {
			case ch <- it:
			default:
				slog.Warn("transcript: subscriber lagging, item not delivered", "id", it.ID)
			}
		}
	}
}

// Items returns a snapshot of the transcript.
func (l *Log) Items() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Item, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of items.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// RemoveLast removes the final item if its ID is id and reports whether it
// did. Only the chat rollback path uses it.
func (l *Log) RemoveLast(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.items)
	if n == 0 || l.items[n-1].ID != id {
		return false
	}
	l.items = l.items[:n-1]
	return true
}

// Subscribe returns a channel receiving every item appended from now on, and
// a cancel function that unsubscribes and closes the channel.
func (l *Log) Subscribe() (<-chan Item, func()) {
	ch := make(chan Item, subscriberBuffer)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			l.mu.Unlock()
			close(ch)
		})
	}
}
