// Package events is the in-process pub/sub that carries run progress to the
// API stream and the live view.
package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the ring size used when NewHub is given none.
const DefaultCapacity = 256

// Event is one published hub message.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event %d: %w", e.Type, e.ID, err)
	}
	return nil
}

// Publisher is the producer side of a Hub.
type Publisher interface {
	Publish(eventType string, data any)
}

// Hub fans events out to live subscribers and keeps the most recent ones
// so a client that connects mid-run can replay them.
type Hub struct {
	mu     sync.Mutex
	lastID int64
	recent []Event
	limit  int
	subs   map[chan Event]struct{}
}

var _ Publisher = (*Hub)(nil)

// NewHub returns a Hub that retains up to capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		recent: make([]Event, 0, capacity),
		limit:  capacity,
		subs:   make(map[chan Event]struct{}),
	}
}

// Publish stamps data as the next event. IDs are assigned under the lock so
// the replay buffer and every subscriber see them in increasing order.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	if len(h.recent) == h.limit {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:h.limit-1]
	}
	h.recent = append(h.recent, ev)

	for ch := range h.subs {
		// slow subscribers drop events rather than block a run
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a live subscriber. The returned func unsubscribes and
// closes the channel; calling it twice is harmless.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 128)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// SnapshotSince returns retained events newer than lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	// recent is sorted by ID
	i := sort.Search(len(h.recent), func(i int) bool { return h.recent[i].ID > lastID })
	out := make([]Event, len(h.recent)-i)
	copy(out, h.recent[i:])
	return out
}
