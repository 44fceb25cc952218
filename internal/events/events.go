// Package events delivers fire-and-forget notifications from the sync
// engine to interested features.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Event names.
const (
	// AutoSynced is published once per resource key after an automatic
	// sync run completed with changes and left the run table.
	AutoSynced = "auto_synced"

	// ManualSynced is published after a user-requested sync of one key.
	ManualSynced = "manual_synced"
)

// Event is one notification.
type Event struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Key      string   `json:"key"`
	Updated  bool     `json:"updated"`
	Warnings []string `json:"warnings"`
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

// NewEvent returns an event with a fresh time-ordered id.
func NewEvent(name, key string, updated bool, warnings []string) Event {
	if warnings == nil {
		warnings = []string{}
	}
	return Event{
		ID:       newID(),
		Name:     name,
		Key:      key,
		Updated:  updated,
		Warnings: warnings,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Bus fans events out to subscribers over buffered channels.
//
// Publish never blocks: when a subscriber's buffer is full the event is
// dropped for that subscriber and a warning is logged.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	logger *slog.Logger
}

type subscription struct {
	ch     chan Event
	filter string
}

// NewBus returns an empty bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]*subscription), logger: logger}
}

// Subscribe registers a subscriber for events named name ("" for all).
// The returned function ends the subscription and closes the channel.
func (b *Bus) Subscribe(name string, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{ch: make(chan Event, buffer), filter: name}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = newID()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.filter != "" && sub.filter != e.Name {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("event dropped, subscriber buffer full",
				"event", e.Name,
				"key", e.Key,
			)
		}
	}
}
