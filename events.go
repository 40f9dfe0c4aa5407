package drivekit

import (
	"sync"
	"time"
)

// Event describes a completed mutating operation. The database collaborator
// subscribes to record audit entries; this layer itself persists nothing.
type Event struct {
	Op        string
	BackendID string
	Path      string
	Dest      string // move/copy destination, "" otherwise
	Bytes     int64
	Time      time.Time
	Err       string // "" on success
}

// Broadcaster fans events out to subscribers without ever blocking the
// operation that publishes them: a subscriber whose buffer is full misses
// the event.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBroadcaster creates an event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned cancel function removes the subscription and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber that has buffer space.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default: // slow consumer, drop
		}
	}
}
