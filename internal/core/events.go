package core

import (
	"sync"

	"github.com/dkeye/confcast/internal/domain"
)

type EventType string

const (
	EventParticipantJoined EventType = "participant-joined"
	EventParticipantLeft   EventType = "participant-left"
	EventProducerAdded     EventType = "producer-added"
	EventProducerClosed    EventType = "producer-closed"
)

// Event is a Media Graph change. Profile is set for join and leave.
// Seq orders the events of one room.
type Event struct {
	Seq         uint64
	Type        EventType
	Room        domain.RoomID
	Participant domain.ParticipantID
	Profile     domain.Participant
	Producer    domain.ProducerID
	Kind        domain.MediaKind
}

// Bus delivers room events to subscribers in the order they were enqueued.
// One publisher at a time drains the queue, so handlers may run on another
// publisher's goroutine. Handlers must not block.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)

	qmu        sync.Mutex
	seq        uint64
	pending    []Event
	delivering bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Enqueue stamps events with the next sequence numbers. Callers hold the
// lock that serializes the changes the events describe.
func (b *Bus) Enqueue(events ...Event) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	for _, ev := range events {
		b.seq++
		ev.Seq = b.seq
		b.pending = append(b.pending, ev)
	}
}

// Flush delivers queued events. A Flush that finds another one draining,
// including a handler publishing from inside delivery, returns at once and
// leaves its events to the drainer.
func (b *Bus) Flush() {
	b.qmu.Lock()
	if b.delivering {
		b.qmu.Unlock()
		return
	}
	b.delivering = true
	for len(b.pending) > 0 {
		batch := b.pending
		b.pending = nil
		b.qmu.Unlock()
		b.deliver(batch)
		b.qmu.Lock()
	}
	b.delivering = false
	b.qmu.Unlock()
}

func (b *Bus) Publish(events ...Event) {
	b.Enqueue(events...)
	b.Flush()
}

func (b *Bus) deliver(events []Event) {
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
