// Package bus carries the in-process events this service exposes to the
// rest of the platform: one ThreadAttached per successfully attached
// message, and one SweepCompleted per sweep cycle. The search indexer
// and the operator console hang off these.
package bus

import (
	"sync"
	"time"

	"github.com/tidewater/loom/internal/models"
	"github.com/tidewater/loom/internal/resolve"
)

// ThreadAttached fires exactly once per attached message. It carries the
// resolution method and confidence for audit and reindexing.
type ThreadAttached struct {
	Message    models.Message
	Thread     models.Thread
	Resolution resolve.Resolution
}

// SweepCompleted fires at the end of each per-subscription sweep cycle.
type SweepCompleted struct {
	Subscription models.Subscription
	Checkpoint   time.Time
	Ingested     int
}

// A broadcasting bus with persistent subscribers. Emitting never blocks,
// a subscriber that cannot keep up loses messages rather than stalling
// the pipeline.
type Broadcast[T any] struct {
	lock        sync.Mutex
	subscribers map[int]chan T
	next        int
}

func NewBroadcast[T any]() *Broadcast[T] {
	return &Broadcast[T]{
		subscribers: make(map[int]chan T),
	}
}

// Subscribe registers a listener and returns its channel along with a
// cancel function. The channel is closed on cancel.
func (b *Broadcast[T]) Subscribe(buffer int) (<-chan T, func()) {
	b.lock.Lock()
	defer b.lock.Unlock()

	id := b.next
	b.next++

	channel := make(chan T, buffer)
	b.subscribers[id] = channel

	return channel, func() {
		b.lock.Lock()
		defer b.lock.Unlock()

		if channel, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(channel)
		}
	}
}

// Emit delivers the message to every subscriber that has room.
func (b *Broadcast[T]) Emit(message T) {
	b.lock.Lock()
	defer b.lock.Unlock()

	for _, channel := range b.subscribers {
		select {
		case channel <- message:
		default:
		}
	}
}

// Bus groups the event streams this service publishes.
type Bus struct {
	ThreadAttached *Broadcast[ThreadAttached]
	SweepCompleted *Broadcast[SweepCompleted]
}

func New() *Bus {
	return &Bus{
		ThreadAttached: NewBroadcast[ThreadAttached](),
		SweepCompleted: NewBroadcast[SweepCompleted](),
	}
}
