package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the fulfillment side of the service.
const (
	PostClaimed  = "post.claimed"
	PostReady    = "post.ready"
	PostPosted   = "post.posted"
	PostFailed   = "post.failed"
	PostUnbilled = "post.unbilled"

	TaskFinished = "task.finished"
)

// Event is an in-memory signal. Publish never blocks; a subscriber whose
// buffer is full misses events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// PostEvent is the payload for post.* events.
type PostEvent struct {
	PostID string
	UserID string
	Status string
	Error  string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock, so Subscribe's unsubscribe (which
	// takes the write lock before closing) can never race a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
