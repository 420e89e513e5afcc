package api

import (
	"sync"

	"github.com/samcharles93/moondream/internal/job"
	"github.com/samcharles93/moondream/internal/logger"
)

// Broker fans job events out to stream subscribers. A subscriber that
// falls behind by more than its buffer loses events rather than stalling
// the generation.
type Broker struct {
	buffer int
	log    logger.Logger

	mu     sync.Mutex
	subs   map[int]chan job.Event
	nextID int
	closed bool
}

func NewBroker(buffer int, log logger.Logger) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Broker{buffer: buffer, log: log, subs: make(map[int]chan job.Event)}
}

// Subscribe registers a listener. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe() (<-chan job.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan job.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Emit implements job.Emitter.
func (b *Broker) Emit(e job.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Warn("dropping event for slow subscriber", "subscriber", id, "run_id", e.RunID)
		}
	}
}

// Subscribers returns the number of active listeners.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
