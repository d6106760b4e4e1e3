package eventbus

import (
	"sync"
	"sync/atomic"
)

// Bus is a typed fan-out publisher. Publish never blocks: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	next    uint64
	dropped atomic.Uint64
	closed  bool
}

func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]chan T)}
}

// Subscribe registers a buffered receiver. The returned cancel func removes
// the subscription and closes the channel; it is safe to call more than once.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 1
	}

	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
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

func (b *Bus[T]) Publish(event T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
