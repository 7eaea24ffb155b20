package events

import "sync"

// Bus is an in-memory fan-out publisher. Publish never blocks: a subscriber
// whose buffer is full misses the message, which is acceptable for the
// notification layer because receivers also poll.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Message]struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan Message]struct{})}
}

func (b *Bus) Publish(event Event) {
	msg := NewMessage(event)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe returns a message channel and an unsubscribe func that closes it.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 32)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subscribers, ch)
		close(ch)
		b.mu.Unlock()
	}
}
