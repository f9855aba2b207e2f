package engine

import (
	"encoding/json"
	"sync"
)

// subscriberBufferSize is the channel buffer for each message subscriber.
// Messages are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans the custom messages of each journaled call out to
// subscribers. It is safe for concurrent use.
//
// Closed topics are retained as markers so that subscribers arriving after
// a call finished receive a closed channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan json.RawMessage
	nextID int
	closed bool
}

// NewBroker creates a new message broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives the messages of the given call
// and an unsubscribe function. If the call has already finished, the
// returned channel is closed.
func (b *Broker) Subscribe(callID string) (<-chan json.RawMessage, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[callID]
	if !ok {
		t = &topic{subs: make(map[int]chan json.RawMessage)}
		b.topics[callID] = t
	}

	ch := make(chan json.RawMessage, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends payload to all subscribers of the given call.
// Messages are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(callID string, payload json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[callID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- payload:
		default:
			messagesDroppedTotal.Inc()
		}
	}
}

// Close signals that the call has finished. All subscriber channels are
// closed and future Subscribe calls return a closed channel.
func (b *Broker) Close(callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[callID]
	if !ok {
		b.topics[callID] = &topic{subs: make(map[int]chan json.RawMessage), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
