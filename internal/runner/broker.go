package runner

import (
	"sync"

	"github.com/CopilotKit/agentrunner/internal/model"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// whose buffer fills is closed rather than skipped: dropping individual
// events would break the guarantee that every connected consumer observes
// the same sequence.
const subscriberBuffer = 256

// broker fans one run's live events out to any number of subscribers.
// The run coordinator owns it for the duration of the run and closes it
// when the run reaches a terminal event.
type broker struct {
	mu     sync.Mutex
	subs   map[chan model.Event]struct{}
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[chan model.Event]struct{})}
}

// subscribe registers a new consumer. Subscribing to a broker whose run
// already ended yields an immediately-closed channel.
func (b *broker) subscribe() chan model.Event {
	ch := make(chan model.Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// unsubscribe removes and closes a consumer channel. Safe to call after
// the broker closed or the consumer was dropped as a laggard.
func (b *broker) unsubscribe(ch chan model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// publish delivers an event to every subscriber without blocking the run.
// Subscribers too slow to keep a buffer slot free are disconnected.
func (b *broker) publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// close disconnects all subscribers. Idempotent.
func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
