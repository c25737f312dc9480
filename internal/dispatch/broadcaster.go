package dispatch

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultQueueSize bounds each subscriber's backlog. A full queue means the
// subscriber is not keeping up and gets dropped rather than stalling the rest.
const defaultQueueSize = 64

// Filter selects which events a subscription receives. A nil filter receives
// everything.
type Filter func(EventRecord) bool

// Subscription is one registered event consumer. Events closes when the
// subscriber is unsubscribed or evicted for falling behind.
type Subscription struct {
	ID     string
	ch     chan EventRecord
	filter Filter
}

func (s *Subscription) Events() <-chan EventRecord {
	return s.ch
}

// Broadcaster fans events out to subscriptions. Publish order is delivery
// order for every subscriber; slowness is isolated per subscription.
type Broadcaster struct {
	queueSize int

	mu   sync.Mutex
	subs map[string]*Subscription
	seq  uint64
}

func NewBroadcaster(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Broadcaster{
		queueSize: queueSize,
		subs:      make(map[string]*Subscription),
	}
}

// Subscribe registers a consumer. The returned subscription must eventually
// be unsubscribed, or drained until its channel closes.
func (b *Broadcaster) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		ch:     make(chan EventRecord, b.queueSize),
		filter: filter,
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Unknown ids are
// a no-op, so eviction and explicit unsubscribe can race safely.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish assigns the next sequence number and delivers to every matching
// subscription. Delivery never blocks: a subscriber whose queue is full is
// evicted on the spot.
func (b *Broadcaster) Publish(source, name string, payload json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := EventRecord{
		Source:  source,
		Name:    name,
		Payload: payload,
		Seq:     b.seq,
		Time:    time.Now(),
	}

	for id, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Printf("dispatch: dropping slow subscriber %s at seq %d", id, ev.Seq)
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}
