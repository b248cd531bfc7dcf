// Package pubsub implements the channel-registry half of the storage
// engine (spec component C3): a mapping from channel name to a
// broadcast topic that fans messages out to every current subscriber.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// Delivery is one item received on a subscription stream: either a
// published Payload, or — when the subscriber fell behind by more than
// the topic's buffer capacity — a Lagged count of skipped messages.
// The subscription remains usable after a Lagged delivery.
type Delivery struct {
	Payload []byte
	Lagged  int
}

// Subscription is a live receiver handle into one channel's topic.
type Subscription struct {
	Channel string
	C       <-chan Delivery

	unsubscribe func()
}

// Unsubscribe detaches the subscription from its topic and closes its
// delivery channel. Safe to call more than once.
func (s *Subscription) Unsubscribe() { s.unsubscribe() }

type subscriber struct {
	ch      chan Delivery
	dropped int64 // atomic; pending lag count awaiting a Lagged delivery
}

func (sub *subscriber) send(payload []byte) {
	// A pending lag notice takes the place of this payload, which is
	// counted among the skipped messages.
	if n := atomic.LoadInt64(&sub.dropped); n > 0 {
		select {
		case sub.ch <- Delivery{Lagged: int(n) + 1}:
			atomic.StoreInt64(&sub.dropped, 0)
		default:
			atomic.AddInt64(&sub.dropped, 1)
		}
		return
	}

	select {
	case sub.ch <- Delivery{Payload: payload}:
	default:
		atomic.AddInt64(&sub.dropped, 1)
	}
}

// Topic fans out published messages to every current subscriber. Each
// Topic owns its own synchronization, independent of any other
// channel's topic and independent of the key/value store's mutex —
// publishing never performs I/O and never blocks on a slow subscriber.
type Topic struct {
	mu       sync.RWMutex
	subs     map[int64]*subscriber
	nextID   int64
	capacity int
}

func newTopic(capacity int) *Topic {
	return &Topic{subs: make(map[int64]*subscriber), capacity: capacity}
}

// publish broadcasts payload to every current subscriber and returns
// the number of subscribers observed at the moment of the call — a
// subscriber added concurrently is not guaranteed to be counted or to
// receive the message.
func (t *Topic) publish(payload []byte) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, sub := range t.subs {
		sub.send(payload)
	}
	return len(t.subs)
}

func (t *Topic) subscribe() (id int64, ch chan Delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id = t.nextID
	t.nextID++
	ch = make(chan Delivery, t.capacity)
	t.subs[id] = &subscriber{ch: ch}
	return id, ch
}

func (t *Topic) unsubscribe(id int64) (empty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sub, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(sub.ch)
	}
	return len(t.subs) == 0
}

// Registry is the mapping from channel name to Topic. Topics are
// created lazily on first Subscribe (Publish never creates one — see
// Publish) and removed once their last subscriber leaves.
type Registry struct {
	mu       sync.Mutex
	topics   map[string]*Topic
	capacity int
}

// NewRegistry returns an empty Registry whose topics buffer up to
// capacity undelivered messages per subscriber before lagging.
func NewRegistry(capacity int) *Registry {
	return &Registry{topics: make(map[string]*Topic), capacity: capacity}
}

// Publish broadcasts message on channel and returns the number of
// current subscribers observed. If no topic exists for channel, it
// returns 0 and does not create one — publishing to an unsubscribed
// channel stays cheap and idempotent.
func (r *Registry) Publish(channel string, message []byte) int {
	r.mu.Lock()
	topic := r.topics[channel]
	r.mu.Unlock()

	if topic == nil {
		return 0
	}
	return topic.publish(message)
}

// Subscribe gets or creates the topic for channel and returns a fresh
// Subscription.
func (r *Registry) Subscribe(channel string) *Subscription {
	r.mu.Lock()
	topic := r.topics[channel]
	if topic == nil {
		topic = newTopic(r.capacity)
		r.topics[channel] = topic
	}
	r.mu.Unlock()

	id, ch := topic.subscribe()

	var once sync.Once
	return &Subscription{
		Channel: channel,
		C:       ch,
		unsubscribe: func() {
			once.Do(func() {
				if topic.unsubscribe(id) {
					r.mu.Lock()
					if r.topics[channel] == topic {
						delete(r.topics, channel)
					}
					r.mu.Unlock()
				}
			})
		},
	}
}
