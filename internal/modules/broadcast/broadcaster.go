// Package broadcast fans events out to stream subscribers by topic.
package broadcast

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/events"
)

// DefaultQueueSize is the per-subscriber buffer when none is configured
const DefaultQueueSize = 256

// Envelope is one message delivered to a subscriber. Seq increases by one
// for every event published on the topic.
type Envelope struct {
	Topic     string           `json:"topic"`
	Seq       uint64           `json:"seq"`
	Type      events.EventType `json:"type"`
	Resync    bool             `json:"resync,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Data      events.EventData `json:"data"`
}

// Subscription is one subscriber's view of a topic. The channel is closed
// on Unsubscribe, on backpressure and on Close.
type Subscription struct {
	ID    string
	Topic string

	ch     chan Envelope
	closed bool // guarded by the topic mutex
}

// Events returns the subscriber's delivery channel
func (s *Subscription) Events() <-chan Envelope {
	return s.ch
}

// BaselineProvider supplies the current state of a topic. It must call fn
// exactly once while holding whatever lock serializes publishes on the
// topic, passing nil when the topic has no state yet.
type BaselineProvider interface {
	WithBaseline(topic string, fn func(events.EventData)) error
}

type topic struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string]*Subscription
}

// Stats is a point-in-time view of broadcaster activity
type Stats struct {
	Topics        int            `json:"topics"`
	Subscribers   int            `json:"subscribers"`
	Published     int64          `json:"published"`
	Backpressured int64          `json:"backpressured"`
	PerTopic      map[string]int `json:"per_topic"`
}

// Broadcaster delivers published events to topic subscribers without ever
// blocking the publisher.
type Broadcaster struct {
	mu       sync.RWMutex
	topics   map[string]*topic
	baseline BaselineProvider

	queueSize     int
	published     atomic.Int64
	backpressured atomic.Int64
	now           func() time.Time
	log           zerolog.Logger
}

// New creates a broadcaster with the given per-subscriber queue size
func New(queueSize int, log zerolog.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		topics:    make(map[string]*topic),
		queueSize: queueSize,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With().Str("component", "event_broadcaster").Logger(),
	}
}

// SetBaseline installs the resync provider. Call before the first Subscribe.
func (b *Broadcaster) SetBaseline(p BaselineProvider) {
	b.baseline = p
}

// SetClock replaces the time source
func (b *Broadcaster) SetClock(now func() time.Time) {
	b.now = now
}

func canonical(name string) (string, error) {
	kind, key, err := events.ParseTopic(name)
	if err != nil {
		return "", err
	}
	if kind == events.TopicSymbol {
		return events.SymbolTopic(key), nil
	}
	return events.AccountTopic(key), nil
}

func (b *Broadcaster) topic(name string) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topic{subs: make(map[string]*Subscription)}
	b.topics[name] = t
	return t
}

// Subscribe registers a subscriber. When the topic has state, the first
// envelope is a resync carrying it at the topic's current sequence number.
func (b *Broadcaster) Subscribe(name string) (*Subscription, error) {
	name, err := canonical(name)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: name,
		ch:    make(chan Envelope, b.queueSize+1),
	}
	t := b.topic(name)

	register := func(data events.EventData) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.subs[sub.ID] = sub
		if data != nil {
			sub.ch <- Envelope{
				Topic:     name,
				Seq:       t.seq,
				Type:      data.EventType(),
				Resync:    true,
				Timestamp: b.now(),
				Data:      data,
			}
		}
	}

	if b.baseline == nil {
		register(nil)
	} else if err := b.baseline.WithBaseline(name, register); err != nil {
		return nil, err
	}

	b.log.Debug().Str("topic", name).Str("subscription_id", sub.ID).Msg("Subscriber added")
	return sub, nil
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.RLock()
	t, ok := b.topics[sub.Topic]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if sub.closed {
		return
	}
	delete(t.subs, sub.ID)
	sub.closed = true
	close(sub.ch)
	b.log.Debug().Str("topic", sub.Topic).Str("subscription_id", sub.ID).Msg("Subscriber removed")
}

// Publish assigns the next sequence number and enqueues the event for every
// subscriber. A subscriber whose queue is full receives a final Disconnected
// envelope and is removed.
func (b *Broadcaster) Publish(name string, data events.EventData) {
	if data == nil {
		return
	}
	t := b.topic(name)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	b.published.Add(1)
	env := Envelope{Topic: name, Seq: t.seq, Type: data.EventType(), Timestamp: b.now(), Data: data}

	for id, sub := range t.subs {
		// the last slot is reserved for the disconnect notice
		if len(sub.ch) < b.queueSize {
			sub.ch <- env
			continue
		}
		sub.ch <- Envelope{
			Topic:     name,
			Seq:       t.seq,
			Type:      events.Disconnected,
			Timestamp: env.Timestamp,
			Data:      &events.DisconnectedData{Reason: events.DisconnectBackpressure},
		}
		close(sub.ch)
		sub.closed = true
		delete(t.subs, id)
		b.backpressured.Add(1)
		b.log.Warn().Str("topic", name).Str("subscription_id", id).Uint64("seq", t.seq).Msg("Subscriber queue full, disconnected")
	}
}

// Close disconnects every subscriber with reason shutdown
func (b *Broadcaster) Close() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, t := range b.topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			select {
			case sub.ch <- Envelope{
				Topic:     name,
				Seq:       t.seq,
				Type:      events.Disconnected,
				Timestamp: b.now(),
				Data:      &events.DisconnectedData{Reason: events.DisconnectShutdown},
			}:
			default:
			}
			close(sub.ch)
			sub.closed = true
			delete(t.subs, id)
		}
		t.mu.Unlock()
	}
}

// Seq returns the last sequence number published on the topic
func (b *Broadcaster) Seq(name string) uint64 {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Stats returns subscriber counts per topic
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)

	st := Stats{
		Topics:        len(names),
		Published:     b.published.Load(),
		Backpressured: b.backpressured.Load(),
		PerTopic:      make(map[string]int),
	}
	for _, name := range names {
		t := b.topic(name)
		t.mu.Lock()
		n := len(t.subs)
		t.mu.Unlock()
		if n > 0 {
			st.PerTopic[name] = n
			st.Subscribers += n
		}
	}
	return st
}
