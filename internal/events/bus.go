package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"transcription-engine/internal/logging"
)

// Topic names one stream of events on the bus.
type Topic string

// Event is a sequenced payload delivered to subscribers.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Topic     Topic     `json:"topic"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler receives one event on the publishing goroutine.
type Handler func(Event)

// Handle identifies a subscription for Unsubscribe.
type Handle uint64

type subscription struct {
	id      Handle
	topic   Topic
	all     bool
	handler Handler
}

// Bus is a synchronous topic-keyed dispatcher with a bounded history buffer.
// Handlers run in registration order; a panicking handler is logged and
// skipped. Marshaling onto a UI thread is the subscriber's job.
type Bus struct {
	log logrus.FieldLogger

	mu        sync.RWMutex
	nextID    Handle
	subs      []subscription
	nextSeq   int64
	maxEvents int
	events    []Event
}

// NewBus creates a bus that keeps the last maxEvents events for diagnostics.
func NewBus(maxEvents int, logger logrus.FieldLogger) *Bus {
	if maxEvents <= 0 {
		maxEvents = 100
	}
	return &Bus{
		log:       logging.Component(logger, "events"),
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Subscribe registers handler for one topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) Handle {
	return b.add(subscription{topic: topic, handler: handler})
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(handler Handler) Handle {
	return b.add(subscription{all: true, handler: handler})
}

func (b *Bus) add(sub subscription) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	return sub.id
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *Bus) Unsubscribe(handle Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == handle {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish records the event and delivers it to matching subscribers before
// returning.
func (b *Bus) Publish(topic Topic, payload any) Event {
	b.mu.Lock()
	b.nextSeq++
	event := Event{
		Seq:       b.nextSeq,
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
	}
	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}
	targets := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.all || sub.topic == topic {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(sub, event)
	}
	return event
}

func (b *Bus) deliver(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"topic":        event.Topic,
				"subscription": sub.id,
			}).Error(fmt.Sprintf("event handler panicked: %v", r))
		}
	}()
	sub.handler(event)
}

// Since returns buffered events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}
