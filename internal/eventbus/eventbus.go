// Package eventbus is an in-process publish/subscribe bus delivering
// slot-availability and booking-status updates to long-lived subscribers.
// Delivery is best-effort and at-most-once: a slow or absent subscriber
// has its stream closed rather than blocking the publisher, since durable
// truth lives in storage and is always refetchable.
package eventbus

import (
	"sync"
)

// Topic names the two event channels the core publishes.
type Topic string

const (
	TopicSlotUpdated    Topic = "SLOT_UPDATED"
	TopicBookingUpdated Topic = "BOOKING_UPDATED"
)

// SlotUpdate is the SLOT_UPDATED payload.
type SlotUpdate struct {
	SlotID            string
	VenueID           string
	Status            string
	RemainingCapacity int
}

// BookingUpdate is the BOOKING_UPDATED payload.
type BookingUpdate struct {
	BookingID        string
	Status           string
	ConfirmationCode string
	UserID           string
}

// Event wraps whichever payload matches Topic.
type Event struct {
	Topic         Topic
	SlotUpdate    *SlotUpdate
	BookingUpdate *BookingUpdate
}

// Filter reports whether an event should be delivered to a given
// subscriber. SlotUpdate filters by venueId, BookingUpdate by userId.
type Filter func(Event) bool

// ByVenue returns a Filter matching SlotUpdate events for venueID.
func ByVenue(venueID string) Filter {
	return func(e Event) bool {
		return e.SlotUpdate != nil && e.SlotUpdate.VenueID == venueID
	}
}

// ByUser returns a Filter matching BookingUpdate events for userID.
func ByUser(userID string) Filter {
	return func(e Event) bool {
		return e.BookingUpdate != nil && e.BookingUpdate.UserID == userID
	}
}

// defaultBufferSize is the per-subscriber bounded buffer.
const defaultBufferSize = 64

// Subscription is the cancellation-aware stream returned by Subscribe.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Cancel stops delivery and releases the subscriber's buffer.
func (s *Subscription) Cancel() { s.cancel() }

type subscriber struct {
	topic  Topic
	filter Filter
	ch     chan Event
	closed bool
}

// Bus fans published events out to every matching subscriber of their
// topic.
type Bus struct {
	mu   sync.Mutex
	subs map[Topic][]*subscriber
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]*subscriber)}
}

// Subscribe registers a filtered listener on topic. The returned stream is
// closed when the subscriber cancels or when its buffer overflows.
func (b *Bus) Subscribe(topic Topic, filter Filter) *Subscription {
	sub := &subscriber{
		topic:  topic,
		filter: filter,
		ch:     make(chan Event, defaultBufferSize),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(sub)
	}

	return &Subscription{Events: sub.ch, cancel: cancel}
}

func (b *Bus) removeLocked(target *subscriber) {
	list := b.subs[target.topic]
	for i, s := range list {
		if s == target {
			b.subs[target.topic] = append(list[:i], list[i+1:]...)
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
			return
		}
	}
}

// Publish delivers event to every matching subscriber of its topic,
// non-blocking: a subscriber whose buffer is full is dropped and its
// stream closed rather than stalling the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[event.Topic] {
		if sub.closed {
			continue
		}
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.closed = true
			close(sub.ch)
		}
	}
	b.pruneClosedLocked(event.Topic)
}

func (b *Bus) pruneClosedLocked(topic Topic) {
	list := b.subs[topic]
	kept := list[:0]
	for _, s := range list {
		if !s.closed {
			kept = append(kept, s)
		}
	}
	b.subs[topic] = kept
}
