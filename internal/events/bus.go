// Package events implements the in-process event bus: per-subscriber bounded
// delivery with oldest-drop overflow, plus the coalesced current-value
// snapshot (Store) that the REST reads serve. Socket subscribers are not
// sent the snapshot on attach; they receive only events published after
// they subscribe.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the category of an Event.
type Kind string

const (
	KindStatus       Kind = "status"
	KindThought      Kind = "thought"
	KindAction       Kind = "action"
	KindFrame        Kind = "frame"
	KindVoiceState   Kind = "voice_state"
	KindVoicePartial Kind = "voice_partial"
	KindVoiceLevel   Kind = "voice_level"
	KindChatMessage  Kind = "chat_message"
)

// Event is one item on the bus: a kind, a timestamp, and an opaque payload
// whose shape is determined by Kind.
type Event struct {
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// defaultBuffer is the per-subscriber ring buffer capacity used when a
// subscriber does not request a specific size.
const defaultBuffer = 256

// Bus is a non-blocking, multi-subscriber event bus. Unlike a bag of
// callback functions, each subscriber owns a bounded ring buffer: Publish
// never blocks on a slow reader, and a reader that falls behind loses its
// oldest unread events rather than stalling the publisher.
type Bus struct {
	// OnDrop, when set, is called once per event a full subscriber ring
	// discards, with the subscriber's ID. Used to feed the lost-event
	// counter; must not block.
	OnDrop func(subscriberID string)

	mu   sync.Mutex
	subs map[string]*subscriber
}

type subscriber struct {
	id     string
	mu     sync.Mutex
	ring   []Event
	cap    int
	wake   chan struct{}
	closed bool
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscription is the caller's handle on a live subscription.
type Subscription struct {
	ID  string
	bus *Bus
	sub *subscriber
}

// Subscribe registers a new subscriber with the given ring buffer capacity
// (defaultBuffer if bufSize <= 0) and returns a handle used to drain events
// and to Unsubscribe.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	s := &subscriber{
		id:   uuid.NewString(),
		cap:  bufSize,
		wake: make(chan struct{}, 1),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	return &Subscription{ID: s.id, bus: b, sub: s}
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.ID)
	s.bus.mu.Unlock()

	s.sub.mu.Lock()
	s.sub.closed = true
	s.sub.mu.Unlock()
}

// Drain returns all events currently buffered for this subscriber, oldest
// first, and empties the buffer.
func (s *Subscription) Drain() []Event {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	if len(s.sub.ring) == 0 {
		return nil
	}
	out := s.sub.ring
	s.sub.ring = nil
	return out
}

// Wait blocks until either an event arrives for this subscriber or done is
// closed. It returns true if woken by an event.
func (s *Subscription) Wait(done <-chan struct{}) bool {
	select {
	case <-s.sub.wake:
		return true
	case <-done:
		return false
	}
}

// WakeChan exposes the subscriber's wake signal for callers that need to
// select on it alongside other channels (e.g. a keepalive ticker).
func (s *Subscription) WakeChan() <-chan struct{} {
	return s.sub.wake
}

// Publish delivers e to every current subscriber. Full ring buffers drop
// their oldest entry to make room; the publisher is never blocked.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if s.push(e) && b.OnDrop != nil {
			b.OnDrop(s.id)
		}
	}
}

// push appends e, reporting whether the oldest buffered event was dropped
// to make room.
func (s *subscriber) push(e Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if len(s.ring) >= s.cap {
		s.ring = s.ring[1:]
		dropped = true
	}
	s.ring = append(s.ring, e)
	s.mu.Unlock()

	if dropped {
		log.Printf("[eventbus] subscriber %s overflowed, oldest event dropped", s.id)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return dropped
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
