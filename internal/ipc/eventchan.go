package ipc

import (
	"sync"
	"sync/atomic"

	"anyos/internal/errs"
)

// DefaultSubscriberRingSize bounds each subscriber's ring; emits beyond
// this drop the oldest event for a slow reader. The loss is deliberate and
// documented: a stuck subscriber must not stall publishers.
const DefaultSubscriberRingSize = 256

// Event is one broadcast payload. Seq is the topic-unique monotonic
// sequence assigned by the channel, used to preserve per-publisher FIFO
// order even when a subscriber's ring has dropped earlier entries.
type Event struct {
	Seq     uint64
	Payload []byte
}

// subscriber is a bounded ring fed by Emit; oldest entries are dropped on
// overflow rather than blocking the publisher.
type subscriber struct {
	id uint64

	mu   sync.Mutex
	ring []Event
	size int
}

func newSubscriber(id uint64, size int) *subscriber {
	if size <= 0 {
		size = DefaultSubscriberRingSize
	}
	return &subscriber{id: id, size: size}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = append(s.ring, ev)
	if len(s.ring) > s.size {
		s.ring = s.ring[len(s.ring)-s.size:] // drop oldest
	}
}

func (s *subscriber) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) == 0 {
		return Event{}, false
	}
	ev := s.ring[0]
	s.ring = s.ring[1:]
	return ev, true
}

// Channel is a named broadcast topic: `sys:cpu_load`,
// `compositor:events`, etc. Subscribers each hold a bounded ring; emits from
// a single publisher reach every subscriber in order, but arrival order
// across distinct publishers is only per-subscriber arrival-consistent, not
// globally ordered.
type Channel struct {
	Name string

	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	seq         atomic.Uint64
}

func newChannel(name string) *Channel {
	return &Channel{Name: name, subscribers: make(map[uint64]*subscriber)}
}

// Subscribe registers a new subscriber under the caller-supplied id (see
// EventChanRegistry.NewSubscriberID).
func (c *Channel) Subscribe(id uint64, ringSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[id] = newSubscriber(id, ringSize)
}

// Unsubscribe removes a subscriber.
func (c *Channel) Unsubscribe(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, id)
}

// Emit fans payload out to every current subscriber under the same
// publisher sequence number, preserving per-publisher FIFO order.
func (c *Channel) Emit(payload []byte) {
	seq := c.seq.Add(1)
	ev := Event{Seq: seq, Payload: payload}
	c.mu.Lock()
	subs := make([]*subscriber, 0, len(c.subscribers))
	for _, s := range c.subscribers {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.push(ev)
	}
}

// Poll returns the next event for subscriber id, if any.
func (c *Channel) Poll(id uint64) (Event, bool) {
	c.mu.Lock()
	s, ok := c.subscribers[id]
	c.mu.Unlock()
	if !ok {
		return Event{}, false
	}
	return s.pop()
}

// EventChanRegistry is the global named-topic table.
type EventChanRegistry struct {
	mu         sync.Mutex
	byName     map[string]*Channel
	nextSubID  atomic.Uint64
}

// NewEventChanRegistry constructs an empty registry.
func NewEventChanRegistry() *EventChanRegistry {
	return &EventChanRegistry{byName: make(map[string]*Channel)}
}

// Open returns the named channel, creating it on first use — topics are
// process-wide and implicitly declared by whoever subscribes or emits
// first — topics are process-wide broadcast state.
func (r *EventChanRegistry) Open(name string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byName[name]
	if !ok {
		c = newChannel(name)
		r.byName[name] = c
	}
	return c
}

// NewSubscriberID mints a fresh subscriber id, unique across all channels.
func (r *EventChanRegistry) NewSubscriberID() uint64 {
	return r.nextSubID.Add(1)
}

// ReleaseSubscriptions unsubscribes subID from every channel — called on
// process exit.
func (r *EventChanRegistry) ReleaseSubscriptions(subID uint64) {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.byName))
	for _, c := range r.byName {
		channels = append(channels, c)
	}
	r.mu.Unlock()
	for _, c := range channels {
		c.Unsubscribe(subID)
	}
}

// ErrNoSuchChannel is the error value for an unopened topic name. No
// registry method returns it: Open creates a topic on first use.
var ErrNoSuchChannel = errs.New(errs.NotFound, "eventchan: no such channel")
