// Package room implements the anonymous broadcast-bucket fabric: a
// process-wide registry mapping room id to Room, and a Room as a
// bounded, lag-tolerant multi-producer/multi-consumer broadcast plus an
// occupancy counter. Grounded on the teacher's internal/room.Registry
// (map-keyed rooms under a single mutex, drop-on-full broadcast sends)
// generalized from the teacher's named host/client rooms to spec.md's
// anonymous, capacity-scanned room-assignment protocol.
package room

import (
	"sync"
	"sync/atomic"

	"github.com/moli-green/signal/internal/connid"
	"github.com/moli-green/signal/internal/metrics"
)

// Capacity is ROOM_CAPACITY from spec.md §6: the maximum number of live
// subscribers a single room may hold.
const Capacity = 100

// subscriberBuffer is the per-subscriber ring buffer size backing the
// room's broadcast channel (spec.md §4.4/§9): bounded, lag-tolerant —
// a subscriber that falls Capacity messages behind loses messages
// rather than stalling the room.
const subscriberBuffer = Capacity

// Message is a BroadcastMessage: immutable once published, shared by
// reference among every subscriber of one room.
type Message struct {
	Sender  connid.ID
	Payload []byte
}

// Subscription is a live listener on a Room's broadcast. Subscriptions
// created after a publish never see messages published before they
// existed.
type Subscription struct {
	ch   chan *Message
	room *Room
}

// C returns the channel to receive broadcast messages from.
func (s *Subscription) C() <-chan *Message { return s.ch }

// Close removes the subscription from its room. Safe to call more than
// once.
func (s *Subscription) Close() {
	s.room.removeSubscriber(s)
}

// Room is an anonymous broadcast bucket. Occupancy is an atomic
// counter — advisory, since the registry lock held during Assign is
// what actually serializes "at most Capacity members" (spec.md §9).
type Room struct {
	ID        connid.ID
	occupancy atomic.Int32

	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
}

func newRoom(id connid.ID) *Room {
	return &Room{
		ID:          id,
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Occupancy returns the current occupancy count.
func (r *Room) Occupancy() int32 { return r.occupancy.Load() }

// DecrementOccupancy decrements the occupancy counter and returns the
// new value. Called exactly once per session during cleanup.
func (r *Room) DecrementOccupancy() int32 { return r.occupancy.Add(-1) }

func (r *Room) subscribe() *Subscription {
	sub := &Subscription{ch: make(chan *Message, subscriberBuffer), room: r}
	r.mu.Lock()
	r.subscribers[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

func (r *Room) removeSubscriber(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[sub]; !ok {
		return
	}
	delete(r.subscribers, sub)
	close(sub.ch)
}

// Publish fans msg out to every live subscriber with a non-blocking
// send; a subscriber whose buffer is full drops the message rather than
// stalling the publisher (spec.md §4.4). Publishing to a room with zero
// subscribers succeeds silently.
func (r *Room) Publish(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subscribers {
		select {
		case sub.ch <- msg:
		default:
			// Lagging subscriber: drop, not an error.
		}
	}
}

// SubscriberCount reports the number of live subscriptions. Exposed for
// metrics and tests; not used for admission decisions (Occupancy is).
func (r *Room) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Registry is the process-wide mapping from RoomId to Room.
type Registry struct {
	mu    sync.Mutex
	rooms map[connid.ID]*Room
	// order preserves insertion order so Assign's scan is deterministic
	// within one snapshot, per spec.md §4.3.
	order []connid.ID
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[connid.ID]*Room)}
}

// Assign finds the first room (in insertion order) with occupancy below
// Capacity and joins it, or creates a fresh room when none has room.
// The occupancy increment happens while still holding the registry
// lock, so two concurrent assigns can never jointly push occupancy past
// Capacity.
func (reg *Registry) Assign() (*Room, *Subscription) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, id := range reg.order {
		rm := reg.rooms[id]
		if rm != nil && rm.occupancy.Load() < Capacity {
			rm.occupancy.Add(1)
			return rm, rm.subscribe()
		}
	}

	rm := newRoom(connid.New())
	rm.occupancy.Store(1)
	reg.rooms[rm.ID] = rm
	reg.order = append(reg.order, rm.ID)
	metrics.RoomsCreatedTotal.Inc()
	metrics.RoomsActive.Inc()
	return rm, rm.subscribe()
}

// Prune removes the room with the given id if it exists and its
// occupancy is observed as zero. Idempotent: a no-op if the room is
// gone or still occupied.
func (reg *Registry) Prune(id connid.ID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[id]
	if !ok || rm.occupancy.Load() != 0 {
		return
	}

	delete(reg.rooms, id)
	for i, rid := range reg.order {
		if rid == id {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
	metrics.RoomsDestroyedTotal.Inc()
	metrics.RoomsActive.Dec()
}

// Get returns the room with the given id, or nil.
func (reg *Registry) Get(id connid.ID) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[id]
}

// RoomCount returns the number of active rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
