// Package bus implements the runtime event bus: a fixed-capacity broadcast
// of JSON envelopes with an auxiliary replay ring, in the shape of
// registry.StreamManager's per-topic stream map generalized from a single
// Pulse-backed topic to a process-wide, non-blocking broadcast with a
// bounded history.
package bus

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Envelope is the wire shape of every event published on the bus.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Publisher string          `json:"publisher"`
	Time      time.Time       `json:"time"`
	Payload   json.RawMessage `json:"payload"`
	Policy    json.RawMessage `json:"policy,omitempty"`
	CE        json.RawMessage `json:"ce,omitempty"`
}

// LostEvents is delivered to a subscriber in place of an Envelope when its
// channel filled up and the bus had to drop events to keep publishers from
// blocking. The subscriber should call Replay to reconcile.
type LostEvents struct {
	Count int
}

// Delivery is either an Envelope or a LostEvents hint, never both.
type Delivery struct {
	Envelope *Envelope
	Lost     *LostEvents
}

const defaultSubscriberCapacity = 256

// Bus is a fixed-capacity broadcast of Envelopes with a bounded replay ring.
// Publish never blocks: a subscriber whose channel is full has its pending
// delivery replaced by a LostEvents hint rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subs        map[uint64]*subscriber
	nextSubID   uint64
	seq         uint64
	ring        []*Envelope
	ringCap     int
	subCapacity int
}

type subscriber struct {
	ch   chan Delivery
	lost int32
}

// New constructs a Bus with the given replay ring capacity: an auxiliary
// ring of the most recent N envelopes for reconnect replay.
func New(ringCapacity int) *Bus {
	if ringCapacity <= 0 {
		ringCapacity = 1024
	}
	return &Bus{
		subs:        make(map[uint64]*subscriber),
		ring:        make([]*Envelope, 0, ringCapacity),
		ringCap:     ringCapacity,
		subCapacity: defaultSubscriberCapacity,
	}
}

// Publish broadcasts env to every current subscriber and appends it to the
// replay ring. Publish order is preserved per call site by the caller
// serializing its own Publish calls; the bus itself never reorders within
// a single call.
func (b *Bus) Publish(env Envelope) {
	b.mu.Lock()
	b.seq++
	if env.ID == "" {
		env.ID = strconv.FormatUint(b.seq, 16)
	}
	stored := env
	b.appendRing(&stored)
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(&stored)
	}
}

func (b *Bus) appendRing(env *Envelope) {
	if len(b.ring) >= b.ringCap {
		copy(b.ring, b.ring[1:])
		b.ring = b.ring[:len(b.ring)-1]
	}
	b.ring = append(b.ring, env)
}

// deliver attempts a non-blocking send. If the channel is full it marks a
// lost event and drains nothing; the next successful receive will surface
// the accumulated loss count via Lost.
func (s *subscriber) deliver(env *Envelope) {
	select {
	case s.ch <- Delivery{Envelope: env}:
	default:
		atomic.AddInt32(&s.lost, 1)
	}
}

// Subscription is a handle returned by Subscribe. Receive the next
// Delivery from C; call Unsubscribe when done.
type Subscription struct {
	id   uint64
	bus  *Bus
	sub  *subscriber
	C    <-chan Delivery
}

// Subscribe returns a Subscription whose first delivery is the next
// envelope published after this call; callers that need history must call
// Replay explicitly.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	sub := &subscriber{ch: make(chan Delivery, b.subCapacity)}
	b.subs[id] = sub
	return &Subscription{id: id, bus: b, sub: sub, C: sub.ch}
}

// Next blocks until a Delivery is available, translating any accumulated
// loss count into a LostEvents hint ahead of the next real envelope. This
// A subscriber that lags is informed on its next receive that it lost K
// events, rather than silently skipping them.
func (s *Subscription) Next() Delivery {
	if lost := atomic.SwapInt32(&s.sub.lost, 0); lost > 0 {
		return Delivery{Lost: &LostEvents{Count: int(lost)}}
	}
	d := <-s.sub.C
	if lost := atomic.SwapInt32(&s.sub.lost, 0); lost > 0 && d.Envelope != nil {
		// A loss was recorded concurrently with this delivery; surface the
		// hint now, alongside the envelope, instead of dropping it.
		return Delivery{Envelope: d.Envelope, Lost: &LostEvents{Count: int(lost)}}
	}
	return d
}

// Unsubscribe removes the subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
}

// Replay returns the latest min(depth, ring length) envelopes, newest-last.
func (b *Bus) Replay(depth int) []*Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if depth <= 0 || depth > len(b.ring) {
		depth = len(b.ring)
	}
	out := make([]*Envelope, depth)
	copy(out, b.ring[len(b.ring)-depth:])
	return out
}

// ReplaySince returns envelopes in the ring with ID strictly after
// lastEventID, newest-last, for SSE Last-Event-ID reconnect handling. ok is
// false if lastEventID is no longer present in the ring (the client must
// fall back to a full snapshot).
func (b *Bus) ReplaySince(lastEventID string) (envs []*Envelope, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx := -1
	for i, e := range b.ring {
		if e.ID == lastEventID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, false
	}
	rest := b.ring[idx+1:]
	out := make([]*Envelope, len(rest))
	copy(out, rest)
	return out, true
}
