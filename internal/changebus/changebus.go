// Package changebus implements the multicast broadcaster that fans out
// PUT/UPDATE/DELETE/DELETE_BOX/BATCH/CAS_UPDATE change events to
// subscribers, used by the Registry to synthesize watch streams.
package changebus

import (
	"sync"

	"github.com/tholstrom/truckdb/internal/codec"
)

// Op identifies the kind of mutation a change event describes.
type Op string

const (
	OpPut       Op = "PUT"
	OpUpdate    Op = "UPDATE"
	OpDelete    Op = "DELETE"
	OpDeleteBox Op = "DELETE_BOX"
	OpBatch     Op = "BATCH"
	OpCASUpdate Op = "CAS_UPDATE"
)

// Event is one published change. TruckID, BoxID, and Op are always set;
// Tag, Value, and Entries are populated per-op as described in spec.md
// section 6 ("Change events").
type Event struct {
	TruckID string
	BoxID   string
	Op      Op
	Tag     string
	Value   codec.Value
	Entries map[string]codec.Value
}

// Affects reports whether this event pertains to tag within (truckID,
// boxID): a single-tag op naming it directly, a batch whose Entries
// contain it, or a box-wide delete (which affects every tag in the box).
func (e Event) Affects(truckID, boxID, tag string) bool {
	if e.TruckID != truckID || e.BoxID != boxID {
		return false
	}
	switch e.Op {
	case OpDeleteBox:
		return true
	case OpBatch:
		_, ok := e.Entries[tag]
		return ok
	default:
		return e.Tag == tag
	}
}

// AffectsBox reports whether this event pertains to (truckID, boxID) at
// all, used by watchBox.
func (e Event) AffectsBox(truckID, boxID string) bool {
	return e.TruckID == truckID && e.BoxID == boxID
}

// subscriberBufferSize is the default bound on each subscriber's channel.
const subscriberBufferSize = 64

// Bus is a multicast broadcaster with one bounded channel per subscriber.
// A subscriber that falls behind is disconnected rather than allowed to
// backpressure the write path that publishes events.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns its event channel along
// with an unsubscribe function the caller must invoke when done. The
// channel is closed either by the unsubscribe function or, if the
// subscriber falls behind, by Publish itself.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBufferSize)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish fans ev out to every current subscriber. A subscriber whose
// buffer is full is dropped rather than allowed to stall the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			delete(b.subs, id)
			close(ch)
		}
	}
}

// SubscriberCount reports the number of currently connected subscribers,
// used mainly by tests and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
