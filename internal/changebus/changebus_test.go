package changebus

import (
	"testing"

	"github.com/tholstrom/truckdb/internal/codec"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Publish(Event{TruckID: "t", BoxID: "box", Op: OpPut, Tag: "k"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Tag != "k" {
				t.Fatalf("unexpected event: %#v", ev)
			}
		default:
			t.Fatal("expected event to be delivered")
		}
	}
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe()

	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(Event{TruckID: "t", BoxID: "b", Op: OpPut, Tag: "k"})
	}

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected slow subscriber to be disconnected, got count=%d", b.SubscriberCount())
	}
	// Channel must have been closed by Publish, not left dangling.
	drained := 0
	for range ch {
		drained++
	}
	if drained != subscriberBufferSize {
		t.Fatalf("expected buffer to hold exactly %d events, drained %d", subscriberBufferSize, drained)
	}
}

func TestEventAffectsTagSingleOp(t *testing.T) {
	ev := Event{TruckID: "t1", BoxID: "users", Op: OpUpdate, Tag: "u1"}
	if !ev.Affects("t1", "users", "u1") {
		t.Fatal("expected match")
	}
	if ev.Affects("t1", "users", "u2") {
		t.Fatal("expected no match for different tag")
	}
	if ev.Affects("t2", "users", "u1") {
		t.Fatal("expected no match for different truck")
	}
}

func TestEventAffectsTagBatchAndDeleteBox(t *testing.T) {
	batch := Event{TruckID: "t1", BoxID: "b", Op: OpBatch, Entries: map[string]codec.Value{"x": {"v": int64(1)}}}
	if !batch.Affects("t1", "b", "x") {
		t.Fatal("expected batch to affect tag present in its entries")
	}
	if batch.Affects("t1", "b", "y") {
		t.Fatal("expected batch to not affect tag absent from its entries")
	}

	delBox := Event{TruckID: "t1", BoxID: "b", Op: OpDeleteBox}
	if !delBox.Affects("t1", "b", "anything") {
		t.Fatal("DELETE_BOX should affect every tag in the box")
	}
	if !delBox.AffectsBox("t1", "b") {
		t.Fatal("DELETE_BOX should affect the box")
	}
	if delBox.AffectsBox("t1", "other") {
		t.Fatal("should not affect a different box")
	}
}
