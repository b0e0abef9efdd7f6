package events

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testNotifier(t *testing.T) *Notifier {
	t.Helper()
	return NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNotifier_ListenersInOrder(t *testing.T) {
	n := testNotifier(t)
	var got []string
	n.Register(ListenerFunc(func(e Event) { got = append(got, "a:"+string(e.Type)) }))
	n.Register(ListenerFunc(func(e Event) { got = append(got, "b:"+string(e.Type)) }))

	n.Publish(Event{Type: ZonesAdded})

	want := []string{"a:zones_added", "b:zones_added"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNotifier_Unregister(t *testing.T) {
	n := testNotifier(t)
	calls := 0
	unsub := n.Register(ListenerFunc(func(Event) { calls++ }))

	n.Publish(Event{Type: ProcessingStarted})
	unsub()
	unsub()
	n.Publish(Event{Type: ProcessingStarted})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if n.Len() != 0 {
		t.Errorf("Len = %d, want 0", n.Len())
	}
}

func TestNotifier_PanickingListenerIsIsolated(t *testing.T) {
	n := testNotifier(t)
	delivered := false
	n.Register(ListenerFunc(func(Event) { panic("boom") }))
	n.Register(ListenerFunc(func(Event) { delivered = true }))

	n.Publish(Event{Type: ProcessingError})

	if !delivered {
		t.Error("listener after a panicking one was not called")
	}
}

func TestNotifier_SubscribeChan(t *testing.T) {
	n := testNotifier(t)
	ch, unsub := n.SubscribeChan(4)

	n.Publish(Event{Type: ZoneProcessingStarted, QueuedZoneID: "qz_1"})

	select {
	case e := <-ch:
		if e.QueuedZoneID != "qz_1" {
			t.Errorf("QueuedZoneID = %q, want qz_1", e.QueuedZoneID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	unsub()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	n.Publish(Event{Type: ZoneProcessingCompleted})
}

func TestNotifier_DropsOnFullChannel(t *testing.T) {
	n := testNotifier(t)
	ch, unsub := n.SubscribeChan(1)
	defer unsub()
	var heard int
	n.Register(ListenerFunc(func(Event) { heard++ }))

	n.Publish(Event{Type: ZoneRetryScheduled})
	n.Publish(Event{Type: ZoneRetryScheduled})
	n.Publish(Event{Type: ZoneRetryScheduled})

	if got := n.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
	// Registered listeners are not subject to the channel buffer.
	if heard != 3 {
		t.Errorf("listener heard %d events, want 3", heard)
	}
}

func TestFilter(t *testing.T) {
	n := testNotifier(t)
	var got []Type
	n.Register(Filter(ListenerFunc(func(e Event) { got = append(got, e.Type) }), ZoneProcessingFailed))

	n.Publish(Event{Type: ZoneProcessingStarted})
	n.Publish(Event{Type: ZoneProcessingFailed, FinalFailure: true})

	if len(got) != 1 || got[0] != ZoneProcessingFailed {
		t.Errorf("filtered events = %v, want [zone_processing_failed]", got)
	}
}

func TestType_IsZoneEvent(t *testing.T) {
	zone := 0
	for _, typ := range AllTypes {
		if typ.IsZoneEvent() {
			zone++
		}
	}
	if len(AllTypes) != 12 {
		t.Errorf("AllTypes has %d entries, want 12", len(AllTypes))
	}
	if zone != 5 {
		t.Errorf("zone events = %d, want 5", zone)
	}
}

func TestParseTypes(t *testing.T) {
	types, err := ParseTypes(" zone_processing_failed, processing_completed ")
	if err != nil {
		t.Fatalf("ParseTypes: %v", err)
	}
	if len(types) != 2 || types[0] != ZoneProcessingFailed || types[1] != ProcessingCompleted {
		t.Errorf("types = %v", types)
	}
	if types, err := ParseTypes(""); err != nil || types != nil {
		t.Errorf("empty = %v, %v; want nil, nil", types, err)
	}
	if _, err := ParseTypes("zone_exploded"); err == nil {
		t.Error("unknown type accepted")
	}
}
