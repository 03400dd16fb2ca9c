package events

import (
	"sync"
	"testing"
	"time"
)

func collectEvents(t *testing.T, bus *MemoryBus, id string) (*sync.Mutex, *[]Event) {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	err := bus.Subscribe(id, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe(%s) error = %v", id, err)
	}
	return &mu, &got
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMemoryBusFanOut(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	mu1, got1 := collectEvents(t, bus, "sub-1")
	mu2, got2 := collectEvents(t, bus, "sub-2")

	bus.Publish(Event{Type: TypeTaskSucceeded, TaskID: "t1"})

	waitFor(t, func() bool {
		mu1.Lock()
		defer mu1.Unlock()
		return len(*got1) == 1
	})
	waitFor(t, func() bool {
		mu2.Lock()
		defer mu2.Unlock()
		return len(*got2) == 1
	})

	mu1.Lock()
	defer mu1.Unlock()
	if (*got1)[0].TaskID != "t1" {
		t.Errorf("TaskID = %q, want t1", (*got1)[0].TaskID)
	}
	if (*got1)[0].Timestamp.IsZero() {
		t.Error("Timestamp not stamped on publish")
	}
}

func TestMemoryBusDuplicateSubscriber(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	if err := bus.Subscribe("dup", func(Event) {}); err != nil {
		t.Fatalf("first Subscribe() error = %v", err)
	}
	if err := bus.Subscribe("dup", func(Event) {}); err == nil {
		t.Error("duplicate Subscribe() = nil, want error")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	mu, got := collectEvents(t, bus, "sub")
	bus.Publish(Event{Type: TypeAgentStatus})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})

	bus.Unsubscribe("sub")
	bus.Publish(Event{Type: TypeAgentStatus})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Errorf("events after Unsubscribe = %d, want 1", len(*got))
	}
}

func TestMemoryBusPublishAfterClose(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	// Must not panic.
	bus.Publish(Event{Type: TypeProjectStatus})

	if err := bus.Subscribe("late", func(Event) {}); err == nil {
		t.Error("Subscribe() after Close = nil, want error")
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}
