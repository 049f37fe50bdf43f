package event

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// collector records events delivered to it.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(testLogger(), 16)
	go bus.Start()
	defer bus.Stop()

	var c collector
	bus.Subscribe(ItemApproved, c.handle)

	bus.Publish(Event{Type: ItemApproved, Data: map[string]any{"queue_id": "q1"}})
	bus.Publish(Event{Type: ItemRejected})

	waitFor(t, func() bool { return c.len() == 1 })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events[0].Data["queue_id"] != "q1" {
		t.Errorf("data[queue_id] = %v, want q1", c.events[0].Data["queue_id"])
	}
	if c.events[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus(testLogger(), 16)
	go bus.Start()
	defer bus.Stop()

	var c collector
	bus.SubscribeAll(c.handle)

	for _, typ := range AllTypes() {
		bus.Publish(Event{Type: typ})
	}
	waitFor(t, func() bool { return c.len() == len(AllTypes()) })
}

func TestBufferFull(t *testing.T) {
	bus := NewBus(testLogger(), 2)
	// Not started: events accumulate in the channel.
	bus.Publish(Event{Type: ItemQueued})
	bus.Publish(Event{Type: ItemQueued})
	bus.Publish(Event{Type: ItemQueued})
}

func TestHandlerPanicRecovery(t *testing.T) {
	bus := NewBus(testLogger(), 16)
	go bus.Start()
	defer bus.Stop()

	var c collector
	bus.Subscribe(EntityCreated, func(_ Event) { panic("boom") })
	bus.Subscribe(EntityCreated, c.handle)

	bus.Publish(Event{Type: EntityCreated})
	waitFor(t, func() bool { return c.len() == 1 })
}

func TestStopDrainsBuffer(t *testing.T) {
	bus := NewBus(testLogger(), 16)

	var c collector
	bus.Subscribe(ExtractionCompleted, c.handle)

	bus.Publish(Event{Type: ExtractionCompleted})
	bus.Publish(Event{Type: ExtractionCompleted})

	finished := make(chan struct{})
	go func() {
		bus.Start()
		close(finished)
	}()
	bus.Stop()
	<-finished

	if c.len() != 2 {
		t.Errorf("got %d events, want 2 (all drained)", c.len())
	}

	// Publishing after Stop is a silent drop.
	bus.Publish(Event{Type: ExtractionCompleted})
}

func TestDiscard(t *testing.T) {
	Discard.Publish(Event{Type: ItemQueued})
}
