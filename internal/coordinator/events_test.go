package coordinator

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventDeviceAdded, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventDeviceAdded, Data: DeviceEvent{NwkID: 0xa1b2}})

	if received.Type != EventDeviceAdded {
		t.Errorf("type = %q, want %q", received.Type, EventDeviceAdded)
	}
	if got := received.Data.(DeviceEvent).NwkID; got != 0xa1b2 {
		t.Errorf("nwk = %s, want a1b2", got)
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventDeviceAdded, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventDeviceEvicted})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAll(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceAdded}, Event{Type: EventDeviceRelocated})
	eb.Emit(Event{Type: EventFrameSent})

	if count.Load() != 3 {
		t.Errorf("onAll called %d times, want 3", count.Load())
	}
}

func TestEventBusEmitOrder(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var got []string

	eb.OnAll(func(e Event) {
		got = append(got, e.Type)
	})
	eb.Emit(Event{Type: EventDeviceEvicted}, Event{Type: EventDeviceRelocated}, Event{Type: EventGroupUpdated})

	want := []string{EventDeviceEvicted, EventDeviceRelocated, EventGroupUpdated}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.On(EventGroupRemoved, func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventGroupRemoved})
	if count.Load() != 1 {
		t.Fatalf("expected 1 call before unsub, got %d", count.Load())
	}

	unsub()
	eb.Emit(Event{Type: EventGroupRemoved})
	if count.Load() != 1 {
		t.Errorf("expected 1 call after unsub, got %d", count.Load())
	}
}

func TestEventBusOnAllUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceUnresolved})
	unsub()
	eb.Emit(Event{Type: EventDeviceUnresolved})

	if count.Load() != 1 {
		t.Errorf("expected 1 call, got %d", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	eb.On(EventIdentityConflict, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventIdentityConflict, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventIdentityConflict})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventFrameSent})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d events, want 100", count.Load())
	}
}

func TestEventBusHandlerMaySubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var inner atomic.Int32

	eb.On(EventDeviceAdded, func(e Event) {
		eb.On(EventDeviceEvicted, func(Event) { inner.Add(1) })
	})
	eb.Emit(Event{Type: EventDeviceAdded}, Event{Type: EventDeviceEvicted})

	if inner.Load() != 1 {
		t.Errorf("inner handler called %d times, want 1", inner.Load())
	}
}
