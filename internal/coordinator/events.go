package coordinator

import (
	"log/slog"
	"sync"

	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/groups"
)

// Event types
const (
	EventDeviceAdded       = "device_added"
	EventDeviceRelocated   = "device_relocated"
	EventDeviceEvicted     = "device_evicted"
	EventDeviceUnresolved  = "device_unresolved"
	EventDescriptorUpdated = "descriptor_updated"
	EventGroupUpdated      = "group_updated"
	EventGroupRemoved      = "group_removed"
	EventIdentityConflict  = "identity_conflict"
	EventFrameSent         = "frame_sent"
)

// Event represents a coordinator event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DeviceEvent is the payload of device_* and descriptor_updated events.
type DeviceEvent struct {
	NwkID    codec.NwkID  `json:"nwk_id"`
	IEEE     codec.IEEE   `json:"ieee"`
	OldNwkID *codec.NwkID `json:"old_nwk_id,omitempty"`
	Created  bool         `json:"created,omitempty"`
}

// GroupEvent is the payload of group_* events. Group is nil on removal.
type GroupEvent struct {
	GroupID codec.GroupID `json:"group_id"`
	Group   *groups.Group `json:"group,omitempty"`
}

// ConflictEvent is the payload of identity_conflict.
type ConflictEvent struct {
	NwkID codec.NwkID `json:"nwk_id"`
	IEEE  codec.IEEE  `json:"ieee"`
	Error string      `json:"error"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger.With("component", "events"),
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends events, in order, to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(events ...Event) {
	for _, event := range events {
		for _, h := range eb.handlersFor(event.Type) {
			eb.call(h, event)
		}
	}
}

func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	handlers := make([]EventHandler, 0, len(eb.handlers[eventType])+len(eb.allHandlers))
	for _, h := range eb.handlers[eventType] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	return handlers
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
