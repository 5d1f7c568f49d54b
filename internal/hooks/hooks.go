// Package hooks provides the action/filter event bus the sync and storage
// engines use to talk to the host application.
//
// Actions are fire-and-forget notifications (Emit). Filters let listeners
// transform or veto a value before the engine acts on it (Filter). The
// engines work correctly with zero listeners attached: Emit becomes a no-op
// and Filter returns its input unchanged.
package hooks

import "sync"

// Event names emitted by the engines.
const (
	// EventQueueFull fires when the outbox reaches its configured capacity.
	// Payload: outbox.QueueFullEvent.
	EventQueueFull = "sync.queue:action:full"

	// EventConflictDetected fires for every genuine conflict resolution.
	// Payload: engine.ConflictEvent.
	EventConflictDetected = "sync.conflict:action:detected"

	// EventUploadBefore fires before an upload transfer starts moving bytes.
	// Payload: transfer.UploadEvent.
	EventUploadBefore = "storage.files.upload:action:before"

	// EventUploadAfter fires once an upload has been durably stored and
	// registered. Payload: transfer.UploadEvent.
	EventUploadAfter = "storage.files.upload:action:after"

	// FilterUploadPolicy may veto an upload before it is queued.
	// Value: transfer.PolicyCheck; set Allow to false to reject.
	FilterUploadPolicy = "storage.files.upload:filter:policy"

	// FilterURLOptions may adjust presign options (expiry, headers).
	// Value: presign.Options.
	FilterURLOptions = "storage.files.url:filter:options"
)

// Handler receives an action payload. Handlers must not block: they run
// synchronously on the emitting goroutine.
type Handler func(payload any)

// FilterFunc transforms a filter value. Returning the input unchanged is
// always valid.
type FilterFunc func(value any) any

// Bus is a minimal in-process action/filter dispatcher.
// The zero value is not usable; call NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	filters  map[string][]FilterFunc
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		filters:  make(map[string][]FilterFunc),
	}
}

// On registers a handler for an action name.
func (b *Bus) On(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// OnFilter registers a filter function for a filter name. Filters run in
// registration order, each receiving the previous filter's output.
func (b *Bus) OnFilter(name string, f FilterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters[name] = append(b.filters[name], f)
}

// Emit invokes all handlers registered for name with the payload.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[name]))
	copy(hs, b.handlers[name])
	b.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
}

// Filter passes value through every filter registered for name and returns
// the result. With no filters registered the value comes back unchanged.
func (b *Bus) Filter(name string, value any) any {
	b.mu.RLock()
	fs := make([]FilterFunc, len(b.filters[name]))
	copy(fs, b.filters[name])
	b.mu.RUnlock()

	for _, f := range fs {
		value = f(value)
	}
	return value
}
