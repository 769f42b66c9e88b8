package icechat

import "sync"

// Event identifies an engine lifecycle event. Events replace the print
// statements the UI used to key off: an observability collaborator
// subscribes instead of scraping logs.
type Event string

const (
	EventMessageQueued    Event = "message.queued"
	EventMessageSent      Event = "message.sent"
	EventMessageFailed    Event = "message.failed"
	EventMessageRetrying  Event = "message.retrying"
	EventMessageCancelled Event = "message.cancelled"
	EventMessagePushed    Event = "message.pushed"
	EventRoomDeleted      Event = "room.deleted"
	EventCacheError       Event = "cache.error"
)

// EventHandler receives engine events. Handlers run synchronously on the
// emitting goroutine and must not block.
type EventHandler func(event Event, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[Event][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[Event][]EventHandler)}
}

func (e *emitter) On(event Event, handler EventHandler) {
	e.mu.Lock()
	e.listeners[event] = append(e.listeners[event], handler)
	e.mu.Unlock()
}

func (e *emitter) emit(event Event, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	e.listeners = make(map[Event][]EventHandler)
	e.mu.Unlock()
}
