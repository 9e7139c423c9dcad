package chatsync

import "sync"

// Engine event names.
const (
	EventDirectoryUpdated  = "directory.updated"
	EventMessagesUpdated   = "messages.updated"
	EventConnectionChanged = "connection.changed"
	EventTyping            = "typing"
	EventPresence          = "presence"
	EventRead              = "read"
	EventSendFailed        = "send.failed"
)

// EventHandler handles engine events. The payload type depends on the event:
// []ChatRoom for directory.updated, []ChatMessage for messages.updated,
// ConnState for connection.changed, Envelope for typing/presence/read and
// SendFailure for send.failed.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers a handler for an event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
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
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
