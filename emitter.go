package displaycore

import (
	"sync"

	"github.com/rs/zerolog"
)

// EventListener receives component notifications such as "sync.complete".
type EventListener func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	next      int
	listeners map[string]map[int]EventListener
	logger    zerolog.Logger
}

func newEmitter(logger zerolog.Logger) *emitter {
	return &emitter{listeners: make(map[string]map[int]EventListener), logger: logger}
}

// On subscribes l to event and returns an unsubscribe function.
func (e *emitter) On(event string, l EventListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	id := e.next
	if e.listeners[event] == nil {
		e.listeners[event] = make(map[int]EventListener)
	}
	e.listeners[event][id] = l
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[event], id)
	}
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := make([]EventListener, 0, len(e.listeners[event]))
	for _, h := range e.listeners[event] {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().Interface("panic", r).Str("event", event).Msg("listener panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string]map[int]EventListener)
}
