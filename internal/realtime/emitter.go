package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Handler receives the data of one event.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	fn Handler
}

// emitter fans events out to handlers registered per event type.
type emitter struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]*handlerEntry
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{
		logger:   logger,
		handlers: make(map[string][]*handlerEntry),
	}
}

// on registers fn for eventType. The disposer removes exactly this
// registration, even if the same function was registered twice.
func (e *emitter) on(eventType string, fn Handler) (dispose func()) {
	entry := &handlerEntry{fn: fn}

	e.mu.Lock()
	e.handlers[eventType] = append(e.handlers[eventType], entry)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()

			list := e.handlers[eventType]
			for i, h := range list {
				if h == entry {
					e.handlers[eventType] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(e.handlers[eventType]) == 0 {
				delete(e.handlers, eventType)
			}
		})
	}
}

// emit calls every handler for eventType in registration order. A panicking
// handler is logged and the remaining handlers still run.
func (e *emitter) emit(eventType string, data json.RawMessage) int {
	e.mu.RLock()
	list := append([]*handlerEntry(nil), e.handlers[eventType]...)
	e.mu.RUnlock()

	for _, h := range list {
		e.call(eventType, h.fn, data)
	}
	return len(list)
}

func (e *emitter) call(eventType string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				"event", eventType,
				"panic", r,
			)
		}
	}()
	fn(data)
}
