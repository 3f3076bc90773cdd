package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"skillchat/internal/domain/chat"
)

var (
	ErrHandlerNotFound = errors.New("dispatch: handler not found")
	ErrInvalidEvent    = errors.New("dispatch: invalid event for handler")
	ErrHandlerPanic    = errors.New("dispatch: handler panicked")
)

type eventHandler func(ctx context.Context, ev chat.Event) error

// Dispatcher routes decoded push events to handlers. Handlers can be
// registered or replaced at any time; a dispatch in progress keeps the
// handler it started with.
type Dispatcher struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[chat.EventName]eventHandler
}

// New creates an empty dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, handlers: make(map[chat.EventName]eventHandler)}
}

// RegisterRaw attaches handler to name, replacing any previous one. A nil
// handler removes the registration.
func (d *Dispatcher) RegisterRaw(name chat.EventName, handler eventHandler) {
	if name == "" {
		panic("dispatch: empty event name registration")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if handler == nil {
		delete(d.handlers, name)
		return
	}
	d.handlers[name] = handler
}

// Handle registers a strongly typed handler for the event type E.
func Handle[E chat.Event](d *Dispatcher, handler func(ctx context.Context, ev E) error) {
	if d == nil {
		panic("dispatch: nil dispatcher")
	}
	var zero E
	name := zero.Name()
	if handler == nil {
		d.RegisterRaw(name, nil)
		return
	}
	d.RegisterRaw(name, func(ctx context.Context, raw chat.Event) error {
		ev, ok := raw.(E)
		if !ok {
			return fmt.Errorf("%w: %s", ErrInvalidEvent, name)
		}
		return handler(ctx, ev)
	})
}

// Registered reports whether name has a handler.
func (d *Dispatcher) Registered(name chat.EventName) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[name]
	return ok
}

// Dispatch decodes a named payload from the push stream and routes it.
// Malformed or unknown events are logged and returned as errors; a
// panicking handler is recovered. Nothing escapes as a panic.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, data []byte) error {
	ev, err := chat.DecodeEvent(name, data)
	if err != nil {
		d.logger.Warn("dropping push event", "event", name, "error", err)
		return err
	}
	return d.Route(ctx, ev)
}

// Route invokes the handler registered for ev.
func (d *Dispatcher) Route(ctx context.Context, ev chat.Event) (err error) {
	d.mu.RLock()
	handler, ok := d.handlers[ev.Name()]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug("no handler for push event", "event", ev.Name())
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, ev.Name())
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("push handler panicked", "event", ev.Name(), "panic", r)
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, ev.Name(), r)
		}
	}()
	if err := handler(ctx, ev); err != nil {
		d.logger.Warn("push handler failed", "event", ev.Name(), "error", err)
		return err
	}
	return nil
}
