package domain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"goldclear.io/clearing/internal/pkg/logger"
)

// EventHandler processes a committed lifecycle event.
type EventHandler func(ctx context.Context, event LifecycleEvent) error

// EventDispatcher routes committed ledger entries to registered handlers.
// Handlers observe the ledger; they never change settlement state.
type EventDispatcher struct {
	handlers map[LedgerEntryType][]EventHandler
	any      []EventHandler
	mu       sync.RWMutex
}

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[LedgerEntryType][]EventHandler),
	}
}

// Register registers a handler for a specific entry type.
func (d *EventDispatcher) Register(entryType LedgerEntryType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[entryType] = append(d.handlers[entryType], handler)
}

// RegisterAll registers a handler invoked for every entry type.
func (d *EventDispatcher) RegisterAll(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.any = append(d.any, handler)
}

// Dispatch calls every matching handler sequentially. A failing handler is
// logged and the rest still run; the first error is returned.
func (d *EventDispatcher) Dispatch(ctx context.Context, event LifecycleEvent) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.any)+len(d.handlers[event.Entry.Type]))
	handlers = append(handlers, d.any...)
	handlers = append(handlers, d.handlers[event.Entry.Type]...)
	d.mu.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("Lifecycle event handler failed",
				zap.String("entry_type", string(event.Entry.Type)),
				zap.String("settlement_id", event.Entry.SettlementID),
				zap.Int64("seq", event.Entry.Seq),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("handler for %s failed: %w", event.Entry.Type, err)
			}
		}
	}
	return firstErr
}
