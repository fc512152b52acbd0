package events

import (
	"context"
	"slices"
	"sync"

	"github.com/punchamoorthee/paycore/internal/domain"
)

type HandlerFunc func(ctx context.Context, evt domain.Event) error

// MemoryBus is an in-process Publisher. Every published event is also kept
// so tests and local runs can inspect what went out.
type MemoryBus struct {
	mu        sync.RWMutex
	handlers  map[domain.EventType][]HandlerFunc
	published []domain.Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[domain.EventType][]HandlerFunc),
	}
}

func (b *MemoryBus) Subscribe(eventType domain.EventType, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

func (b *MemoryBus) Publish(ctx context.Context, evt domain.Event) error {
	b.mu.Lock()
	b.published = append(b.published, evt)
	handlers := slices.Clone(b.handlers[evt.Type])
	b.mu.Unlock()

	for _, handler := range handlers {
		if err := handler(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Published returns the events seen so far, optionally filtered by type.
func (b *MemoryBus) Published(types ...domain.EventType) []domain.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(types) == 0 {
		return slices.Clone(b.published)
	}
	var out []domain.Event
	for _, evt := range b.published {
		if slices.Contains(types, evt.Type) {
			out = append(out, evt)
		}
	}
	return out
}
