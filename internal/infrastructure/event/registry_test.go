package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerRegistry_ExactTypes(t *testing.T) {
	registry := NewHandlerRegistry()
	handler := newTestHandler()
	registry.Register(handler, "affretia.order.assigned", "affretia.order.closed")

	assert.Len(t, registry.GetHandlers("affretia.order.assigned"), 1)
	assert.Len(t, registry.GetHandlers("affretia.order.closed"), 1)
	assert.Empty(t, registry.GetHandlers("affretia.order.delivered"))
}

func TestHandlerRegistry_PrefixPattern(t *testing.T) {
	registry := NewHandlerRegistry()
	handler := newTestHandler()
	registry.Register(handler, "affretia.trigger.*")

	assert.Len(t, registry.GetHandlers("affretia.trigger.manual"), 1)
	assert.Len(t, registry.GetHandlers("affretia.trigger.capability-gap"), 1)
	assert.Empty(t, registry.GetHandlers("affretia.shortlist.generated"))
}

func TestHandlerRegistry_StarAloneIsWildcard(t *testing.T) {
	registry := NewHandlerRegistry()
	handler := newTestHandler()
	registry.Register(handler, "*")

	assert.Len(t, registry.GetHandlers("anything"), 1)
}

func TestHandlerRegistry_OrderAndDeduplication(t *testing.T) {
	registry := NewHandlerRegistry()
	exact := newTestHandler()
	pattern := newTestHandler()
	wildcard := newTestHandler()

	registry.Register(wildcard)
	registry.Register(pattern, "affretia.carrier.*")
	registry.Register(exact, "affretia.carrier.responded")
	registry.Register(exact, "affretia.carrier.*")

	handlers := registry.GetHandlers("affretia.carrier.responded")
	assert.Len(t, handlers, 3)
	assert.Same(t, exact, handlers[0])
	assert.Same(t, wildcard, handlers[2])
	assert.Equal(t, 3, registry.Len())
}

func TestHandlerRegistry_Unregister(t *testing.T) {
	registry := NewHandlerRegistry()
	h1 := newTestHandler()
	h2 := newTestHandler()
	registry.Register(h1, "affretia.order.closed", "affretia.carrier.*")
	registry.Register(h1)
	registry.Register(h2, "affretia.order.closed")

	registry.Unregister(h1)

	handlers := registry.GetHandlers("affretia.order.closed")
	assert.Len(t, handlers, 1)
	assert.Same(t, h2, handlers[0])
	assert.Empty(t, registry.GetHandlers("affretia.carrier.responded"))
	assert.Equal(t, 1, registry.Len())
}
