package event

import (
	"strings"
	"sync"

	"github.com/affretia/backend/internal/domain/shared"
)

// HandlerRegistry manages event handler registrations.
//
// A handler subscribes to exact event types ("affretia.order.assigned"),
// to a family through a trailing wildcard ("affretia.carrier.*"), or to
// every event when registered without types.
type HandlerRegistry struct {
	mu       sync.RWMutex
	exact    map[string][]shared.EventHandler
	prefixes map[string][]shared.EventHandler
	wildcard []shared.EventHandler
}

// NewHandlerRegistry creates a new handler registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		exact:    make(map[string][]shared.EventHandler),
		prefixes: make(map[string][]shared.EventHandler),
	}
}

// Register adds a handler for the given event types or patterns
func (r *HandlerRegistry) Register(handler shared.EventHandler, eventTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(eventTypes) == 0 {
		r.wildcard = append(r.wildcard, handler)
		return
	}
	for _, t := range eventTypes {
		if prefix, ok := strings.CutSuffix(t, "*"); ok {
			if prefix == "" {
				r.wildcard = append(r.wildcard, handler)
				continue
			}
			r.prefixes[prefix] = append(r.prefixes[prefix], handler)
			continue
		}
		r.exact[t] = append(r.exact[t], handler)
	}
}

// Unregister removes a handler from every subscription
func (r *HandlerRegistry) Unregister(handler shared.EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.wildcard = removeHandler(r.wildcard, handler)
	pruneHandler(r.exact, handler)
	pruneHandler(r.prefixes, handler)
}

// GetHandlers returns the handlers of an event type: exact subscribers,
// then pattern subscribers, then wildcard subscribers. A handler matched
// by several subscriptions is returned once.
func (r *HandlerRegistry) GetHandlers(eventType string) []shared.EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]shared.EventHandler, 0, len(r.exact[eventType])+len(r.wildcard))
	seen := make(map[shared.EventHandler]struct{})
	add := func(hs []shared.EventHandler) {
		for _, h := range hs {
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			result = append(result, h)
		}
	}

	add(r.exact[eventType])
	for prefix, hs := range r.prefixes {
		if strings.HasPrefix(eventType, prefix) {
			add(hs)
		}
	}
	add(r.wildcard)
	return result
}

// Len returns the number of distinct registered handlers
func (r *HandlerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[shared.EventHandler]struct{})
	for _, h := range r.wildcard {
		seen[h] = struct{}{}
	}
	for _, m := range []map[string][]shared.EventHandler{r.exact, r.prefixes} {
		for _, hs := range m {
			for _, h := range hs {
				seen[h] = struct{}{}
			}
		}
	}
	return len(seen)
}

func pruneHandler(m map[string][]shared.EventHandler, handler shared.EventHandler) {
	for key, hs := range m {
		m[key] = removeHandler(hs, handler)
		if len(m[key]) == 0 {
			delete(m, key)
		}
	}
}

func removeHandler(handlers []shared.EventHandler, target shared.EventHandler) []shared.EventHandler {
	result := make([]shared.EventHandler, 0, len(handlers))
	for _, h := range handlers {
		if h != target {
			result = append(result, h)
		}
	}
	return result
}
