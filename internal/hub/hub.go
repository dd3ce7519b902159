// Package hub fans produced events out to every connected observer,
// regardless of which transport the observer arrived on.
package hub

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Observer is the single capability the hub (and the coordinator behind it)
// requires of any transport: deliver one text payload or fail.
type Observer interface {
	// Send delivers a single protocol message. A returned error is treated
	// as a transport failure and unregisters the observer.
	Send(msg string) error
	// Identity returns the observer's display name once authenticated.
	Identity() string
}

// Hub maintains the live observer set. Registration and unregistration are
// safe to run concurrently with an in-progress broadcast; a broadcast
// iterates a point-in-time snapshot of the set.
type Hub struct {
	mu        sync.RWMutex
	observers map[Observer]struct{}
	byName    map[string]Observer
}

func New() *Hub {
	return &Hub{
		observers: make(map[Observer]struct{}),
		byName:    make(map[string]Observer),
	}
}

// Register adds an observer to the live set. On display-name collision the
// last registered observer wins for private addressing.
func (h *Hub) Register(o Observer) {
	h.mu.Lock()
	h.observers[o] = struct{}{}
	if name := o.Identity(); name != "" {
		h.byName[name] = o
	}
	total := len(h.observers)
	h.mu.Unlock()

	log.Debug().Str("observer", o.Identity()).Int("total", total).Msg("observer registered")
}

// Unregister removes an observer. Idempotent; safe to call from delivery
// failure paths and from transport close paths concurrently.
func (h *Hub) Unregister(o Observer) {
	h.mu.Lock()
	if _, ok := h.observers[o]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.observers, o)
	if name := o.Identity(); name != "" && h.byName[name] == o {
		delete(h.byName, name)
	}
	total := len(h.observers)
	h.mu.Unlock()

	log.Debug().Str("observer", o.Identity()).Int("total", total).Msg("observer unregistered")
}

// Broadcast delivers msg to every observer registered at the time of the
// call. A delivery failure unregisters that observer and never aborts
// delivery to the rest.
func (h *Hub) Broadcast(msg string) {
	h.mu.RLock()
	snapshot := make([]Observer, 0, len(h.observers))
	for o := range h.observers {
		snapshot = append(snapshot, o)
	}
	h.mu.RUnlock()

	for _, o := range snapshot {
		if err := o.Send(msg); err != nil {
			log.Warn().Err(err).Str("observer", o.Identity()).Msg("delivery failed, dropping observer")
			h.Unregister(o)
		}
	}
}

// Lookup returns the observer registered under name, or nil. When several
// sessions share a name the most recently registered one is returned.
func (h *Hub) Lookup(name string) Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byName[name]
}

// Count returns the number of currently registered observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}
