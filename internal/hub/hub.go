// Package hub relays core events to observer sessions. It is a stateless
// relay keyed by script name → observer set: events are delivered in exactly
// the order the producing component emits them, with no reordering or
// batching across scripts.
package hub

import (
	"io"
	"log/slog"
	"sync"

	"pyrunner/internal/protocol"
)

// Sink receives envelopes for one observer. Implementations must preserve
// the order Send is called in; the hub never reorders on their behalf.
type Sink interface {
	Send(env *protocol.Envelope)
}

// Hub tracks attached observers and which script each one watches.
type Hub struct {
	mu       sync.Mutex
	sinks    map[string]Sink
	watchers map[string]map[string]struct{} // script → observer ids
	logger   *slog.Logger
}

// New creates an empty Hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		sinks:    make(map[string]Sink),
		watchers: make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

// Attach registers an observer's sink under its identity.
func (h *Hub) Attach(observerID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[observerID] = sink
}

// Detach removes an observer and all of its watch subscriptions.
func (h *Hub) Detach(observerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sinks, observerID)
	for _, set := range h.watchers {
		delete(set, observerID)
	}
}

// Watch subscribes an attached observer to a script's events.
func (h *Hub) Watch(script, observerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[script]
	if !ok {
		set = make(map[string]struct{})
		h.watchers[script] = set
	}
	set[observerID] = struct{}{}
}

// DropScript clears the watcher set for a script whose execution ended.
// Observer sinks stay attached; only the subscription goes away.
func (h *Hub) DropScript(script string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers, script)
}

// Broadcast delivers an envelope to every current watcher of a script.
func (h *Hub) Broadcast(script string, env *protocol.Envelope) {
	h.mu.Lock()
	sinks := make([]Sink, 0, len(h.watchers[script]))
	for id := range h.watchers[script] {
		if s, ok := h.sinks[id]; ok {
			sinks = append(sinks, s)
		}
	}
	h.mu.Unlock()

	for _, s := range sinks {
		s.Send(env)
	}
}

// EmitTo delivers an envelope to a single observer, if still attached.
func (h *Hub) EmitTo(observerID string, env *protocol.Envelope) {
	h.mu.Lock()
	s, ok := h.sinks[observerID]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("emit to detached observer dropped",
			slog.String("observer_id", observerID),
			slog.String("type", string(env.Type)),
		)
		return
	}
	s.Send(env)
}
