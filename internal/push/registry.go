// Package push implements the Push Registry: an ordered prefix ->
// handler mapping for outbound, agent-bypassing messages. Grounded on
// internal/bus/queue.go's Subscribe/dispatch shape (a registered
// callback keyed by identity, invoked from a single dispatch point),
// generalized from bus's exact-channel-name matching to spec.md's
// leading-substring prefix matching, since no example in the corpus
// implements prefix routing directly.
package push

import (
	"strings"
	"sync"
)

// Media is an opaque attachment payload; the registry never inspects
// it, only forwards it to the matching handler.
type Media struct {
	Kind string `json:"kind"`
	URL  string `json:"url,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Handler delivers text (and optional media) to a channel over its
// native transport, bypassing any agent session entirely. Returns
// whether delivery was accepted.
type Handler func(channel, text string, media []Media) bool

// Registry is an ordered prefix -> Handler mapping, safe for
// concurrent registration and dispatch.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

type entry struct {
	prefix  string
	handler Handler
}

// NewRegistry returns an empty Push Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler for prefix. Last writer wins per prefix: a
// second Register call with the same prefix replaces the earlier
// handler in place rather than appending a duplicate entry, so
// registration order among distinct prefixes is preserved.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.prefix == prefix {
			r.entries[i].handler = handler
			return
		}
	}
	r.entries = append(r.entries, entry{prefix: prefix, handler: handler})
}

// Send dispatches to the first registered handler whose prefix is a
// leading substring of channel, in registration order. Returns false,
// with no handler invoked, if no prefix matches.
func (r *Registry) Send(channel, text string, media []Media) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if strings.HasPrefix(channel, e.prefix) {
			return e.handler(channel, text, media)
		}
	}
	return false
}
