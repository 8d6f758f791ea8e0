// Package clients tracks the users connected to the network as seen
// through server notices, so operators can refer to them by nick.
package clients

import (
	"strings"
	"sync"

	"irc-dnsbl/pkg/dnsbl"
)

// Registry maps nicks to connected clients. Each connection gets a fresh
// ClientID, so a reconnect under the same nick is a new session.
type Registry struct {
	mu     sync.RWMutex
	nextID dnsbl.ClientID
	byID   map[dnsbl.ClientID]dnsbl.Client
	byNick map[string]dnsbl.ClientID
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[dnsbl.ClientID]dnsbl.Client),
		byNick: make(map[string]dnsbl.ClientID),
	}
}

// Fold case-folds a nick using the rfc1459 casemapping
func Fold(nick string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		case r == '~':
			return '^'
		}
		return r
	}, nick)
}

// Connect records c under a new ID and returns it with the ID set. If the
// nick was still held by a stale session, that session is returned as
// replaced so its state can be dropped.
func (r *Registry) Connect(c dnsbl.Client) (added dnsbl.Client, replaced *dnsbl.Client) {
	key := Fold(c.Nick)

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byNick[key]; ok {
		old := r.byID[id]
		delete(r.byID, id)
		replaced = &old
	}

	r.nextID++
	c.ID = r.nextID
	r.byID[c.ID] = c
	r.byNick[key] = c.ID
	return c, replaced
}

// Exit forgets nick and returns the client that held it
func (r *Registry) Exit(nick string) (dnsbl.Client, bool) {
	key := Fold(nick)

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byNick[key]
	if !ok {
		return dnsbl.Client{}, false
	}
	c := r.byID[id]
	delete(r.byNick, key)
	delete(r.byID, id)
	return c, true
}

// Rename moves a client from one nick to another
func (r *Registry) Rename(from, to string) (dnsbl.Client, bool) {
	fromKey, toKey := Fold(from), Fold(to)

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byNick[fromKey]
	if !ok {
		return dnsbl.Client{}, false
	}
	c := r.byID[id]
	c.Nick = to
	r.byID[id] = c
	delete(r.byNick, fromKey)
	r.byNick[toKey] = id
	return c, true
}

// ByNick looks up a connected client
func (r *Registry) ByNick(nick string) (dnsbl.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byNick[Fold(nick)]
	if !ok {
		return dnsbl.Client{}, false
	}
	return r.byID[id], true
}

// Len returns the number of connected clients
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
