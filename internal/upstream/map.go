package upstream

import (
	"sort"
	"strings"
	"sync"
)

// KeySep separates a connection's base name from its key suffix
// (renderedHash or sessionId) in the Outbound Connections Map.
const KeySep = ":"

// SplitKey splits a connection key into its base name and optional suffix.
// "name" -> ("name", "", false); "name:suffix" -> ("name", "suffix", true).
func SplitKey(key string) (name, suffix string, hasSuffix bool) {
	idx := strings.Index(key, KeySep)
	if idx < 0 {
		return key, "", false
	}
	return key[:idx], key[idx+1:], true
}

// Map is the Outbound Connections Map: a concurrency-safe mapping from
// connection key to Connection. The Connection Manager writes static
// entries and internal/pool writes template instances; readers get a
// consistent snapshot.
type Map struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewMap() *Map {
	return &Map{conns: make(map[string]*Connection)}
}

func (m *Map) Get(key string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[key]
	return c, ok
}

// Store inserts or replaces the connection at key. Invariant: at most one
// connection exists per key.
func (m *Map) Store(key string, c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[key] = c
}

func (m *Map) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, key)
}

// Snapshot returns a copy of the map's contents taken under the read lock.
// The copy is a Go map, so iteration order is not defined.
func (m *Map) Snapshot() map[string]*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Connection, len(m.conns))
	for k, v := range m.conns {
		out[k] = v
	}
	return out
}

// Keys returns the sorted list of all connection keys.
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.conns))
	for k := range m.conns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ResolveOutboundConnection implements §4.7.2's precedence: per-client
// template, then shareable template (via the session's rendered-hash
// record), then static server.
func (m *Map) ResolveOutboundConnection(name, sessionID string, sessionHashes map[string]string) (*Connection, string, bool) {
	if sessionID != "" {
		key := name + KeySep + sessionID
		if c, ok := m.Get(key); ok {
			return c, key, true
		}
	}
	if hash, ok := sessionHashes[name]; ok {
		key := name + KeySep + hash
		if c, ok := m.Get(key); ok {
			return c, key, true
		}
	}
	if c, ok := m.Get(name); ok {
		return c, name, true
	}
	return nil, "", false
}

// FilterConnectionsForSession returns the subset of keys visible to
// sessionID: static connections, this session's own per-client template
// instances, and shareable template instances this session currently uses.
func (m *Map) FilterConnectionsForSession(sessionID string, sessionHashes map[string]string) map[string]*Connection {
	all := m.Snapshot()
	out := make(map[string]*Connection)
	for key, conn := range all {
		name, suffix, hasSuffix := SplitKey(key)
		if !hasSuffix {
			out[key] = conn
			continue
		}
		if suffix == sessionID {
			out[key] = conn
			continue
		}
		if hash, ok := sessionHashes[name]; ok && hash == suffix {
			out[key] = conn
		}
	}
	return out
}
