// Package upstream implements the Outbound Connection lifecycle: the map of
// keyed connections to upstream MCP servers, their status transitions, and
// the enable/disable filter lists that the Capability Aggregator consults.
package upstream

import (
	"sync"
	"time"

	"github.com/1mcp-app/agent/internal/mcpserver"
)

// Status is the lifecycle state of an Outbound Connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	// StatusAwaitingOAuth is retained for data-model completeness; nothing in
	// this repository drives a connection into or out of this state.
	StatusAwaitingOAuth Status = "awaiting_oauth"
)

// Filters holds a server's per-capability allow/deny lists. An empty
// Enabled list means "no whitelist"; Enabled always wins over Disabled when
// both are non-empty.
type Filters struct {
	DisabledTools     []string
	EnabledTools      []string
	DisabledResources []string
	EnabledResources  []string
	DisabledPrompts   []string
	EnabledPrompts    []string
}

// Allows reports whether name survives this filter's whitelist/blacklist
// rule for the given capability's enabled/disabled lists.
func allows(name string, enabled, disabled []string) bool {
	if len(enabled) > 0 {
		for _, e := range enabled {
			if e == name {
				return true
			}
		}
		return false
	}
	if len(disabled) > 0 {
		for _, d := range disabled {
			if d == name {
				return false
			}
		}
	}
	return true
}

func (f Filters) AllowsTool(name string) bool {
	return allows(name, f.EnabledTools, f.DisabledTools)
}

func (f Filters) AllowsResource(uri string) bool {
	return allows(uri, f.EnabledResources, f.DisabledResources)
}

func (f Filters) AllowsPrompt(name string) bool {
	return allows(name, f.EnabledPrompts, f.DisabledPrompts)
}

// Connection is a single Outbound Connection: a named upstream MCP server,
// its live client/transport handle, and its current status.
type Connection struct {
	mu sync.RWMutex

	name          string
	status        Status
	client        mcpserver.MCPClient
	tags          []string
	instructions  string
	filters       Filters
	lastConnected time.Time
	lastErr       error
}

// New constructs a Connection in the Disconnected state.
func New(name string, tags []string, instructions string, filters Filters) *Connection {
	return &Connection{
		name:         name,
		status:       StatusDisconnected,
		tags:         tags,
		instructions: instructions,
		filters:      filters,
	}
}

func (c *Connection) Name() string { return c.name }

func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connection) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
	if s == StatusConnected {
		c.lastConnected = time.Now()
	}
}

func (c *Connection) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusError
	c.lastErr = err
}

func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Connection) LastConnected() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastConnected
}

func (c *Connection) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tags
}

func (c *Connection) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

func (c *Connection) Filters() Filters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filters
}

// Client returns the connected upstream client handle, or nil if not
// currently connected.
func (c *Connection) Client() mcpserver.MCPClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Connection) SetClient(client mcpserver.MCPClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
}

// IsReady reports whether this connection participates in capability
// aggregation (only Connected connections do, per the Outbound Connection
// invariant).
func (c *Connection) IsReady() bool {
	return c.Status() == StatusConnected
}
