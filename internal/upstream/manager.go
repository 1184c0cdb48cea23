package upstream

import (
	"context"

	"github.com/1mcp-app/agent/internal/config"
	"github.com/1mcp-app/agent/internal/mcpserver"
	"github.com/1mcp-app/agent/pkg/logging"
)

// Manager owns the static entries of the Outbound Connections Map: it opens
// and removes static server connections. A connection whose connect attempt
// failed stays in the map in Error status; Sync does not retry it.
// Template-pool instances are added/removed by internal/pool instead, using
// the same Map.
type Manager struct {
	connMap *Map
}

func NewManager(connMap *Map) *Manager {
	return &Manager{connMap: connMap}
}

func (m *Manager) Map() *Map { return m.connMap }

// Sync reconciles the static connections (non-template server definitions)
// against the desired document: new entries are connected, removed entries
// are torn down, tags/filters/instructions are refreshed in place for
// entries that remain.
func (m *Manager) Sync(ctx context.Context, doc *config.Document) {
	desired := make(map[string]config.ServerDefinition)
	for _, def := range doc.Servers {
		if def.Template != nil {
			continue // materialised lazily by internal/pool
		}
		desired[def.Name] = def
	}

	for _, key := range m.connMap.Keys() {
		name, _, hasSuffix := SplitKey(key)
		if hasSuffix {
			continue // template instance, not owned by static sync
		}
		if _, ok := desired[name]; !ok {
			m.remove(key)
		}
	}

	for name, def := range desired {
		if existing, ok := m.connMap.Get(name); ok {
			existing.tags = def.Tags
			existing.instructions = def.Instructions
			existing.filters = filtersFromDefinition(def)
			continue
		}
		m.connect(ctx, name, def)
	}
}

func filtersFromDefinition(def config.ServerDefinition) Filters {
	return Filters{
		DisabledTools:     def.DisabledTools,
		EnabledTools:      def.EnabledTools,
		DisabledResources: def.DisabledResources,
		EnabledResources:  def.EnabledResources,
		DisabledPrompts:   def.DisabledPrompts,
		EnabledPrompts:    def.EnabledPrompts,
	}
}

func (m *Manager) connect(ctx context.Context, name string, def config.ServerDefinition) {
	conn := New(name, def.Tags, def.Instructions, filtersFromDefinition(def))
	conn.SetStatus(StatusConnecting)
	m.connMap.Store(name, conn)

	client, err := mcpserver.NewMCPClientFromType(def.Type, mcpserver.MCPClientConfig{
		Command: def.Command,
		Args:    def.Args,
		Env:     def.Env,
		URL:     def.URL,
		Headers: def.Headers,
	})
	if err != nil {
		logging.Error("Upstream", err, "failed to construct client for %s", name)
		conn.SetError(err)
		return
	}

	if err := client.Initialize(ctx); err != nil {
		logging.Error("Upstream", err, "failed to connect upstream %s", name)
		conn.SetError(err)
		return
	}

	conn.SetClient(client)
	conn.SetStatus(StatusConnected)
	logging.Info("Upstream", "connected upstream %s", name)
}

func (m *Manager) remove(key string) {
	conn, ok := m.connMap.Get(key)
	if !ok {
		return
	}
	m.connMap.Delete(key)
	if client := conn.Client(); client != nil {
		if err := client.Close(); err != nil {
			logging.Debug("Upstream", "error closing connection %s: %v", key, err)
		}
	}
	logging.Info("Upstream", "removed upstream %s", key)
}

// Shutdown closes every connection in the map.
func (m *Manager) Shutdown() {
	for _, key := range m.connMap.Keys() {
		m.remove(key)
	}
}

// PingAll pings every Connected upstream concurrently. Failures are logged;
// per §7 ping is a health probe that always succeeds regardless of
// individual failures.
func (m *Manager) PingAll(ctx context.Context) {
	conns := m.connMap.Snapshot()
	done := make(chan struct{}, len(conns))
	for key, conn := range conns {
		key, conn := key, conn
		go func() {
			defer func() { done <- struct{}{} }()
			if !conn.IsReady() {
				return
			}
			if err := conn.Client().Ping(ctx); err != nil {
				logging.Debug("Upstream", "ping failed for %s: %v", key, err)
			}
		}()
	}
	for range conns {
		<-done
	}
}
