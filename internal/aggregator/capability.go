// Package aggregator implements the Capability Aggregator and the
// Instruction Aggregator: merging many upstream connections' tool,
// resource, and prompt lists into one deduplicated, filtered, change-
// tracked snapshot, and rendering per-server instructions into one
// educational preamble for the inbound session.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/1mcp-app/agent/internal/upstream"
	"github.com/1mcp-app/agent/pkg/logging"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// ToolEntry, ResourceEntry and PromptEntry carry the origin server alongside
// the upstream-native MCP type so the Request Handler can prefix names and
// route calls back to the right connection.
type ToolEntry struct {
	Server string
	Tool   mcp.Tool
}

type ResourceEntry struct {
	Server   string
	Resource mcp.Resource
}

type PromptEntry struct {
	Server string
	Prompt mcp.Prompt
}

// Snapshot is the Aggregated Capabilities Snapshot of §3: tool names,
// resource URIs, and prompt names are each unique within it.
type Snapshot struct {
	Tools        []ToolEntry
	Resources    []ResourceEntry
	Prompts      []PromptEntry
	ReadyServers []string
	Timestamp    time.Time
}

// ChangeSet is returned by UpdateCapabilities, flagging which capability
// kinds differ from the previous snapshot.
type ChangeSet struct {
	HasChanges       bool
	ToolsChanged     bool
	ResourcesChanged bool
	PromptsChanged   bool
	Current          Snapshot
}

// ConnSource abstracts the connections an Aggregator iterates, letting
// tests substitute a small fixed map without building a real upstream.Map.
type ConnSource interface {
	Snapshot() map[string]*upstream.Connection
}

// Aggregator maintains and refreshes the Aggregated Capabilities Snapshot
// over the connections currently visible to it.
type Aggregator struct {
	source ConnSource

	mu       sync.RWMutex
	previous Snapshot
}

func New(source ConnSource) *Aggregator {
	return &Aggregator{source: source}
}

type fetchResult struct {
	name      string
	tools     []mcp.Tool
	resources []mcp.Resource
	prompts   []mcp.Prompt
}

// Aggregate runs §4.3's algorithm over conns and returns the resulting
// snapshot, without touching any Aggregator's change-tracking state. It is
// exported for the Request Handler and Lazy Orchestrator to compute
// session-scoped or ad-hoc views using the identical merge/dedup/filter
// rules.
func Aggregate(ctx context.Context, conns map[string]*upstream.Connection) Snapshot {
	names := make([]string, 0, len(conns))
	for key, c := range conns {
		if c.IsReady() {
			names = append(names, key)
		}
	}
	sort.Strings(names)

	results := make([]fetchResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range names {
		i, key := i, key
		conn := conns[key]
		g.Go(func() error {
			results[i] = fetchOne(gctx, key, conn)
			return nil
		})
	}
	_ = g.Wait() // fetchOne never returns an error; per-capability failures are logged and treated as empty.

	var (
		tools     []ToolEntry
		resources []ResourceEntry
		prompts   []PromptEntry
		seenTool  = make(map[string]struct{})
		seenRes   = make(map[string]struct{})
		seenProm  = make(map[string]struct{})
	)

	for _, r := range results {
		conn := conns[r.name]
		filters := conn.Filters()
		for _, tool := range r.tools {
			if !filters.AllowsTool(tool.Name) {
				continue
			}
			if _, dup := seenTool[tool.Name]; dup {
				continue
			}
			seenTool[tool.Name] = struct{}{}
			tools = append(tools, ToolEntry{Server: r.name, Tool: tool})
		}
		for _, res := range r.resources {
			if !filters.AllowsResource(res.URI) {
				continue
			}
			if _, dup := seenRes[res.URI]; dup {
				continue
			}
			seenRes[res.URI] = struct{}{}
			resources = append(resources, ResourceEntry{Server: r.name, Resource: res})
		}
		for _, p := range r.prompts {
			if !filters.AllowsPrompt(p.Name) {
				continue
			}
			if _, dup := seenProm[p.Name]; dup {
				continue
			}
			seenProm[p.Name] = struct{}{}
			prompts = append(prompts, PromptEntry{Server: r.name, Prompt: p})
		}
	}

	return Snapshot{
		Tools:        tools,
		Resources:    resources,
		Prompts:      prompts,
		ReadyServers: names,
		Timestamp:    time.Now(),
	}
}

func fetchOne(ctx context.Context, name string, conn *upstream.Connection) fetchResult {
	out := fetchResult{name: name}

	client := conn.Client()
	if client == nil {
		return out
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		logging.Debug("Aggregator", "list tools failed for %s: %v", name, err)
	} else {
		out.tools = tools
	}

	resources, err := client.ListResources(ctx)
	if err != nil {
		logging.Debug("Aggregator", "list resources failed for %s: %v", name, err)
	} else {
		out.resources = resources
	}

	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		logging.Debug("Aggregator", "list prompts failed for %s: %v", name, err)
	} else {
		out.prompts = prompts
	}

	return out
}

func toolNames(entries []ToolEntry) map[string]struct{} {
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		out[e.Tool.Name] = struct{}{}
	}
	return out
}

func resourceURIs(entries []ResourceEntry) map[string]struct{} {
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		out[e.Resource.URI] = struct{}{}
	}
	return out
}

func promptNames(entries []PromptEntry) map[string]struct{} {
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		out[e.Prompt.Name] = struct{}{}
	}
	return out
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// UpdateCapabilities recomputes the snapshot from the aggregator's live
// connection source and diffs it against the previous one.
func (a *Aggregator) UpdateCapabilities(ctx context.Context) ChangeSet {
	current := Aggregate(ctx, a.source.Snapshot())

	a.mu.Lock()
	previous := a.previous
	a.previous = current
	a.mu.Unlock()

	cs := ChangeSet{
		Current:          current,
		ToolsChanged:     !setsEqual(toolNames(previous.Tools), toolNames(current.Tools)),
		ResourcesChanged: !setsEqual(resourceURIs(previous.Resources), resourceURIs(current.Resources)),
		PromptsChanged:   !setsEqual(promptNames(previous.Prompts), promptNames(current.Prompts)),
	}
	cs.HasChanges = cs.ToolsChanged || cs.ResourcesChanged || cs.PromptsChanged
	return cs
}

// GetCurrentCapabilities returns the last computed snapshot without
// recomputing it.
func (a *Aggregator) GetCurrentCapabilities() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.previous
}

// RefreshCapabilities recomputes and returns the new snapshot, discarding
// the change-set.
func (a *Aggregator) RefreshCapabilities(ctx context.Context) Snapshot {
	return a.UpdateCapabilities(ctx).Current
}

// GetCapabilitiesSummary renders a short human-readable summary of the
// current snapshot, suitable for startup logs or a status command.
func (a *Aggregator) GetCapabilitiesSummary() string {
	s := a.GetCurrentCapabilities()
	return fmt.Sprintf("%d tool(s), %d resource(s), %d prompt(s) across %d ready server(s)",
		len(s.Tools), len(s.Resources), len(s.Prompts), len(s.ReadyServers))
}
