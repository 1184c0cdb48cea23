// Package metatools implements the Lazy Loading Orchestrator and its three
// meta-tools (tool_list, tool_schema, tool_invoke): a tiny, stable surface
// that lets an inbound client discover and call thousands of upstream tools
// without the full catalogue ever appearing in its tool list.
package metatools

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/1mcp-app/agent/internal/naming"
	"github.com/1mcp-app/agent/internal/registry"
	"github.com/1mcp-app/agent/internal/schemacache"
	"github.com/1mcp-app/agent/internal/upstream"
	"github.com/1mcp-app/agent/pkg/logging"
	"github.com/1mcp-app/agent/pkg/mcperr"
	"github.com/mark3labs/mcp-go/mcp"
)

// Meta-tool names, fixed per SPEC_FULL.md §9's Open Question resolution.
const (
	ToolList   = "tool_list"
	ToolSchema = "tool_schema"
	ToolInvoke = "tool_invoke"
)

// ConnResolver resolves a server name to its live Outbound Connection, used
// by tool_invoke to check readiness and dispatch the call, and by the
// default schema loader to fetch a tool's full definition.
type ConnResolver func(server string) (*upstream.Connection, bool)

// PreloadConfig mirrors §4.6's preload options.
type PreloadConfig struct {
	Patterns []string
	Keywords []string
}

// Provider owns the Tool Registry, Schema Cache, and session-scoped
// allowed-server sets, and answers the three meta-tool calls.
type Provider struct {
	mu sync.RWMutex

	enabled      bool
	reg          *registry.Registry
	cache        *schemacache.Cache
	resolveConn  ConnResolver
	directExpose map[string]struct{}

	allowedServers map[string]map[string]struct{} // sessionID -> allowed server set; absent = unrestricted

	hitsAtLoad, missesAtLoad int64 // baseline for token-savings accounting
}

// New constructs a Provider. directExpose lists upstream tool names (bare,
// not prefixed) that bypass the meta layer and are listed directly
// alongside the three meta-tools, per §4.6.
func New(enabled bool, reg *registry.Registry, cache *schemacache.Cache, resolveConn ConnResolver, directExpose []string) *Provider {
	de := make(map[string]struct{}, len(directExpose))
	for _, n := range directExpose {
		de[n] = struct{}{}
	}
	return &Provider{
		enabled:        enabled,
		reg:            reg,
		cache:          cache,
		resolveConn:    resolveConn,
		directExpose:   de,
		allowedServers: make(map[string]map[string]struct{}),
	}
}

// Enabled reports whether lazy loading is active.
func (p *Provider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// UpdateRegistry swaps in a freshly aggregated Tool Registry, e.g. after a
// capability change.
func (p *Provider) UpdateRegistry(reg *registry.Registry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reg = reg
}

// SetAllowedServers restricts all three meta-tools to allowed for sessionID.
// A nil or empty set removes the restriction for that session.
func (p *Provider) SetAllowedServers(sessionID string, allowed map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(allowed) == 0 {
		delete(p.allowedServers, sessionID)
		return
	}
	p.allowedServers[sessionID] = allowed
}

func (p *Provider) scopedRegistry(sessionID string) *registry.Registry {
	p.mu.RLock()
	reg := p.reg
	allowed, restricted := p.allowedServers[sessionID]
	p.mu.RUnlock()
	if !restricted {
		return reg
	}
	return reg.FilterByServers(allowed)
}

// FilteredCapabilities is returned by GetCapabilitiesForFilteredServers: the
// meta-tool surface, the resources/prompts that survive the session's
// {server}{SEP} name-prefix filter, and the allowed server names.
type FilteredCapabilities struct {
	Tools     []string
	Resources []string
	Prompts   []string
	Servers   []string
}

// GetCapabilitiesForFilteredServers stores allowed under sessionID and
// returns a snapshot containing only meta-tools, the resource/prompt names
// that start with one of allowed's {server}{SEP} prefixes, and the server
// names in allowed.
func (p *Provider) GetCapabilitiesForFilteredServers(allowed map[string]struct{}, sessionID string, resourceNames, promptNames []string, sepPrefix func(server string) string) FilteredCapabilities {
	p.SetAllowedServers(sessionID, allowed)

	servers := make([]string, 0, len(allowed))
	for s := range allowed {
		servers = append(servers, s)
	}

	filterByPrefix := func(names []string) []string {
		out := make([]string, 0, len(names))
		for _, n := range names {
			for s := range allowed {
				if strings.HasPrefix(n, sepPrefix(s)) {
					out = append(out, n)
					break
				}
			}
		}
		return out
	}

	return FilteredCapabilities{
		Tools:     []string{ToolList, ToolSchema, ToolInvoke},
		Resources: filterByPrefix(resourceNames),
		Prompts:   filterByPrefix(promptNames),
		Servers:   servers,
	}
}

// ToolListRequest / Result mirror the tool_list meta-tool's declared
// input/output shape.
type ToolListRequest struct {
	Server  string `json:"server,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Cursor  string `json:"cursor,omitempty"`
}

type ToolListResult struct {
	Tools      []registry.ToolMetadata `json:"tools"`
	TotalCount int                     `json:"totalCount"`
	Servers    []string                `json:"servers"`
	HasMore    bool                    `json:"hasMore"`
	NextCursor string                  `json:"nextCursor,omitempty"`
	Error      *mcperr.Error           `json:"error,omitempty"`
}

// ToolList answers the tool_list meta-tool, scoped by sessionID's allowed
// server set if one has been stored.
func (p *Provider) ToolList(sessionID string, req ToolListRequest) ToolListResult {
	reg := p.scopedRegistry(sessionID)
	res := reg.ListTools(registry.ListParams{
		Server:  req.Server,
		Pattern: req.Pattern,
		Tag:     req.Tag,
		Limit:   req.Limit,
		Cursor:  req.Cursor,
	})
	return ToolListResult{
		Tools:      res.Tools,
		TotalCount: res.TotalCount,
		Servers:    res.Servers,
		HasMore:    res.HasMore,
		NextCursor: res.NextCursor,
	}
}

// SchemaRequest / Result mirror the tool_schema meta-tool.
type SchemaRequest struct {
	Server   string `json:"server"`
	ToolName string `json:"toolName"`
}

type SchemaResult struct {
	Schema    any           `json:"schema,omitempty"`
	FromCache bool          `json:"fromCache"`
	Error     *mcperr.Error `json:"error,omitempty"`
}

// ToolSchema answers the tool_schema meta-tool per §4.6's lookup order.
func (p *Provider) ToolSchema(ctx context.Context, sessionID string, req SchemaRequest) SchemaResult {
	reg := p.scopedRegistry(sessionID)
	if !reg.HasTool(req.Server, req.ToolName) {
		return SchemaResult{Error: mcperr.NotFoundf("Tool not found: %s:%s", req.Server, req.ToolName)}
	}

	loader := p.defaultLoader()
	if loader == nil {
		// No loader to fall back to on a miss: the cache is the only
		// source, so a plain GetIfCached is the single lookup here too.
		if schema, ok := p.cache.GetIfCached(req.Server, req.ToolName); ok {
			return SchemaResult{Schema: schema, FromCache: true}
		}
		return SchemaResult{Error: mcperr.Internalf("no schema loader configured")}
	}

	// GetDetailed is the single cache entry point for this request: it
	// reports hit/miss through the same counters a separate GetIfCached
	// probe would, so a cold fetch registers exactly one miss rather than
	// one from a preliminary probe plus another from Get's own fast path.
	schema, fromCache, err := p.cache.GetDetailed(ctx, req.Server, req.ToolName, loader)
	if err != nil {
		return SchemaResult{Error: mcperr.Upstreamf("failed to load schema for %s:%s: %v", req.Server, req.ToolName, err)}
	}
	return SchemaResult{Schema: schema, FromCache: fromCache}
}

// InvokeRequest / Result mirror the tool_invoke meta-tool.
type InvokeRequest struct {
	Server   string                 `json:"server"`
	ToolName string                 `json:"toolName"`
	Args     map[string]interface{} `json:"args"`
}

type InvokeResult struct {
	Result any           `json:"result,omitempty"`
	Server string        `json:"server"`
	Tool   string        `json:"tool"`
	Error  *mcperr.Error `json:"error,omitempty"`
}

var notFoundPattern = regexp.MustCompile(`(?i)tool not found|unknown tool|no such tool`)

// ToolInvoke answers the tool_invoke meta-tool per §4.6.
func (p *Provider) ToolInvoke(ctx context.Context, sessionID string, req InvokeRequest) InvokeResult {
	out := InvokeResult{Server: req.Server, Tool: req.ToolName}

	if req.Server == "" || req.ToolName == "" {
		out.Error = mcperr.Validationf("server and toolName are required")
		return out
	}

	reg := p.scopedRegistry(sessionID)
	if !reg.HasTool(req.Server, req.ToolName) {
		out.Error = mcperr.NotFoundf("Tool not found: %s:%s (session scope)", req.Server, req.ToolName)
		return out
	}

	conn, ok := p.resolveConn(req.Server)
	if !ok || !conn.IsReady() {
		out.Error = mcperr.Upstreamf("not connected")
		return out
	}

	result, err := conn.Client().CallTool(ctx, req.ToolName, req.Args)
	if err != nil {
		if notFoundPattern.MatchString(err.Error()) {
			out.Error = mcperr.NotFoundf("Tool not found: %s:%s", req.Server, req.ToolName)
		} else {
			out.Error = mcperr.Upstreamf("%v", err)
		}
		return out
	}
	out.Result = result
	return out
}

func (p *Provider) defaultLoader() schemacache.Loader {
	return func(ctx context.Context, server, tool string) (any, error) {
		conn, ok := p.resolveConn(server)
		if !ok || !conn.IsReady() {
			return nil, fmt.Errorf("server %s not connected", server)
		}
		tools, err := conn.Client().ListTools(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range tools {
			if t.Name == tool {
				return t.InputSchema, nil
			}
		}
		return nil, fmt.Errorf("tool not found: %s:%s", server, tool)
	}
}

// Preload eagerly loads into the Schema Cache every tool whose server name
// matches one of cfg.Patterns (glob) or whose name contains one of
// cfg.Keywords (substring). Glob compile failures are logged and skipped
// without aborting the rest of preload.
func (p *Provider) Preload(ctx context.Context, cfg PreloadConfig) {
	p.mu.RLock()
	reg := p.reg
	p.mu.RUnlock()
	if reg == nil {
		return
	}

	all := reg.ListTools(registry.ListParams{})
	loader := p.defaultLoader()

	for _, t := range all.Tools {
		if !matchesPreload(t, cfg) {
			continue
		}
		if _, err := p.cache.Get(ctx, t.Server, t.Name, loader); err != nil {
			logging.Debug("Metatools", "preload failed for %s:%s: %v", t.Server, t.Name, err)
		}
	}
}

func matchesPreload(t registry.ToolMetadata, cfg PreloadConfig) bool {
	for _, pattern := range cfg.Patterns {
		ok, err := path.Match(pattern, t.Server)
		if err != nil {
			logging.Warn("Metatools", "invalid preload pattern %q: %v", pattern, err)
			continue
		}
		if ok {
			return true
		}
	}
	for _, kw := range cfg.Keywords {
		if kw != "" && strings.Contains(t.Name, kw) {
			return true
		}
	}
	return false
}

// Stats mirrors §4.6's statistics response.
type Stats struct {
	Enabled             bool
	RegisteredToolCount int
	LoadedToolCount     int64
	CachedToolCount     int
	CacheHitRate        float64
	TokenSavings        TokenSavings
	CoalescedRequests   int64
	Evictions           int64
}

// TokenSavings is a heuristic estimate (≈4 characters per token) of how
// much prompt budget lazy loading avoids spending on the full catalogue.
type TokenSavings struct {
	CurrentTokens     int
	FullLoadTokens    int
	SavedTokens       int
	SavingsPercentage float64
}

const approxCharsPerToken = 4

func estimateTokens(n int) int {
	return n / approxCharsPerToken
}

// GetStats computes the current lazy-loading statistics.
func (p *Provider) GetStats() Stats {
	p.mu.RLock()
	reg := p.reg
	enabled := p.enabled
	p.mu.RUnlock()

	all := reg.ListTools(registry.ListParams{})
	fullChars := 0
	for _, t := range all.Tools {
		fullChars += len(t.Server) + len(t.Name) + len(t.Description)
	}

	cacheStats := p.cache.GetStats()
	currentChars := len(ToolList) + len(ToolSchema) + len(ToolInvoke)
	// Each currently cached schema's rough contribution: the tool's
	// catalogue entry size, since that is what a client would otherwise
	// have needed up front.
	currentChars += fullChars * cacheStats.Size / max(len(all.Tools), 1)

	fullTokens := estimateTokens(fullChars)
	currentTokens := estimateTokens(currentChars)
	saved := fullTokens - currentTokens
	if saved < 0 {
		saved = 0
	}
	pct := 0.0
	if fullTokens > 0 {
		pct = float64(saved) / float64(fullTokens) * 100
	}

	return Stats{
		Enabled:             enabled,
		RegisteredToolCount: len(all.Tools),
		LoadedToolCount:     cacheStats.Hits + cacheStats.Misses,
		CachedToolCount:     cacheStats.Size,
		CacheHitRate:        cacheStats.HitRate(),
		TokenSavings: TokenSavings{
			CurrentTokens:     currentTokens,
			FullLoadTokens:    fullTokens,
			SavedTokens:       saved,
			SavingsPercentage: pct,
		},
		CoalescedRequests: cacheStats.CoalescedRequests,
		Evictions:         cacheStats.Evictions,
	}
}

// ServerTools returns the mcp.Tool definitions of the three meta-tools plus
// any direct-expose tools; callers wrap them into server.ServerTool
// registrations or use them in a WithToolFilter composition.
func (p *Provider) ServerTools() []mcp.Tool {
	tools := p.metaTools()
	tools = append(tools, p.directExposeTools()...)
	return tools
}

// directExposeTools returns the registry entries whose bare name was
// configured as a direct-expose tool (§4.6: tools that bypass the meta
// layer), prefixed per the usual {server}{SEP}{name} URI scheme so they
// dispatch through the router's ordinary single-target path rather than
// dispatchMetaTool.
func (p *Provider) directExposeTools() []mcp.Tool {
	p.mu.RLock()
	reg := p.reg
	direct := p.directExpose
	p.mu.RUnlock()

	if reg == nil || len(direct) == 0 {
		return nil
	}

	var out []mcp.Tool
	for _, t := range reg.ListTools(registry.ListParams{}).Tools {
		if _, ok := direct[t.Name]; !ok {
			continue
		}
		out = append(out, mcp.Tool{
			Name:        naming.Prefix(t.Server, t.Name),
			Description: t.Description,
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		})
	}
	return out
}

func (p *Provider) metaTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        ToolList,
			Description: "List upstream tools available through this gateway, optionally filtered by server, name glob pattern, or tag.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"server":  map[string]interface{}{"type": "string"},
					"pattern": map[string]interface{}{"type": "string"},
					"tag":     map[string]interface{}{"type": "string"},
					"limit":   map[string]interface{}{"type": "number"},
				},
			},
		},
		{
			Name:        ToolSchema,
			Description: "Fetch the full input schema for one upstream tool.",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]interface{}{"server": map[string]interface{}{"type": "string"}, "toolName": map[string]interface{}{"type": "string"}},
				Required:   []string{"server", "toolName"},
			},
		},
		{
			Name:        ToolInvoke,
			Description: "Invoke one upstream tool by server and tool name.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"server":   map[string]interface{}{"type": "string"},
					"toolName": map[string]interface{}{"type": "string"},
					"args":     map[string]interface{}{"type": "object"},
				},
				Required: []string{"server", "toolName"},
			},
		},
	}
}
