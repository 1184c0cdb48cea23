// Package router implements the Request Handler layer: composing the
// per-session connection filters (session scope, capability, tag filter),
// dispatching list-style verbs across the effective connection set with
// name/uri prefixing, and resolving single-target verbs to exactly one
// upstream connection via the composite URI scheme.
package router

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/1mcp-app/agent/internal/filtering"
	"github.com/1mcp-app/agent/internal/mcpserver"
	"github.com/1mcp-app/agent/internal/metatools"
	"github.com/1mcp-app/agent/internal/naming"
	"github.com/1mcp-app/agent/internal/pool"
	"github.com/1mcp-app/agent/internal/upstream"
	"github.com/1mcp-app/agent/pkg/logging"
	"github.com/1mcp-app/agent/pkg/mcperr"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// defaultPageSize is used when a session enables pagination but does not
// request a specific page size.
const defaultPageSize = 50

// Session is the subset of an Inbound Connection's attributes the router
// needs to compute one request's effective connection set.
type Session struct {
	ID           string
	FilterConfig filtering.SessionConfig

	// EnablePagination and the fields below mirror §4.7.1: when set, the
	// fan-out list verbs return a page of at most PageSize items (per
	// Cursor's resume position) instead of the full concatenated set.
	EnablePagination bool
	Cursor           string
	PageSize         int
}

// Router is the Request Handler: it has no state of its own beyond its
// collaborators, all of which own their own concurrency control.
type Router struct {
	connMap    *upstream.Map
	filterSvc  *filtering.Service
	hashSource func(sessionID string) map[string]string
	meta       *metatools.Provider
	lazy       bool
}

// New builds a Router. hashes supplies each session's rendered-hash map
// (typically pool.Pool.HashesForSession); meta is nil if the internal
// meta-tool provider is not wired for this deployment.
func New(connMap *upstream.Map, filterSvc *filtering.Service, hashes func(sessionID string) map[string]string, meta *metatools.Provider, lazy bool) *Router {
	return &Router{connMap: connMap, filterSvc: filterSvc, hashSource: hashes, meta: meta, lazy: lazy}
}

// NewWithPool is a convenience constructor sourcing the rendered-hash map
// from a Template Instance Pool.
func NewWithPool(connMap *upstream.Map, filterSvc *filtering.Service, p *pool.Pool, meta *metatools.Provider, lazy bool) *Router {
	return New(connMap, filterSvc, p.HashesForSession, meta, lazy)
}

// EffectiveConnections computes §4.7 step 2: filterForSession, then the
// required-capability predicate, then the Filtering Service's tag rules.
func (r *Router) EffectiveConnections(sess Session, required func(*upstream.Connection) bool) map[string]*upstream.Connection {
	hashes := map[string]string{}
	if r.hashSource != nil {
		hashes = r.hashSource(sess.ID)
	}
	scoped := r.connMap.FilterConnectionsForSession(sess.ID, hashes)

	byCapability := make(map[string]*upstream.Connection, len(scoped))
	for k, c := range scoped {
		if !c.IsReady() {
			continue
		}
		if required != nil && !required(c) {
			continue
		}
		byCapability[k] = c
	}

	return filtering.GetFilteredConnections(r.filterSvc, byCapability, sess.FilterConfig)
}

// resolve implements §4.7.2's resolveOutboundConnection, splitting an
// inbound composite name into (connectionKey, innerName) and looking up the
// live connection through the session's rendered-hash map.
func (r *Router) resolve(sess Session, connName string) (*upstream.Connection, bool) {
	hashes := map[string]string{}
	if r.hashSource != nil {
		hashes = r.hashSource(sess.ID)
	}
	conn, _, ok := r.connMap.ResolveOutboundConnection(connName, sess.ID, hashes)
	return conn, ok
}

func requiresTools(c *upstream.Connection) bool    { return c.Client() != nil }
func requiresResources(c *upstream.Connection) bool { return c.Client() != nil }
func requiresPrompts(c *upstream.Connection) bool   { return c.Client() != nil }

// ListTools implements the "list tools" verb. In lazy mode, only the three
// meta-tools plus any direct-expose tools (Provider.ServerTools) are
// returned; no internal `1mcp` tools are listed, and the rest of the
// upstream catalogue is reachable only through tool_list/tool_invoke.
//
// Per §4.7.1, when sess.EnablePagination is unset this concatenates every
// connection's tools and returns an empty nextCursor; when set it returns at
// most one page and a composite cursor a follow-up call (with that cursor
// set as sess.Cursor) can decode to continue.
func (r *Router) ListTools(ctx context.Context, sess Session) ([]mcp.Tool, string, error) {
	if r.lazy && r.meta != nil {
		return r.meta.ServerTools(), "", nil
	}

	conns := r.EffectiveConnections(sess, requiresTools)
	names := sortedKeys(conns)

	fetched := make(map[string][]mcp.Tool, len(names))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name, conn := name, conns[name]
		g.Go(func() error {
			tools, err := conn.Client().ListTools(gctx)
			if err != nil {
				logging.Debug("Router", "list tools failed for %s: %v", name, err)
				return nil
			}
			filters := conn.Filters()
			out := make([]mcp.Tool, 0, len(tools))
			for _, t := range tools {
				if !filters.AllowsTool(t.Name) {
					continue
				}
				t.Name = naming.Prefix(name, t.Name)
				out = append(out, t)
			}
			mu.Lock()
			fetched[name] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	items, next := paginate(names, fetched, sess.EnablePagination, sess.Cursor, sess.PageSize)
	return items, next, nil
}

// CallTool implements the "call tool" verb: unprefixed meta-tool names route
// to the Lazy Loading Orchestrator directly, and all other names resolve
// through the composite URI scheme to exactly one upstream connection.
// `1mcp`-prefixed names get no special routing: they resolve like any other
// connection name and fail unless a connection with that key exists.
func (r *Router) CallTool(ctx context.Context, sess Session, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if r.lazy && r.meta != nil && isMetaToolName(name) {
		return r.dispatchMetaTool(ctx, sess, name, args)
	}

	connName, inner, ok := naming.Parse(name)
	if !ok {
		if r.lazy {
			return nil, mcperr.NotFoundf("Tool not found: %s", name)
		}
		connName, inner = name, name
	}

	conn, ok := r.resolve(sess, connName)
	if !ok || !conn.IsReady() {
		return nil, mcperr.Upstreamf("connection %q not available", connName)
	}
	if !conn.Filters().AllowsTool(inner) {
		return nil, mcperr.NotFoundf("Tool not found: %s", name)
	}
	return conn.Client().CallTool(ctx, inner, args)
}

func isMetaToolName(name string) bool {
	return name == metatools.ToolList || name == metatools.ToolSchema || name == metatools.ToolInvoke
}

// dispatchMetaTool maps the three fixed meta-tool names onto their Provider
// methods, translating argument maps by the shapes declared in
// Provider.ServerTools' input schemas.
func (r *Router) dispatchMetaTool(ctx context.Context, sess Session, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	switch name {
	case metatools.ToolList:
		req := metatools.ToolListRequest{
			Server:  stringArg(args, "server"),
			Pattern: stringArg(args, "pattern"),
			Tag:     stringArg(args, "tag"),
			Cursor:  stringArg(args, "cursor"),
		}
		if v, ok := args["limit"].(float64); ok {
			req.Limit = int(v)
		}
		res := r.meta.ToolList(sess.ID, req)
		return textResult(res), nil
	case metatools.ToolSchema:
		res := r.meta.ToolSchema(ctx, sess.ID, metatools.SchemaRequest{
			Server:   stringArg(args, "server"),
			ToolName: stringArg(args, "toolName"),
		})
		if res.Error != nil {
			return mcp.NewToolResultError(res.Error.Message), nil
		}
		return textResult(res), nil
	case metatools.ToolInvoke:
		innerArgs, _ := args["args"].(map[string]interface{})
		res := r.meta.ToolInvoke(ctx, sess.ID, metatools.InvokeRequest{
			Server:   stringArg(args, "server"),
			ToolName: stringArg(args, "toolName"),
			Args:     innerArgs,
		})
		if res.Error != nil {
			return mcp.NewToolResultError(res.Error.Message), nil
		}
		return textResult(res), nil
	default:
		return nil, mcperr.NotFoundf("Tool not found: %s", name)
	}
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func textResult(v any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("%+v", v))}}
}

// ListResources implements the "list resources" verb, paginating per
// §4.7.1 exactly as ListTools does.
func (r *Router) ListResources(ctx context.Context, sess Session) ([]mcp.Resource, string, error) {
	conns := r.EffectiveConnections(sess, requiresResources)
	names := sortedKeys(conns)

	fetched := make(map[string][]mcp.Resource, len(names))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name, conn := name, conns[name]
		g.Go(func() error {
			resources, err := conn.Client().ListResources(gctx)
			if err != nil {
				logging.Debug("Router", "list resources failed for %s: %v", name, err)
				return nil
			}
			filters := conn.Filters()
			out := make([]mcp.Resource, 0, len(resources))
			for _, res := range resources {
				if !filters.AllowsResource(res.URI) {
					continue
				}
				res.URI = naming.PrefixURI(name, res.URI)
				out = append(out, res)
			}
			mu.Lock()
			fetched[name] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	items, next := paginate(names, fetched, sess.EnablePagination, sess.Cursor, sess.PageSize)
	return items, next, nil
}

// ListResourceTemplates implements the "list resource templates" verb,
// paginating per §4.7.1 exactly as ListTools does.
func (r *Router) ListResourceTemplates(ctx context.Context, sess Session) ([]mcp.ResourceTemplate, string, error) {
	conns := r.EffectiveConnections(sess, requiresResources)
	names := sortedKeys(conns)

	fetched := make(map[string][]mcp.ResourceTemplate, len(names))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name, conn := name, conns[name]
		g.Go(func() error {
			templates, err := conn.Client().ListResourceTemplates(gctx)
			if err != nil {
				logging.Debug("Router", "list resource templates failed for %s: %v", name, err)
				return nil
			}
			out := make([]mcp.ResourceTemplate, len(templates))
			for j, t := range templates {
				t.URITemplate = mcp.NewURITemplate(naming.PrefixURI(name, t.URITemplate.Raw()))
				out[j] = t
			}
			mu.Lock()
			fetched[name] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	items, next := paginate(names, fetched, sess.EnablePagination, sess.Cursor, sess.PageSize)
	return items, next, nil
}

// ReadResource implements the "read resource" verb: resolves one
// connection by stripping the uri's prefix and re-prefixes any nested
// content uris in the result.
func (r *Router) ReadResource(ctx context.Context, sess Session, uri string) (*mcp.ReadResourceResult, error) {
	connName, inner, ok := naming.Parse(uri)
	if !ok {
		return nil, mcperr.NotFoundf("Resource not found: %s", uri)
	}

	conn, ok := r.resolve(sess, connName)
	if !ok || !conn.IsReady() {
		return nil, mcperr.Upstreamf("connection %q not available", connName)
	}
	if !conn.Filters().AllowsResource(inner) {
		return nil, mcperr.NotFoundf("Resource not found: %s", uri)
	}

	result, err := conn.Client().ReadResource(ctx, inner)
	if err != nil {
		return nil, mcperr.Upstreamf("%v", err)
	}

	for i, content := range result.Contents {
		switch c := content.(type) {
		case mcp.TextResourceContents:
			c.URI = naming.PrefixURI(connName, c.URI)
			result.Contents[i] = c
		case mcp.BlobResourceContents:
			c.URI = naming.PrefixURI(connName, c.URI)
			result.Contents[i] = c
		}
	}
	return result, nil
}

// Subscribe implements the "subscribe" verb.
func (r *Router) Subscribe(ctx context.Context, sess Session, uri string) error {
	connName, inner, ok := naming.Parse(uri)
	if !ok {
		return mcperr.NotFoundf("Resource not found: %s", uri)
	}
	conn, ok := r.resolve(sess, connName)
	if !ok || !conn.IsReady() {
		return mcperr.Upstreamf("connection %q not available", connName)
	}
	return conn.Client().Subscribe(ctx, inner)
}

// Unsubscribe implements the "unsubscribe" verb.
func (r *Router) Unsubscribe(ctx context.Context, sess Session, uri string) error {
	connName, inner, ok := naming.Parse(uri)
	if !ok {
		return mcperr.NotFoundf("Resource not found: %s", uri)
	}
	conn, ok := r.resolve(sess, connName)
	if !ok || !conn.IsReady() {
		return mcperr.Upstreamf("connection %q not available", connName)
	}
	return conn.Client().Unsubscribe(ctx, inner)
}

// ListPrompts implements the "list prompts" verb, paginating per §4.7.1
// exactly as ListTools does.
func (r *Router) ListPrompts(ctx context.Context, sess Session) ([]mcp.Prompt, string, error) {
	conns := r.EffectiveConnections(sess, requiresPrompts)
	names := sortedKeys(conns)

	fetched := make(map[string][]mcp.Prompt, len(names))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name, conn := name, conns[name]
		g.Go(func() error {
			prompts, err := conn.Client().ListPrompts(gctx)
			if err != nil {
				logging.Debug("Router", "list prompts failed for %s: %v", name, err)
				return nil
			}
			filters := conn.Filters()
			out := make([]mcp.Prompt, 0, len(prompts))
			for _, p := range prompts {
				if !filters.AllowsPrompt(p.Name) {
					continue
				}
				p.Name = naming.Prefix(name, p.Name)
				out = append(out, p)
			}
			mu.Lock()
			fetched[name] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	items, next := paginate(names, fetched, sess.EnablePagination, sess.Cursor, sess.PageSize)
	return items, next, nil
}

// GetPrompt implements the "get prompt" verb.
func (r *Router) GetPrompt(ctx context.Context, sess Session, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	connName, inner, ok := naming.Parse(name)
	if !ok {
		return nil, mcperr.NotFoundf("Prompt not found: %s", name)
	}
	conn, ok := r.resolve(sess, connName)
	if !ok || !conn.IsReady() {
		return nil, mcperr.Upstreamf("connection %q not available", connName)
	}
	if !conn.Filters().AllowsPrompt(inner) {
		return nil, mcperr.NotFoundf("Prompt not found: %s", name)
	}
	return conn.Client().GetPrompt(ctx, inner, args)
}

// Complete implements the "complete" verb: the reference's Name (for
// ref/prompt) or URI (for ref/resource) carries the composite prefix that
// identifies the target connection.
func (r *Router) Complete(ctx context.Context, sess Session, ref mcpserver.Reference, argName, argValue string) (*mcp.CompleteResult, error) {
	var composite string
	switch ref.Type {
	case "ref/prompt":
		composite = ref.Name
	case "ref/resource":
		composite = ref.URI
	default:
		return nil, mcperr.Validationf("unsupported reference type: %s", ref.Type)
	}

	connName, inner, ok := naming.Parse(composite)
	if !ok {
		return nil, mcperr.NotFoundf("reference not found: %s", composite)
	}
	conn, ok := r.resolve(sess, connName)
	if !ok || !conn.IsReady() {
		return nil, mcperr.Upstreamf("connection %q not available", connName)
	}

	innerRef := ref
	switch ref.Type {
	case "ref/prompt":
		innerRef.Name = inner
	case "ref/resource":
		innerRef.URI = inner
	}
	return conn.Client().Complete(ctx, innerRef, argName, argValue)
}

// Ping pings every Connected upstream concurrently. Failures are logged;
// Ping itself always succeeds, matching §4.7.3's "always returns success".
func (r *Router) Ping(ctx context.Context) {
	conns := r.connMap.Snapshot()
	var wg errgroup.Group
	for name, conn := range conns {
		name, conn := name, conn
		if !conn.IsReady() {
			continue
		}
		wg.Go(func() error {
			if err := conn.Client().Ping(ctx); err != nil {
				logging.Debug("Router", "ping failed for %s: %v", name, err)
			}
			return nil
		})
	}
	_ = wg.Wait()
}

func sortedKeys(m map[string]*upstream.Connection) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// compositeCursor is the per-connection resume state §4.7.1 describes:
// how many items of each connection's (already fully fetched) list have
// already been surfaced to the caller.
type compositeCursor struct {
	offsets map[string]int
}

// decodeCompositeCursor parses an opaque cursor produced by encode. An
// empty or unparseable cursor decodes to an empty state, i.e. "start from
// the beginning of every connection" — matching how an absent cursor is
// handled elsewhere in this codebase (e.g. registry.ListTools's Cursor).
func decodeCompositeCursor(s string) compositeCursor {
	cur := compositeCursor{offsets: map[string]int{}}
	if s == "" {
		return cur
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cur
	}
	for _, part := range strings.Split(string(raw), ",") {
		if part == "" {
			continue
		}
		// Split on the last ':' since connection keys such as "name:hash"
		// contain ':' themselves.
		idx := strings.LastIndex(part, ":")
		if idx < 0 {
			continue
		}
		offset, err := strconv.Atoi(part[idx+1:])
		if err != nil || offset < 0 {
			continue
		}
		cur.offsets[part[:idx]] = offset
	}
	return cur
}

func (c compositeCursor) offsetFor(name string) int {
	return c.offsets[name]
}

// encode renders the cursor as a stable, opaque token: connection names in
// sorted order, so two encodes of the same logical state always produce the
// same string.
func (c compositeCursor) encode() string {
	if len(c.offsets) == 0 {
		return ""
	}
	names := make([]string, 0, len(c.offsets))
	for name := range c.offsets {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(c.offsets[name]))
	}
	return base64.RawURLEncoding.EncodeToString([]byte(b.String()))
}

// paginate implements §4.7.1's handlePagination over an already-fetched,
// already-filtered-and-prefixed per-connection item set: concatenate
// everything when pagination is disabled (nextCursor always empty), or
// slice a single page bounded by pageSize across connections (in sorted
// connection-name order) using per-connection offsets threaded through an
// opaque composite cursor when it is enabled. A non-empty nextCursor is
// returned only while at least one connection still has unsurfaced items.
func paginate[T any](names []string, fetched map[string][]T, enabled bool, cursor string, pageSize int) ([]T, string) {
	if !enabled {
		var all []T
		for _, name := range names {
			all = append(all, fetched[name]...)
		}
		return all, ""
	}

	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	cur := decodeCompositeCursor(cursor)
	next := compositeCursor{offsets: make(map[string]int, len(names))}

	var page []T
	for _, name := range names {
		items := fetched[name]
		offset := cur.offsetFor(name)
		if offset > len(items) {
			offset = len(items)
		}

		remaining := pageSize - len(page)
		if remaining <= 0 {
			next.offsets[name] = offset
			continue
		}

		end := offset + remaining
		if end > len(items) {
			end = len(items)
		}
		page = append(page, items[offset:end]...)
		next.offsets[name] = end
	}

	for _, name := range names {
		if next.offsets[name] < len(fetched[name]) {
			return page, next.encode()
		}
	}
	return page, ""
}
