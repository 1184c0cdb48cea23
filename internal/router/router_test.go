package router

import (
	"context"
	"testing"

	"github.com/1mcp-app/agent/internal/filtering"
	"github.com/1mcp-app/agent/internal/mcpserver"
	"github.com/1mcp-app/agent/internal/metatools"
	"github.com/1mcp-app/agent/internal/naming"
	"github.com/1mcp-app/agent/internal/registry"
	"github.com/1mcp-app/agent/internal/schemacache"
	"github.com/1mcp-app/agent/internal/upstream"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	tools        []mcp.Tool
	resources    []mcp.Resource
	templates    []mcp.ResourceTemplate
	prompts      []mcp.Prompt
	pingErr      error
	callToolName string
	readURI      string
	completeRef  mcpserver.Reference
}

func (f *fakeClient) Initialize(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                         { return nil }
func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}
func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.callToolName = name
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("ok:" + name)}}, nil
}
func (f *fakeClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return f.resources, nil
}
func (f *fakeClient) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return f.templates, nil
}
func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	f.readURI = uri
	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			mcp.TextResourceContents{URI: uri, Text: "body"},
		},
	}, nil
}
func (f *fakeClient) Subscribe(ctx context.Context, uri string) error {
	f.readURI = uri
	return nil
}
func (f *fakeClient) Unsubscribe(ctx context.Context, uri string) error {
	f.readURI = uri
	return nil
}
func (f *fakeClient) Complete(ctx context.Context, ref mcpserver.Reference, argName, argValue string) (*mcp.CompleteResult, error) {
	f.completeRef = ref
	return &mcp.CompleteResult{}, nil
}
func (f *fakeClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return f.prompts, nil
}
func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}
func (f *fakeClient) Ping(ctx context.Context) error { return f.pingErr }

func connected(name string, filters upstream.Filters, client *fakeClient) *upstream.Connection {
	c := upstream.New(name, nil, "", filters)
	c.SetClient(client)
	c.SetStatus(upstream.StatusConnected)
	return c
}

func newTestMap(conns map[string]*upstream.Connection) *upstream.Map {
	m := upstream.NewMap()
	for k, c := range conns {
		m.Store(k, c)
	}
	return m
}

func TestEffectiveConnectionsFiltersByTagAndCapability(t *testing.T) {
	fsConn := connected("filesystem", upstream.Filters{}, &fakeClient{})
	dbConn := connected("database", upstream.Filters{}, &fakeClient{})
	m := newTestMap(map[string]*upstream.Connection{"filesystem": fsConn, "database": dbConn})

	svc := filtering.New(nil)
	r := New(m, svc, nil, nil, false)

	sess := Session{ID: "s1", FilterConfig: filtering.SessionConfig{Mode: filtering.ModeNone}}
	conns := r.EffectiveConnections(sess, requiresTools)
	assert.Len(t, conns, 2)
}

func TestListToolsFanOutAndPrefixes(t *testing.T) {
	fc1 := &fakeClient{tools: []mcp.Tool{{Name: "read"}}}
	fc2 := &fakeClient{tools: []mcp.Tool{{Name: "query"}}}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc1),
		"database":   connected("database", upstream.Filters{}, fc2),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	tools, _, err := r.ListTools(context.Background(), Session{ID: "s1"})
	require.NoError(t, err)
	require.Len(t, tools, 2)
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
	}
	assert.True(t, names["filesystem"+naming.Sep+"read"])
	assert.True(t, names["database"+naming.Sep+"query"])
}

func TestListToolsPaginationDisabledReturnsEverythingWithNoCursor(t *testing.T) {
	fc1 := &fakeClient{tools: []mcp.Tool{{Name: "read"}, {Name: "write"}}}
	fc2 := &fakeClient{tools: []mcp.Tool{{Name: "query"}}}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc1),
		"database":   connected("database", upstream.Filters{}, fc2),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	tools, next, err := r.ListTools(context.Background(), Session{ID: "s1"})
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Empty(t, next)
}

func TestListToolsPaginationEnabledThreadsCompositeCursor(t *testing.T) {
	fc1 := &fakeClient{tools: []mcp.Tool{{Name: "a"}, {Name: "b"}, {Name: "c"}}}
	fc2 := &fakeClient{tools: []mcp.Tool{{Name: "x"}, {Name: "y"}}}
	m := newTestMap(map[string]*upstream.Connection{
		"alpha": connected("alpha", upstream.Filters{}, fc1),
		"beta":  connected("beta", upstream.Filters{}, fc2),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		sess := Session{ID: "s1", EnablePagination: true, PageSize: 2, Cursor: cursor}
		tools, next, err := r.ListTools(context.Background(), sess)
		require.NoError(t, err)
		pages++
		require.LessOrEqual(t, pages, 10, "pagination did not converge")
		require.LessOrEqual(t, len(tools), 2)
		for _, tool := range tools {
			assert.False(t, seen[tool.Name], "tool %s returned twice", tool.Name)
			seen[tool.Name] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Len(t, seen, 5)
	for _, name := range []string{"alpha" + naming.Sep + "a", "alpha" + naming.Sep + "b", "alpha" + naming.Sep + "c", "beta" + naming.Sep + "x", "beta" + naming.Sep + "y"} {
		assert.True(t, seen[name], "missing %s", name)
	}
	assert.Greater(t, pages, 1, "expected more than one page with a page size smaller than the total item count")
}

func TestListToolsLazyModeReturnsOnlyMetaTools(t *testing.T) {
	fc := &fakeClient{tools: []mcp.Tool{{Name: "read"}}}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc),
	})
	reg := registry.FromToolsMap(map[string][]registry.ToolMetadata{
		"filesystem": {{Server: "filesystem", Name: "read"}},
	}, nil)
	meta := metatools.New(true, reg, schemacache.New(10, 0), nil, nil)
	r := New(m, filtering.New(nil), nil, meta, true)

	tools, _, err := r.ListTools(context.Background(), Session{ID: "s1"})
	require.NoError(t, err)
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
	}
	assert.True(t, names[metatools.ToolList])
	assert.True(t, names[metatools.ToolSchema])
	assert.True(t, names[metatools.ToolInvoke])
	assert.False(t, names["filesystem"+naming.Sep+"read"])
}

func TestCallToolResolvesCompositeURI(t *testing.T) {
	fc := &fakeClient{}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	res, err := r.CallTool(context.Background(), Session{ID: "s1"}, naming.Prefix("filesystem", "read"), map[string]interface{}{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "read", fc.callToolName)
}

func TestCallToolBlocksFilteredTool(t *testing.T) {
	fc := &fakeClient{}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{DisabledTools: []string{"write"}}, fc),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	_, err := r.CallTool(context.Background(), Session{ID: "s1"}, naming.Prefix("filesystem", "write"), nil)
	require.Error(t, err)
}

func TestCallToolUnprefixedMetaNameInLazyModeDispatchesToMetaTools(t *testing.T) {
	fc := &fakeClient{tools: []mcp.Tool{{Name: "read"}}}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc),
	})
	reg := registry.FromToolsMap(map[string][]registry.ToolMetadata{
		"filesystem": {{Server: "filesystem", Name: "read"}},
	}, nil)
	meta := metatools.New(true, reg, schemacache.New(10, 0), nil, nil)
	r := New(m, filtering.New(nil), nil, meta, true)

	res, err := r.CallTool(context.Background(), Session{ID: "s1"}, metatools.ToolList, map[string]interface{}{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.IsError)
}

func TestCallToolUnprefixedNonMetaNameInLazyModeNotFound(t *testing.T) {
	fc := &fakeClient{}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc),
	})
	meta := metatools.New(true, registry.FromToolsMap(nil, nil), schemacache.New(10, 0), nil, nil)
	r := New(m, filtering.New(nil), nil, meta, true)

	_, err := r.CallTool(context.Background(), Session{ID: "s1"}, "read", nil)
	require.Error(t, err)
}

func TestListResourcesPrefixesURIIncludingSchemeURIs(t *testing.T) {
	fc := &fakeClient{resources: []mcp.Resource{
		{URI: "file.txt"},
		{URI: "https://example.com/x"},
	}}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	resources, _, err := r.ListResources(context.Background(), Session{ID: "s1"})
	require.NoError(t, err)
	require.Len(t, resources, 2)
	uris := map[string]bool{}
	for _, res := range resources {
		uris[res.URI] = true
	}
	assert.True(t, uris["filesystem"+naming.Sep+"file.txt"])
	assert.True(t, uris["filesystem"+naming.Sep+"https://example.com/x"])
}

func TestListResourceTemplatesPrefixesURITemplate(t *testing.T) {
	fc := &fakeClient{templates: []mcp.ResourceTemplate{
		{Name: "tpl", URITemplate: mcp.NewURITemplate("item/{id}")},
	}}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	templates, _, err := r.ListResourceTemplates(context.Background(), Session{ID: "s1"})
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "filesystem"+naming.Sep+"item/{id}", templates[0].URITemplate.Raw())
}

func TestReadResourceRewritesContentURIs(t *testing.T) {
	fc := &fakeClient{}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	uri := naming.Prefix("filesystem", "file.txt")
	result, err := r.ReadResource(context.Background(), Session{ID: "s1"}, uri)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	text, ok := result.Contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, uri, text.URI)
	assert.Equal(t, "file.txt", fc.readURI)
}

func TestSubscribeAndUnsubscribeResolveInnerURI(t *testing.T) {
	fc := &fakeClient{}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	uri := naming.Prefix("filesystem", "file.txt")
	require.NoError(t, r.Subscribe(context.Background(), Session{ID: "s1"}, uri))
	assert.Equal(t, "file.txt", fc.readURI)

	require.NoError(t, r.Unsubscribe(context.Background(), Session{ID: "s1"}, uri))
	assert.Equal(t, "file.txt", fc.readURI)
}

func TestListPromptsAndGetPrompt(t *testing.T) {
	fc := &fakeClient{prompts: []mcp.Prompt{{Name: "greet"}}}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	prompts, _, err := r.ListPrompts(context.Background(), Session{ID: "s1"})
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "filesystem"+naming.Sep+"greet", prompts[0].Name)

	_, err = r.GetPrompt(context.Background(), Session{ID: "s1"}, naming.Prefix("filesystem", "greet"), nil)
	require.NoError(t, err)
}

func TestCompleteRefPrompt(t *testing.T) {
	fc := &fakeClient{}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	ref := mcpserver.Reference{Type: "ref/prompt", Name: naming.Prefix("filesystem", "greet")}
	_, err := r.Complete(context.Background(), Session{ID: "s1"}, ref, "arg", "va")
	require.NoError(t, err)
	assert.Equal(t, "greet", fc.completeRef.Name)
}

func TestCompleteRefResource(t *testing.T) {
	fc := &fakeClient{}
	m := newTestMap(map[string]*upstream.Connection{
		"filesystem": connected("filesystem", upstream.Filters{}, fc),
	})
	r := New(m, filtering.New(nil), nil, nil, false)

	ref := mcpserver.Reference{Type: "ref/resource", URI: naming.Prefix("filesystem", "file.txt")}
	_, err := r.Complete(context.Background(), Session{ID: "s1"}, ref, "arg", "va")
	require.NoError(t, err)
	assert.Equal(t, "file.txt", fc.completeRef.URI)
}

func TestCompleteUnsupportedReferenceType(t *testing.T) {
	m := newTestMap(map[string]*upstream.Connection{})
	r := New(m, filtering.New(nil), nil, nil, false)

	_, err := r.Complete(context.Background(), Session{ID: "s1"}, mcpserver.Reference{Type: "ref/unknown"}, "a", "b")
	require.Error(t, err)
}

// TestPingAlwaysSucceeds ensures a failing upstream ping never surfaces as
// an error from the router, matching §4.7.3's "always returns success".
func TestPingAlwaysSucceeds(t *testing.T) {
	ok := connected("up", upstream.Filters{}, &fakeClient{})
	down := connected("down", upstream.Filters{}, &fakeClient{pingErr: assertErr{}})
	m := newTestMap(map[string]*upstream.Connection{"up": ok, "down": down})
	r := New(m, filtering.New(nil), nil, nil, false)

	r.Ping(context.Background())
}

type assertErr struct{}

func (assertErr) Error() string { return "ping failed" }
