package aggregator

import (
	"context"
	"testing"

	"github.com/1mcp-app/agent/internal/mcpserver"
	"github.com/1mcp-app/agent/internal/upstream"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	tools     []mcp.Tool
	resources []mcp.Resource
	prompts   []mcp.Prompt
}

func (f *fakeClient) Initialize(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                         { return nil }
func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}
func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (f *fakeClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return f.resources, nil
}
func (f *fakeClient) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return nil, nil
}
func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}
func (f *fakeClient) Subscribe(ctx context.Context, uri string) error   { return nil }
func (f *fakeClient) Unsubscribe(ctx context.Context, uri string) error { return nil }
func (f *fakeClient) Complete(ctx context.Context, ref mcpserver.Reference, argName, argValue string) (*mcp.CompleteResult, error) {
	return &mcp.CompleteResult{}, nil
}
func (f *fakeClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return f.prompts, nil
}
func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func connected(name string, filters upstream.Filters, client *fakeClient) *upstream.Connection {
	c := upstream.New(name, nil, "", filters)
	c.SetClient(client)
	c.SetStatus(upstream.StatusConnected)
	return c
}

// TestDedupAcrossServers reproduces scenario 1 from §8: two connected
// upstreams both expose "test-tool"; the sort-earlier server wins.
func TestDedupAcrossServers(t *testing.T) {
	conns := map[string]*upstream.Connection{
		"serverA": connected("serverA", upstream.Filters{}, &fakeClient{
			tools: []mcp.Tool{{Name: "test-tool"}},
		}),
		"serverB": connected("serverB", upstream.Filters{}, &fakeClient{
			tools: []mcp.Tool{{Name: "test-tool"}},
		}),
	}

	snap := Aggregate(context.Background(), conns)
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "serverA", snap.Tools[0].Server)
}

// TestWhitelistBeatsBlacklist reproduces scenario 2 from §8.
func TestWhitelistBeatsBlacklist(t *testing.T) {
	conns := map[string]*upstream.Connection{
		"priority-test": connected("priority-test", upstream.Filters{
			EnabledTools:  []string{"tool-a"},
			DisabledTools: []string{"tool-a", "tool-b"},
		}, &fakeClient{
			tools: []mcp.Tool{{Name: "tool-a"}, {Name: "tool-b"}},
		}),
	}

	snap := Aggregate(context.Background(), conns)
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "tool-a", snap.Tools[0].Tool.Name)
}

func TestUnreadyConnectionExcluded(t *testing.T) {
	c := upstream.New("down", nil, "", upstream.Filters{})
	c.SetStatus(upstream.StatusError)
	conns := map[string]*upstream.Connection{"down": c}

	snap := Aggregate(context.Background(), conns)
	assert.Empty(t, snap.Tools)
	assert.Empty(t, snap.ReadyServers)
}

func TestUpdateCapabilitiesNoChange(t *testing.T) {
	src := &fixedSource{conns: map[string]*upstream.Connection{
		"fs": connected("fs", upstream.Filters{}, &fakeClient{tools: []mcp.Tool{{Name: "read"}}}),
	}}
	agg := New(src)

	first := agg.UpdateCapabilities(context.Background())
	assert.True(t, first.HasChanges)

	second := agg.UpdateCapabilities(context.Background())
	assert.False(t, second.HasChanges)
	assert.Equal(t, first.Current.Tools, second.Current.Tools)
}

type fixedSource struct {
	conns map[string]*upstream.Connection
}

func (f *fixedSource) Snapshot() map[string]*upstream.Connection { return f.conns }
