package pool

import (
	"testing"
	"time"

	"github.com/1mcp-app/agent/internal/config"
	"github.com/1mcp-app/agent/internal/mcpserver"
	"github.com/1mcp-app/agent/internal/template"
	"github.com/1mcp-app/agent/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stdioTemplateDef(name string, shareable, perClient bool) config.ServerDefinition {
	return config.ServerDefinition{
		Name:    name,
		Type:    mcpserver.ServerTypeStdio,
		Command: "echo",
		Args:    []string{"{{ user.token }}"},
		Template: &config.TemplateOptions{
			Shareable:    shareable,
			PerClient:    perClient,
			IdleTimeout:  100,
			MaxInstances: 10,
		},
	}
}

// newTestPool constructs a Pool with an hour-long cleanup interval and
// default idle timeout, so the cleanup loop evicts nothing during a test.
func newTestPool() *Pool {
	connMap := upstream.NewMap()
	return New(connMap, template.New(), Options{
		DefaultIdleTimeout: time.Hour,
		CleanupInterval:    time.Hour,
	})
}

// TestSharedInstanceAcrossSessions stands for scenario 3 from §8 (two
// sessions rendering identical variables share one key with
// referenceCount=2; a third session with different variables gets its own
// key). It is skipped because it needs a live stdio transport; the
// renderedHash/key tests below cover the pieces.
func TestSharedInstanceAcrossSessions(t *testing.T) {
	t.Skip("requires a live stdio transport; exercised indirectly via renderedHash/key unit coverage below")
}

func TestRenderedHashDeterministic(t *testing.T) {
	vars1 := map[string]interface{}{"user": map[string]interface{}{"token": "abc"}}
	vars2 := map[string]interface{}{"user": map[string]interface{}{"token": "abc"}}
	h1, err := renderedHash(vars1)
	require.NoError(t, err)
	h2, err := renderedHash(vars2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	vars3 := map[string]interface{}{"user": map[string]interface{}{"token": "xyz"}}
	h3, err := renderedHash(vars3)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestExtractReferencedContextOnlyKeepsReferencedRoots(t *testing.T) {
	def := stdioTemplateDef("t", true, false)
	ctx := map[string]interface{}{
		"user":    map[string]interface{}{"token": "abc"},
		"project": map[string]interface{}{"id": "p1"},
	}
	vars := extractReferencedContext(template.New(), def, ctx)
	_, hasUser := vars["user"]
	_, hasProject := vars["project"]
	assert.True(t, hasUser)
	assert.False(t, hasProject)
}

func TestRenderServerDefinitionSubstitutesArgs(t *testing.T) {
	def := stdioTemplateDef("t", true, false)
	vars := map[string]interface{}{"user": map[string]interface{}{"token": "abc123"}}
	out, err := renderServerDefinition(template.New(), def, vars)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123"}, out.Args)
}

func TestLimitExceededError(t *testing.T) {
	err := &LimitExceeded{TemplateName: "t", Limit: 5}
	assert.Contains(t, err.Error(), "t")

	totalErr := &LimitExceeded{Limit: 500, Total: true}
	assert.Contains(t, totalErr.Error(), "500")
}

func TestRemoveClientFromInstanceMarksIdle(t *testing.T) {
	p := newTestPool()
	conn := upstream.New("t:h", nil, "", upstream.Filters{})
	conn.SetStatus(upstream.StatusConnected)
	inst := &Instance{
		id:           "t:h",
		templateName: "t",
		conn:         conn,
		key:          "t:h",
		clientIDs:    map[string]struct{}{"c1": {}, "c2": {}},
		status:       StatusActive,
		idleTimeout:  time.Hour,
	}
	p.instances["t:h"] = inst
	p.countByTemplate["t"] = 1

	p.RemoveClientFromInstance("t:h", "c1")
	assert.Equal(t, StatusActive, inst.Status())
	assert.Equal(t, 1, inst.ReferenceCount())

	p.RemoveClientFromInstance("t:h", "c2")
	assert.Equal(t, StatusIdle, inst.Status())
	assert.Equal(t, 0, inst.ReferenceCount())
}

func TestHashesForSessionEmpty(t *testing.T) {
	p := newTestPool()
	assert.Empty(t, p.HashesForSession("unknown-session"))
}

func TestRecordSessionHash(t *testing.T) {
	p := newTestPool()
	p.recordSessionHash("s1", "tmpl", "hash1")
	got := p.HashesForSession("s1")
	assert.Equal(t, "hash1", got["tmpl"])
}

func TestShutdownClosesAllInstances(t *testing.T) {
	p := newTestPool()
	conn := upstream.New("t:h", nil, "", upstream.Filters{})
	conn.SetStatus(upstream.StatusConnected)
	p.instances["t:h"] = &Instance{
		id: "t:h", templateName: "t", conn: conn, key: "t:h",
		clientIDs: map[string]struct{}{}, status: StatusIdle, idleTimeout: time.Hour,
	}
	p.countByTemplate["t"] = 1
	p.connMap.Store("t:h", conn)

	p.Shutdown()
	_, ok := p.connMap.Get("t:h")
	assert.False(t, ok)
}
