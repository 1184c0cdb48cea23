package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture() *Registry {
	return FromToolsMap(map[string][]ToolMetadata{
		"filesystem": {
			{Server: "filesystem", Name: "read", Description: "read a file"},
			{Server: "filesystem", Name: "write", Description: "write a file"},
		},
		"database": {
			{Server: "database", Name: "query", Description: "run a query"},
		},
	}, map[string][]string{
		"filesystem": {"local", "fs"},
		"database":   {"sql"},
	})
}

func TestListToolsSortedByServerThenName(t *testing.T) {
	r := fixture()
	result := r.ListTools(ListParams{})
	require.Len(t, result.Tools, 3)
	assert.Equal(t, "database", result.Tools[0].Server)
	assert.Equal(t, "filesystem", result.Tools[1].Server)
	assert.Equal(t, "read", result.Tools[1].Name)
	assert.Equal(t, "write", result.Tools[2].Name)
	assert.Equal(t, []string{"database", "filesystem"}, result.Servers)
	assert.Equal(t, 3, result.TotalCount)
}

func TestListToolsFilterByServer(t *testing.T) {
	r := fixture()
	result := r.ListTools(ListParams{Server: "filesystem"})
	assert.Len(t, result.Tools, 2)
	for _, tool := range result.Tools {
		assert.Equal(t, "filesystem", tool.Server)
	}
}

func TestListToolsGlobPattern(t *testing.T) {
	r := fixture()
	result := r.ListTools(ListParams{Pattern: "w*"})
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "write", result.Tools[0].Name)
}

func TestListToolsTagMatchesServerTag(t *testing.T) {
	r := fixture()
	result := r.ListTools(ListParams{Tag: "sql"})
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "query", result.Tools[0].Name)
}

func TestListToolsPaginationCursor(t *testing.T) {
	r := fixture()
	first := r.ListTools(ListParams{Limit: 2})
	require.Len(t, first.Tools, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	second := r.ListTools(ListParams{Limit: 2, Cursor: first.NextCursor})
	assert.Len(t, second.Tools, 1)
	assert.False(t, second.HasMore)
}

func TestHasTool(t *testing.T) {
	r := fixture()
	assert.True(t, r.HasTool("filesystem", "read"))
	assert.False(t, r.HasTool("filesystem", "delete"))
	assert.False(t, r.HasTool("unknown", "read"))
}

func TestGetServers(t *testing.T) {
	r := fixture()
	assert.Equal(t, []string{"database", "filesystem"}, r.GetServers())
}

func TestFilterByServers(t *testing.T) {
	r := fixture()
	filtered := r.FilterByServers(map[string]struct{}{"filesystem": {}})
	assert.Equal(t, []string{"filesystem"}, filtered.GetServers())
	assert.False(t, filtered.HasTool("database", "query"))
	assert.True(t, filtered.HasTool("filesystem", "read"))
}
