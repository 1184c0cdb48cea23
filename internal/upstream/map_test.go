package upstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitKey(t *testing.T) {
	name, suffix, has := SplitKey("filesystem")
	require.Equal(t, "filesystem", name)
	require.False(t, has)
	require.Empty(t, suffix)

	name, suffix, has = SplitKey("tmpl:abcd1234")
	require.Equal(t, "tmpl", name)
	require.True(t, has)
	require.Equal(t, "abcd1234", suffix)
}

func TestResolveOutboundConnectionPrecedence(t *testing.T) {
	m := NewMap()
	static := New("tmpl", nil, "", Filters{})
	shareable := New("tmpl", nil, "", Filters{})
	perClient := New("tmpl", nil, "", Filters{})
	m.Store("tmpl", static)
	m.Store("tmpl:hash1", shareable)
	m.Store("tmpl:sess1", perClient)

	conn, key, ok := m.ResolveOutboundConnection("tmpl", "sess1", map[string]string{"tmpl": "hash1"})
	require.True(t, ok)
	require.Same(t, perClient, conn)
	require.Equal(t, "tmpl:sess1", key)

	conn, key, ok = m.ResolveOutboundConnection("tmpl", "sess2", map[string]string{"tmpl": "hash1"})
	require.True(t, ok)
	require.Same(t, shareable, conn)
	require.Equal(t, "tmpl:hash1", key)

	conn, key, ok = m.ResolveOutboundConnection("tmpl", "sess3", nil)
	require.True(t, ok)
	require.Same(t, static, conn)
	require.Equal(t, "tmpl", key)
}

func TestFilterConnectionsForSession(t *testing.T) {
	m := NewMap()
	m.Store("filesystem", New("filesystem", nil, "", Filters{}))
	m.Store("tmpl:sess1", New("tmpl", nil, "", Filters{}))
	m.Store("tmpl:hashA", New("tmpl", nil, "", Filters{}))
	m.Store("tmpl:hashB", New("tmpl", nil, "", Filters{}))

	visible := m.FilterConnectionsForSession("sess1", map[string]string{"tmpl": "hashA"})
	require.Contains(t, visible, "filesystem")
	require.Contains(t, visible, "tmpl:sess1")
	require.Contains(t, visible, "tmpl:hashA")
	require.NotContains(t, visible, "tmpl:hashB")
}

func TestFiltersWhitelistBeatsBlacklist(t *testing.T) {
	f := Filters{EnabledTools: []string{"tool-a"}, DisabledTools: []string{"tool-a", "tool-b"}}
	require.True(t, f.AllowsTool("tool-a"))
	require.False(t, f.AllowsTool("tool-b"))
}

func TestFiltersBlacklistOnly(t *testing.T) {
	f := Filters{DisabledTools: []string{"tool-b"}}
	require.True(t, f.AllowsTool("tool-a"))
	require.False(t, f.AllowsTool("tool-b"))
}
