package filtering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ tags []string }

func (f fakeConn) Tags() []string { return f.tags }

func conns() map[string]fakeConn {
	return map[string]fakeConn{
		"alpha": {tags: []string{"prod", "db"}},
		"beta":  {tags: []string{"dev", "db"}},
		"gamma": {tags: []string{"prod", "cache"}},
	}
}

func TestModeNonePassesAll(t *testing.T) {
	s := New(nil)
	out := GetFilteredConnections(s, conns(), SessionConfig{Mode: ModeNone})
	assert.Len(t, out, 3)
}

func TestSimpleORIntersection(t *testing.T) {
	s := New(nil)
	out := GetFilteredConnections(s, conns(), SessionConfig{Mode: ModeSimpleOR, Tags: []string{"dev"}})
	assert.Len(t, out, 1)
	_, ok := out["beta"]
	assert.True(t, ok)
}

func TestCaseInsensitiveTags(t *testing.T) {
	s := New(nil)
	out := GetFilteredConnections(s, conns(), SessionConfig{Mode: ModeSimpleOR, Tags: []string{"PROD"}})
	assert.Len(t, out, 2)
}

func TestAdvancedAndOrNot(t *testing.T) {
	s := New(nil)
	out := GetFilteredConnections(s, conns(), SessionConfig{
		Mode:          ModeAdvanced,
		TagExpression: "prod AND NOT cache",
	})
	assert.Len(t, out, 1)
	_, ok := out["alpha"]
	assert.True(t, ok)
}

func TestAdvancedParens(t *testing.T) {
	s := New(nil)
	out := GetFilteredConnections(s, conns(), SessionConfig{
		Mode:          ModeAdvanced,
		TagExpression: "(dev OR cache) AND NOT db",
	})
	assert.Len(t, out, 1)
	_, ok := out["gamma"]
	assert.True(t, ok)
}

func TestAdvancedParseErrorPassesAll(t *testing.T) {
	s := New(nil)
	out := GetFilteredConnections(s, conns(), SessionConfig{
		Mode:          ModeAdvanced,
		TagExpression: "prod AND (",
	})
	assert.Len(t, out, 3)
}

func TestPresetResolvesToSimpleOR(t *testing.T) {
	s := New(map[string][]string{"web": {"prod", "cache"}})
	out := GetFilteredConnections(s, conns(), SessionConfig{Mode: ModePreset, PresetName: "web"})
	assert.Len(t, out, 2)
}

func TestUnknownPresetPassesAll(t *testing.T) {
	s := New(map[string][]string{"web": {"prod"}})
	out := GetFilteredConnections(s, conns(), SessionConfig{Mode: ModePreset, PresetName: "missing"})
	assert.Len(t, out, 3)
}

func TestParseExpressionErrors(t *testing.T) {
	_, err := parseExpression("")
	require.Error(t, err)
	_, err = parseExpression("AND foo")
	require.Error(t, err)
	_, err = parseExpression("foo)")
	require.Error(t, err)
}
