package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleDoc = `
servers:
  - name: filesystem
    type: stdio
    command: fs-server
    tags: [storage]
  - name: database
    type: streamable-http
    url: https://db.example.com/mcp
lazyLoading:
  enabled: true
  cache:
    maxEntries: 500
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeTemp(t, sampleDoc)
	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Servers, 2)
	require.Equal(t, "filesystem", doc.Servers[0].Name)
	require.True(t, doc.LazyLoading.Enabled)
	require.Equal(t, 500, doc.LazyLoading.Cache.MaxEntries)
}

func TestLoadMissingName(t *testing.T) {
	path := writeTemp(t, "servers:\n  - type: stdio\n    command: x\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	path := writeTemp(t, sampleDoc)

	changed := make(chan *Document, 1)
	w, err := NewWatcher(path, func(d *Document) { changed <- d })
	require.NoError(t, err)
	defer w.Close()

	updated := sampleDoc + "  - name: cache\n    type: sse\n    url: https://cache.example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case doc := <-changed:
		require.Len(t, doc.Servers, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
