package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "1mcp.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestRunValidateAcceptsWellFormedDocument(t *testing.T) {
	validateConfigPath = writeConfig(t, `
servers:
  - name: filesystem
    type: stdio
    command: fs-server
  - name: database
    type: streamable-http
    url: http://localhost:9000
`)

	cmd := newValidateCmd()
	var buf outputBuffer
	cmd.SetOut(&buf)

	if err := runValidate(cmd, nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected a summary line to be printed")
	}
}

func TestRunValidateRejectsDuplicateNames(t *testing.T) {
	validateConfigPath = writeConfig(t, `
servers:
  - name: filesystem
    type: stdio
    command: fs-server
  - name: filesystem
    type: stdio
    command: fs-server-2
`)

	cmd := newValidateCmd()
	if err := runValidate(cmd, nil); err == nil {
		t.Error("expected an error for duplicate server names")
	}
}

func TestRunValidateRejectsStdioWithoutCommand(t *testing.T) {
	validateConfigPath = writeConfig(t, `
servers:
  - name: filesystem
    type: stdio
`)

	cmd := newValidateCmd()
	if err := runValidate(cmd, nil); err == nil {
		t.Error("expected an error for a stdio server missing command")
	}
}

// outputBuffer is a minimal io.Writer so tests don't need to pull in bytes.Buffer
// just to satisfy cobra's SetOut.
type outputBuffer struct {
	data []byte
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *outputBuffer) Len() int { return len(b.data) }
