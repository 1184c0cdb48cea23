package cmd

import (
	"context"
	"fmt"

	"github.com/1mcp-app/agent/internal/config"
	"github.com/1mcp-app/agent/internal/upstream"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var serversConfigPath string

func newServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List configured upstream servers and connect to report their status",
		Args:  cobra.NoArgs,
		RunE:  runServers,
	}
	cmd.Flags().StringVar(&serversConfigPath, "config", "1mcp.yaml", "path to the server-definition document")
	return cmd
}

func runServers(cmd *cobra.Command, _ []string) error {
	doc, err := config.Load(serversConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	connMap := upstream.NewMap()
	connMgr := upstream.NewManager(connMap)
	connMgr.Sync(cmd.Context(), doc)
	defer connMgr.Shutdown()

	connMgr.PingAll(context.Background())

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("NAME"),
		text.FgHiCyan.Sprint("TYPE"),
		text.FgHiCyan.Sprint("STATUS"),
		text.FgHiCyan.Sprint("TAGS"),
	})

	for _, def := range doc.Servers {
		if def.Template != nil {
			t.AppendRow(table.Row{def.Name, def.Type, "template", fmt.Sprint(def.Tags)})
			continue
		}
		conn, ok := connMap.Get(def.Name)
		status := "unknown"
		if ok {
			status = string(conn.Status())
		}
		t.AppendRow(table.Row{def.Name, def.Type, status, fmt.Sprint(def.Tags)})
	}

	t.Render()
	return nil
}
