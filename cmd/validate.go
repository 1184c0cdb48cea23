package cmd

import (
	"fmt"

	"github.com/1mcp-app/agent/internal/config"
	"github.com/1mcp-app/agent/internal/mcpserver"

	"github.com/spf13/cobra"
)

var validateConfigPath string

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse a server-definition document and report errors without starting the gateway",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
	cmd.Flags().StringVar(&validateConfigPath, "config", "1mcp.yaml", "path to the server-definition document")
	return cmd
}

func runValidate(cmd *cobra.Command, _ []string) error {
	doc, err := config.Load(validateConfigPath)
	if err != nil {
		return err
	}

	names := make(map[string]struct{}, len(doc.Servers))
	for _, def := range doc.Servers {
		if _, dup := names[def.Name]; dup {
			return fmt.Errorf("duplicate server name %q", def.Name)
		}
		names[def.Name] = struct{}{}

		switch def.Type {
		case mcpserver.ServerTypeStdio:
			if def.Command == "" {
				return fmt.Errorf("server %q: stdio servers require command", def.Name)
			}
		case mcpserver.ServerTypeSSE, mcpserver.ServerTypeStreamableHTTP:
			if def.URL == "" {
				return fmt.Errorf("server %q: %s servers require url", def.Name, def.Type)
			}
		default:
			return fmt.Errorf("server %q: unknown type %q", def.Name, def.Type)
		}

		if len(def.EnabledTools) > 0 && len(def.DisabledTools) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "warning: server %q sets both enabledTools and disabledTools; enabledTools wins\n", def.Name)
		}
	}

	for preset, tags := range doc.Presets {
		if len(tags) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "warning: preset %q has no tags\n", preset)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d server(s), %d preset(s) — valid\n", validateConfigPath, len(doc.Servers), len(doc.Presets))
	return nil
}
