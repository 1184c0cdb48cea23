// Package cmd implements the gateway's CLI entrypoint: `serve` runs the
// aggregation gateway, `servers` reports configured-server status, and
// `validate` parses a server-definition document without starting anything.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

// rootCmd is the base command for the gateway binary.
var rootCmd = &cobra.Command{
	Use:   "1mcp-agent",
	Short: "Aggregate many MCP servers behind one gateway",
	Long: `1mcp-agent is a Model Context Protocol aggregation gateway. A single
inbound MCP client connects to it; it maintains outbound connections to many
upstream MCP servers and presents their tools, resources, and prompts as one
unified, session-filtered capability surface.`,
	SilenceUsage: true,
}

// SetVersion injects the build-time version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command, exiting with a non-zero status on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "1mcp-agent version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newServersCmd())
	rootCmd.AddCommand(newValidateCmd())
}
