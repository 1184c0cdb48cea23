package mcpserver

import (
	"fmt"

	"github.com/1mcp-app/agent/pkg/logging"
)

// ServerType identifies which transport an upstream MCP server definition uses.
type ServerType string

const (
	ServerTypeStdio          ServerType = "stdio"
	ServerTypeStreamableHTTP ServerType = "streamable-http"
	ServerTypeSSE            ServerType = "sse"
)

// MCPClientConfig contains configuration for creating an MCP client.
// This provides a unified configuration structure for all client types.
type MCPClientConfig struct {
	// Command is the executable path for stdio servers
	Command string
	// Args are the command line arguments for stdio servers
	Args []string
	// Env contains environment variables for stdio servers
	Env map[string]string
	// URL is the endpoint for remote servers (streamable-http, sse)
	URL string
	// Headers are HTTP headers for remote servers
	Headers map[string]string
}

// NewMCPClientFromType creates the appropriate MCP client based on the server type.
// This factory function simplifies client creation by encapsulating the logic
// for choosing the correct client implementation.
//
// Supported types:
//   - ServerTypeStdio: Creates a StdioClient for local subprocess communication
//   - ServerTypeStreamableHTTP: Creates a StreamableHTTPClient for HTTP-based servers
//   - ServerTypeSSE: Creates an SSEClient for Server-Sent Events communication
//
// Returns an error if the server type is not recognized.
func NewMCPClientFromType(serverType ServerType, config MCPClientConfig) (MCPClient, error) {
	switch serverType {
	case ServerTypeStdio:
		if config.Command == "" {
			return nil, fmt.Errorf("command is required for stdio type")
		}
		return NewStdioClientWithEnv(config.Command, config.Args, config.Env), nil

	case ServerTypeStreamableHTTP:
		if config.URL == "" {
			return nil, fmt.Errorf("url is required for streamable-http type")
		}
		logging.Debug("MCPClientFactory", "Creating StreamableHTTP client for %s", config.URL)
		return NewStreamableHTTPClientWithHeaders(config.URL, config.Headers), nil

	case ServerTypeSSE:
		if config.URL == "" {
			return nil, fmt.Errorf("url is required for sse type")
		}
		return NewSSEClientWithHeaders(config.URL, config.Headers), nil

	default:
		return nil, fmt.Errorf("unsupported MCP server type: %s (supported: %s, %s, %s)",
			serverType, ServerTypeStdio, ServerTypeStreamableHTTP, ServerTypeSSE)
	}
}
