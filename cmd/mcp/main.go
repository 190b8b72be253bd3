// Fulfillment service MCP server.
// Exposes status API tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	mcptools "github.com/gateway-fm/vrffulfiller/internal/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	fulfillerURL := os.Getenv("FULFILLER_URL")
	if fulfillerURL == "" {
		fulfillerURL = "http://localhost:3001"
	}

	s := server.NewMCPServer(
		"vrffulfiller",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(fulfillerURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
