package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/rcl/pkg/client"
)

// Config holds the configuration for connecting to an RCL deployment.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8000"
	APIKey string // RCL_API_KEY of that deployment, may be empty
}

// NewMCPServer creates a configured MCP server with all RCL tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("rcl", version)
	h := NewHandlers(client.New(client.Config{BaseURL: cfg.APIURL, APIKey: cfg.APIKey}))

	s.AddTool(ToolEvaluatePayout, h.HandleEvaluatePayout)
	s.AddTool(ToolQueryDecisions, h.HandleQueryDecisions)
	s.AddTool(ToolGetStats, h.HandleGetStats)
	s.AddTool(ToolGetPolicy, h.HandleGetPolicy)
	s.AddTool(ToolListRules, h.HandleListRules)

	return s
}
