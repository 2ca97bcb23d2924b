package mcptools

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport names.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// NewServer builds an MCP server with every session tool registered.
func NewServer(sessions Sessions, version string) (*mcp.Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("sessions are required")
	}
	if version == "" {
		version = "dev"
	}
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, nil)
	mcp.AddTool(server, SessionStartTool(), SessionStartHandler(sessions))
	mcp.AddTool(server, SessionResumeTool(), SessionResumeHandler(sessions))
	mcp.AddTool(server, SessionEndTool(), SessionEndHandler(sessions))
	mcp.AddTool(server, TurnProcessTool(), TurnProcessHandler(sessions))
	mcp.AddTool(server, TurnListTool(), TurnListHandler(sessions))
	return server, nil
}

// Serve runs server over transport until ctx ends. Cancellation is a clean
// shutdown.
func Serve(ctx context.Context, server *mcp.Server, transport mcp.Transport) error {
	if server == nil {
		return fmt.Errorf("MCP server is not configured")
	}
	err := server.Run(ctx, transport)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

// HTTPHandler serves server over the streamable HTTP transport.
func HTTPHandler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}
