package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zepia/keygate/internal/config"
	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/service"
)

// MCPServer wraps the mcp-go server with keygate's operator tools. It lets
// an AI agent look up keys, find the keys held by a customer, cancel a
// customer and inspect the admission settings.
type MCPServer struct {
	store      keystore.Store
	reconciler *service.Reconciler
	settings   *config.Settings
	logger     *slog.Logger
	server     *server.MCPServer
}

// NewMCPServer creates an MCPServer with all keygate tools and resources
// registered. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(store keystore.Store, reconciler *service.Reconciler, settings *config.Settings, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	s := &MCPServer{
		store:      store,
		reconciler: reconciler,
		settings:   settings,
		logger:     logger,
	}

	mcpServer := server.NewMCPServer(
		"keygate",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, for clients that launch
// keygate as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode on addr
// (e.g. ":8090").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
