package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zepia/keygate/internal/config"
)

const settingsURI = "keygate://settings"

// registerResources adds the read-only settings resource.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			settingsURI,
			"Keygate Settings",
			mcp.WithResourceDescription(
				"Effective keygate configuration with secrets masked: key store driver, "+
					"admission mode and limits, subscription period and billing products.",
			),
			mcp.WithMIMEType("application/yaml"),
		),
		s.handleSettingsResource,
	)
}

func (s *MCPServer) handleSettingsResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	b, err := config.MarshalYAML(s.settings.Masked())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      settingsURI,
			MIMEType: "application/yaml",
			Text:     string(b),
		},
	}, nil
}
