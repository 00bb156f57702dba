package mcp

import (
	"context"
	"fmt"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rallymcp/rally-mcp/pkg/formatter"
	"github.com/rallymcp/rally-mcp/pkg/rally"
)

const (
	ResourceAllData        = "mcp://data/all.json"
	ResourceDefaultProject = "mcp://projects/default.json"
)

// Resources exposes the cached Rally data as read-only MCP resources.
type Resources struct {
	store *rally.Store
}

func NewResources(store *rally.Store) *Resources {
	return &Resources{store: store}
}

// Register adds every resource to the server.
func (r *Resources) Register(s *mcpserver.MCPServer) {
	s.AddResource(mcptypes.NewResource(
		ResourceAllData,
		"All Rally data",
		mcptypes.WithResourceDescription("Everything cached from Rally in this session, with the default project and current user"),
		mcptypes.WithMIMEType("application/json"),
	), r.HandleAllData)

	s.AddResource(mcptypes.NewResource(
		ResourceDefaultProject,
		"Default project",
		mcptypes.WithResourceDescription("The project tools are scoped to when no project is given"),
		mcptypes.WithMIMEType("application/json"),
	), r.HandleDefaultProject)
}

func (r *Resources) HandleAllData(ctx context.Context, req mcptypes.ReadResourceRequest) ([]mcptypes.ResourceContents, error) {
	return jsonResource(req.Params.URI, r.store.Snapshot())
}

func (r *Resources) HandleDefaultProject(ctx context.Context, req mcptypes.ReadResourceRequest) ([]mcptypes.ResourceContents, error) {
	project := r.store.DefaultProject()
	if project == nil {
		return nil, fmt.Errorf("default project is not loaded")
	}
	return jsonResource(req.Params.URI, project)
}

func jsonResource(uri string, v any) ([]mcptypes.ResourceContents, error) {
	text, err := formatter.JSON(v)
	if err != nil {
		return nil, err
	}
	return []mcptypes.ResourceContents{
		mcptypes.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     text,
		},
	}, nil
}
