package mcp

import (
	"context"
	"fmt"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rallymcp/rally-mcp/pkg/rally"
)

const PromptCreateNewUserStory = "createNewUserStory"

// NewUserStoryPrompt walks the assistant through creating a user story.
type NewUserStoryPrompt struct {
	store *rally.Store
}

func NewNewUserStoryPrompt(store *rally.Store) *NewUserStoryPrompt {
	return &NewUserStoryPrompt{store: store}
}

func (p *NewUserStoryPrompt) Register(s *mcpserver.MCPServer) {
	s.AddPrompt(p.Definition(), p.Handle)
}

func (p *NewUserStoryPrompt) Definition() mcptypes.Prompt {
	return mcptypes.NewPrompt(PromptCreateNewUserStory,
		mcptypes.WithPromptDescription("Create a new user story in Rally, asking for whatever is missing before calling createUserStory."),
		mcptypes.WithArgument("name",
			mcptypes.ArgumentDescription("Title of the user story"),
		),
		mcptypes.WithArgument("description",
			mcptypes.ArgumentDescription("What the user story should deliver"),
		),
	)
}

func (p *NewUserStoryPrompt) Handle(ctx context.Context, req mcptypes.GetPromptRequest) (*mcptypes.GetPromptResult, error) {
	args := req.Params.Arguments
	name := strings.TrimSpace(args["name"])
	description := strings.TrimSpace(args["description"])

	var sb strings.Builder
	sb.WriteString("Create a new user story in Rally.\n\n")
	if name != "" {
		fmt.Fprintf(&sb, "Name: %s\n", name)
	} else {
		sb.WriteString("Ask me for the name of the user story.\n")
	}
	if description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", description)
	} else {
		sb.WriteString("Ask me for a description of what the story should deliver.\n")
	}

	if ref := p.store.DefaultProjectRef(); ref != "" {
		fmt.Fprintf(&sb, "\nUse project %s (%s) unless I name another one.\n", ref, p.store.DefaultProject().Name)
	} else {
		fmt.Fprintf(&sb, "\nAsk me which project to use and look it up with %s.\n", ToolGetProjects)
	}
	if user := p.store.CurrentUser(); user != nil {
		fmt.Fprintf(&sb, "Assign it to %s (%s) unless I say otherwise.\n", user.DisplayName, rally.Ref(rally.TypeUser, user.ObjectID))
	}
	fmt.Fprintf(&sb, "Offer the current iterations from %s and let me pick one or none.\n", ToolGetIterations)
	fmt.Fprintf(&sb, "Show me the final fields and wait for my confirmation, then call %s.\n", ToolCreateUserStory)

	return &mcptypes.GetPromptResult{
		Description: "Create a new user story",
		Messages: []mcptypes.PromptMessage{
			{
				Role:    mcptypes.RoleUser,
				Content: mcptypes.NewTextContent(sb.String()),
			},
		},
	}, nil
}
