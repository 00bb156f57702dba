package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rallymcp/rally-mcp/pkg/formatter"
	"github.com/rallymcp/rally-mcp/pkg/rally"
)

const serverName = "rally"

// Config controls MCP server startup.
type Config struct {
	Expose  string
	Version string
	Locale  string
}

// NewServer builds an MCP server exposing the requested tools, the cache
// resources and the user story prompt.
func NewServer(service *rally.Service, cfg Config) (*mcpserver.MCPServer, error) {
	expose := strings.TrimSpace(cfg.Expose)
	if expose == "" {
		expose = "all"
	}
	toolsToEnable, err := ParseExposeList(expose)
	if err != nil {
		return nil, err
	}

	printer, err := formatter.NewPrinter(cfg.Locale)
	if err != nil {
		return nil, err
	}

	builder := NewToolBuilder(service, printer)
	serverTools, err := builder.BuildTools(toolsToEnable)
	if err != nil {
		return nil, err
	}

	server := mcpserver.NewMCPServer(
		serverName,
		cfg.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(debugHooks()),
	)

	server.AddTools(serverTools...)
	NewResources(service.Store()).Register(server)
	NewNewUserStoryPrompt(service.Store()).Register(server)

	slog.Debug("mcp server built", "tools", len(serverTools), "locale", printer.Locale())
	return server, nil
}

// RunServer starts the MCP stdio server with the requested tool set.
func RunServer(ctx context.Context, service *rally.Service, cfg Config) error {
	server, err := NewServer(service, cfg)
	if err != nil {
		return err
	}
	slog.Info("starting MCP stdio server", "version", cfg.Version)
	return mcpserver.ServeStdio(server, mcpserver.WithStdioContextFunc(func(_ context.Context) context.Context {
		return ctx
	}))
}

func debugHooks() *mcpserver.Hooks {
	hooks := &mcpserver.Hooks{}
	hooks.AddBeforeAny(func(ctx context.Context, id any, method mcptypes.MCPMethod, message any) {
		msgJSON, _ := json.Marshal(message)
		slog.Debug("mcp request", "id", id, "method", method, "message", formatter.Truncate(string(msgJSON), formatter.MaxLogLength))
	})
	hooks.AddOnSuccess(func(ctx context.Context, id any, method mcptypes.MCPMethod, message any, result any) {
		resultJSON, _ := json.Marshal(result)
		slog.Debug("mcp success", "id", id, "method", method, "result", formatter.Truncate(string(resultJSON), formatter.MaxLogLength))
	})
	hooks.AddOnError(func(ctx context.Context, id any, method mcptypes.MCPMethod, message any, err error) {
		slog.Debug("mcp error", "id", id, "method", method, "error", err)
	})
	return hooks
}

// ParseExposeList converts the --expose flag into a deduplicated, ordered tool list.
// Supports groups: all, read, write. Individual tools are referenced by their
// MCP name, case-insensitively (e.g. "getprojects" or "getProjects").
func ParseExposeList(raw string) ([]string, error) {
	tokenList := strings.Split(raw, ",")

	var tokens []string
	for _, t := range tokenList {
		token := strings.TrimSpace(strings.ToLower(t))
		if token == "" {
			continue
		}
		tokens = append(tokens, token)
	}

	if len(tokens) == 0 {
		tokens = []string{"all"}
	}

	result := make([]string, 0, len(allTools))
	seen := make(map[string]struct{})

	addSet := func(names []string) {
		for _, name := range names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			result = append(result, name)
		}
	}

	for _, token := range tokens {
		if group, ok := groupMap[token]; ok {
			addSet(group)
			continue
		}

		if name, ok := toolsByLowerName[token]; ok {
			addSet([]string{name})
			continue
		}

		return nil, fmt.Errorf("unknown tool or group in --expose: %s", token)
	}

	return result, nil
}

var (
	readTools = []string{
		ToolGetProjects,
		ToolGetUsers,
		ToolGetUserStories,
		ToolGetTasks,
		ToolGetTestCases,
		ToolGetTestCaseSteps,
		ToolGetDefects,
		ToolGetTestFolders,
		ToolGetIterations,
		ToolGetTypeDefinition,
		ToolGetCurrentDate,
	}

	writeTools = []string{
		ToolCreateUserStory,
		ToolCreateDefect,
		ToolUpdateDefect,
		ToolCreateTestCase,
		ToolCreateTestCaseStep,
		ToolUpdateTestCaseStep,
		ToolUpdateTask,
		ToolCreateTasks,
	}

	allTools = append(append([]string{}, readTools...), writeTools...)

	groupMap = map[string][]string{
		"all":   allTools,
		"read":  readTools,
		"write": writeTools,
	}

	toolsByLowerName = func() map[string]string {
		out := make(map[string]string, len(allTools))
		for _, name := range allTools {
			out[strings.ToLower(name)] = name
		}
		return out
	}()
)
