package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rallymcp/rally-mcp/pkg/client"
	"github.com/rallymcp/rally-mcp/pkg/config"
	"github.com/rallymcp/rally-mcp/pkg/mcp"
	"github.com/rallymcp/rally-mcp/pkg/rally"
	"github.com/urfave/cli/v3"
)

const integrationName = "rally-mcp"

func getCommands() []*cli.Command {
	return []*cli.Command{
		getMcpCommand(),
		getServeCommand(),
		getCheckCommand(),
		getVersionCommand(),
	}
}

type configKey struct{}

// loadConfig reads the env file and environment, then sets up logging.
func loadConfig(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := config.Load(cmd.String("env-file"))
	if err != nil {
		return ctx, err
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if err := setupLogging(cfg.LogLevel, cmd.String("log-file")); err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, configKey{}, cfg), nil
}

func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return &config.Config{}
}

// newService validates cfg, connects to Rally and loads the default project.
func newService(ctx context.Context, cmd *cli.Command, cfg *config.Config) (*rally.Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []client.Option{
		rally.WithAPIKey(cfg.APIKey),
		client.WithTimeout(cmd.Duration("timeout")),
	}
	opts = append(opts, rally.WithIntegration(integrationName, version)...)
	rc := rally.NewRallyClient(cfg.Instance, opts...)

	service := rally.NewService(rc, rally.NewStore(), rally.Options{
		HTML: rally.HTMLOptions{
			TestCaseDescription:   cfg.StripTestCaseDescription,
			TestCaseObjective:     cfg.StripTestCaseObjective,
			TestCasePreConditions: cfg.StripTestCasePreConditions,
		},
		StoryCustomFields:    cfg.StoryCustomFields,
		TestCaseCustomFields: cfg.TestCaseCustomFields,
	})

	slog.Debug("connecting to rally", "instance", rally.ServiceURL(cfg.Instance), "project", cfg.ProjectName)
	if err := service.Bootstrap(ctx, cfg.ProjectName); err != nil {
		return nil, err
	}
	return service, nil
}

func serverConfig(cfg *config.Config) mcp.Config {
	return mcp.Config{
		Expose:  cfg.Expose,
		Version: version,
		Locale:  cfg.Locale,
	}
}

func getMcpCommand() *cli.Command {
	return &cli.Command{
		Name:      "mcp",
		Usage:     "Run as MCP server (stdio transport)",
		UsageText: "rally-mcp mcp [options]",
		Description: `Start the Rally MCP server for integration with AI assistants.

The server communicates via stdio using the Model Context Protocol (MCP).
Before serving, it loads the default project and resolves the current user.

Tool groups:
  read   getProjects, getUsers, getUserStories, getTasks, getTestCases,
         getTestCaseSteps, getDefects, getTestFolders, getIterations,
         getTypeDefinition, getCurrentDate
  write  createUserStory, createDefect, updateDefect, createTestCase,
         createTestCaseStep, updateTestCaseStep, updateTask, createUserStoryTasks
  all    All available tools (default)

Examples:
  rally-mcp mcp                        # All tools
  rally-mcp mcp --expose=read          # Read-only tools
  rally-mcp mcp --expose=read,createDefect`,
		Flags: getServerFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := configFrom(ctx)
			applyFlags(cmd, cfg)
			service, err := newService(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			return mcp.RunServer(ctx, service, serverConfig(cfg))
		},
	}
}

func getServeCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "Run as hosted MCP server (streamable HTTP transport)",
		UsageText: "rally-mcp serve [options]",
		Description: `Start the Rally MCP server over streamable HTTP.

GET /healthz answers 200 once the default project is loaded.

Examples:
  rally-mcp serve --addr=:8080
  rally-mcp serve --addr=:8443 --tls-cert=cert.pem --tls-key=key.pem
  rally-mcp serve --cors --cors-origin=https://app.example.com`,
		Flags: getServeFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := configFrom(ctx)
			applyFlags(cmd, cfg)
			service, err := newService(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			return mcp.RunHTTPServer(ctx, service, mcp.HTTPConfig{
				Config:         serverConfig(cfg),
				Addr:           cmd.String("addr"),
				EndpointPath:   cmd.String("endpoint-path"),
				TLSCertFile:    cmd.String("tls-cert"),
				TLSKeyFile:     cmd.String("tls-key"),
				EnableCORS:     cmd.Bool("cors"),
				AllowedOrigins: cmd.StringSlice("cors-origin"),
			})
		},
	}
}

func getCheckCommand() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "Verify the configuration against Rally and exit",
		UsageText: "rally-mcp check [--project NAME]",
		Flags:     []cli.Flag{getProjectFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := configFrom(ctx)
			applyFlags(cmd, cfg)
			service, err := newService(ctx, cmd, cfg)
			if err != nil {
				return err
			}

			w := cmd.Root().Writer
			store := service.Store()
			project := store.DefaultProject()
			fmt.Fprintf(w, "instance: %s\n", rally.ServiceURL(cfg.Instance))
			fmt.Fprintf(w, "default project: %s (%s)\n", project.Name, store.DefaultProjectRef())
			if user := store.CurrentUser(); user != nil {
				fmt.Fprintf(w, "current user: %s (%s)\n", user.DisplayName, rally.Ref(rally.TypeUser, user.ObjectID))
			} else {
				fmt.Fprintln(w, "current user: unknown")
			}
			return nil
		},
	}
}

func getVersionCommand() *cli.Command {
	return &cli.Command{
		Name:      "version",
		Usage:     "Show version information",
		UsageText: "rally-mcp version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := cmd.Root().Writer
			fmt.Fprintf(w, "rally-mcp version %s\n", version)
			fmt.Fprintf(w, "commit: %s\n", commit)
			fmt.Fprintf(w, "built: %s\n", date)
			return nil
		},
	}
}
