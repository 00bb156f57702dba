package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "rally-mcp",
		Usage: "Rally (Agile Central) tools for AI assistants over the Model Context Protocol",
		Description: `Exposes Rally projects, user stories, tasks, defects, test cases and
iterations as MCP tools. Configuration is read from a .env file and the
environment; flags override both.`,
		Flags:    getGlobalFlags(),
		Before:   loadConfig,
		Commands: getCommands(),
	}
}
