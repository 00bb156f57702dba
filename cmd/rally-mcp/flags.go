package main

import (
	"time"

	"github.com/rallymcp/rally-mcp/pkg/config"
	"github.com/urfave/cli/v3"
)

const defaultTimeout = 30 * time.Second

func getGlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "env-file",
			Value: config.DefaultEnvFile,
			Usage: "Path to a .env file with RALLY_* settings (ignored when missing)",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level: debug, info, warn, error",
			Sources: cli.EnvVars(config.KeyLogLevel),
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "Write logs to this file instead of stderr",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: defaultTimeout,
			Usage: "Timeout of a single Rally request",
		},
	}
}

func getExposeFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "expose",
		Usage:   "Tools to expose: read, write, all, or comma-separated tool names (default: all)",
		Sources: cli.EnvVars(config.KeyExpose),
	}
}

func getLocaleFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "locale",
		Usage:   "Locale for counts and dates in tool output, e.g. en, ca-ES",
		Sources: cli.EnvVars(config.KeyLocale),
	}
}

func getProjectFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "project",
		Usage:   "Name of the default project",
		Sources: cli.EnvVars(config.KeyProjectName),
	}
}

func getServerFlags() []cli.Flag {
	return []cli.Flag{
		getExposeFlag(),
		getLocaleFlag(),
		getProjectFlag(),
	}
}

func getServeFlags() []cli.Flag {
	flags := getServerFlags()
	return append(flags,
		&cli.StringFlag{
			Name:  "addr",
			Value: ":8080",
			Usage: "Address to listen on (e.g., :8080 or localhost:8080)",
		},
		&cli.StringFlag{
			Name:  "endpoint-path",
			Value: "/mcp",
			Usage: "Path for the MCP endpoint",
		},
		&cli.StringFlag{
			Name:  "tls-cert",
			Usage: "Path to TLS certificate file for HTTPS",
		},
		&cli.StringFlag{
			Name:  "tls-key",
			Usage: "Path to TLS key file for HTTPS",
		},
		&cli.BoolFlag{
			Name:  "cors",
			Usage: "Enable CORS for browser-based clients",
		},
		&cli.StringSliceFlag{
			Name:  "cors-origin",
			Usage: "Allowed CORS origins (if empty, allows all when --cors is enabled)",
		},
	)
}

// applyFlags lets flags given on the command line win over the loaded config.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet("expose") {
		cfg.Expose = cmd.String("expose")
	}
	if cmd.IsSet("locale") {
		cfg.Locale = cmd.String("locale")
	}
	if cmd.IsSet("project") {
		cfg.ProjectName = cmd.String("project")
	}
}
