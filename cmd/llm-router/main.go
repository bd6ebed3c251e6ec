package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vnmchuo/llm-router/config"
	"github.com/vnmchuo/llm-router/internal/telemetry"
)

const serviceName = "llm-router"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    serviceName,
		Usage:   "route chat completions across LLM providers",
		Version: telemetry.ServiceVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "providers",
				Aliases: []string{"p"},
				Usage:   "YAML providers file",
				EnvVars: []string{"PROVIDERS_FILE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "port",
						Usage:   "listen port",
						EnvVars: []string{"PORT"},
					},
				},
				Action: runServe,
			},
			{
				Name:   "providers",
				Usage:  "list configured providers",
				Action: runProviders,
			},
			{
				Name:      "probe",
				Usage:     "send a test message to one provider or all of them",
				ArgsUsage: "[name]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Usage: "probe every configured provider"},
				},
				Action: runProbe,
			},
			{
				Name:  "seed-key",
				Usage: "issue an API key (requires POSTGRES_DSN)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "tenant", Usage: "tenant id (generated when empty)"},
					&cli.StringFlag{Name: "label", Usage: "free-form key label"},
					&cli.Int64Flag{Name: "rate-limit", Usage: "tokens per minute", Value: 100000},
					&cli.StringFlag{Name: "key", Usage: "use this raw key instead of generating one"},
				},
				Action: runSeedKey,
			},
			{
				Name:      "revoke-key",
				Usage:     "deactivate an API key and evict it from the auth cache",
				ArgsUsage: "<key-id>",
				Action:    runRevokeKey,
			},
		},
	}
}

// setup loads configuration and applies global flag overrides.
func setup(c *cli.Context) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if v := c.String("providers"); v != "" {
		cfg.ProvidersFile = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if c.IsSet("port") {
		cfg.Port = c.String("port")
	}
	return cfg, cfg.NewLogger(), nil
}
