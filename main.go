package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/mtrencseni/aiomemq/internal/commands"
	"github.com/mtrencseni/aiomemq/internal/core/config"
	"github.com/mtrencseni/aiomemq/internal/printer"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

func main() {
	if err := setupLogger("info", "", "auto"); err != nil {
		panic(err)
	}

	var (
		p     = printer.New(os.Stderr)
		ctx   = printer.NewContext(context.Background(), p)
		flags = &commands.Flags{}
	)

	app := &cli.Command{
		Name:      "aiomemq",
		Usage:     "In-memory publish/subscribe broker",
		UsageText: "aiomemq [global options] command [command options]",
		Description: `aiomemq is a small in-memory message broker speaking line-delimited JSON
over TCP and, optionally, WebSocket.

Clients subscribe to topics, publish to every subscriber or to one chosen at
random, and catch up on recent messages from a per-topic replay cache.

Run 'aiomemq serve' to start the broker.`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars("AIOMEMQ_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("AIOMEMQ_LOG_FILE"),
				Destination: &flags.LogFile,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "console log format (auto, console, json)",
				Sources:     cli.EnvVars("AIOMEMQ_LOG_FORMAT"),
				Value:       "auto",
				Destination: &flags.LogFormat,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("AIOMEMQ_CONFIG"),
				Value:       commands.DefaultConfigPath(),
				Destination: &flags.ConfigPath,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if err := setupLogger(flags.LogLevel, flags.LogFile, flags.LogFormat); err != nil {
				return ctx, err
			}

			cfg, err := config.Read(flags.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			flags.Config = cfg

			return ctx, nil
		},
	}

	app = commands.NewServeCmd(flags).Register(app)
	app = commands.NewMsgCmd(flags).Register(app)
	app = commands.NewConfigValidateCmd(flags).Register(app)
	app = commands.NewDoctorCmd(flags).Register(app)

	exitCode := 0
	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr)
		printer.Ctx(ctx).FatalError(err)
		exitCode = 1
	}

	os.Exit(exitCode)
}

func setupLogger(level, logFile, format string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var console io.Writer
	switch format {
	case "json":
		console = os.Stderr
	case "console":
		console = zerolog.ConsoleWriter{Out: os.Stderr}
	case "auto", "":
		console = os.Stderr
		if printer.IsTerminal(os.Stderr) {
			console = zerolog.ConsoleWriter{Out: os.Stderr}
		}
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	output := console
	if logFile != "" {
		logDir := filepath.Dir(logFile)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		// Write to both console and file
		output = io.MultiWriter(console, file)
	}

	log.Logger = log.Output(output).Level(parsedLevel)

	return nil
}
