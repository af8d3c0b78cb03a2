package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/mtrencseni/aiomemq/internal/core/broker"
	"github.com/mtrencseni/aiomemq/internal/core/config"
	"github.com/mtrencseni/aiomemq/internal/server"
)

type ServeCmd struct {
	flags *Flags

	host          string
	port          int
	cacheSize     int
	wsAddr        string
	outboundDepth int
	maxLineBytes  int
	statsInterval time.Duration

	// serve runs the broker with the resolved config. Tests replace it.
	serve func(ctx context.Context, cfg *config.Config) error
}

// NewServeCmd creates a new serve command.
func NewServeCmd(flags *Flags) *ServeCmd {
	cmd := &ServeCmd{flags: flags}
	cmd.serve = cmd.listen
	return cmd
}

// Register adds the serve command to the application.
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the broker",
		UsageText: "aiomemq serve [options] [port] [cache_size]",
		Description: `Starts the in-memory broker and serves the line protocol on TCP until
interrupted.

Settings come from the config file, then AIOMEMQ_* environment variables and
flags, then the optional positional port and cache size.

Examples:
  aiomemq serve
  aiomemq serve 7000 100
  aiomemq serve --host 0.0.0.0 --websocket-addr :7001`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "host",
				Usage:       "TCP listen host",
				Sources:     cli.EnvVars("AIOMEMQ_HOST"),
				Destination: &cmd.host,
			},
			&cli.IntFlag{
				Name:        "port",
				Aliases:     []string{"p"},
				Usage:       "TCP listen port",
				Sources:     cli.EnvVars("AIOMEMQ_PORT"),
				Destination: &cmd.port,
			},
			&cli.IntFlag{
				Name:        "cache-size",
				Usage:       "messages kept per topic for replay (0 disables)",
				Sources:     cli.EnvVars("AIOMEMQ_CACHE_SIZE"),
				Destination: &cmd.cacheSize,
			},
			&cli.StringFlag{
				Name:        "websocket-addr",
				Usage:       "WebSocket listen address (empty disables)",
				Sources:     cli.EnvVars("AIOMEMQ_WEBSOCKET_ADDR"),
				Destination: &cmd.wsAddr,
			},
			&cli.IntFlag{
				Name:        "outbound-depth",
				Usage:       "frames queued per connection before it is dropped",
				Sources:     cli.EnvVars("AIOMEMQ_OUTBOUND_DEPTH"),
				Destination: &cmd.outboundDepth,
			},
			&cli.IntFlag{
				Name:        "max-line-bytes",
				Usage:       "longest accepted input line",
				Sources:     cli.EnvVars("AIOMEMQ_MAX_LINE_BYTES"),
				Destination: &cmd.maxLineBytes,
			},
			&cli.DurationFlag{
				Name:        "stats-interval",
				Usage:       "how often to log broker stats (0 disables)",
				Sources:     cli.EnvVars("AIOMEMQ_STATS_INTERVAL"),
				Destination: &cmd.statsInterval,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg, err := cmd.resolve(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cmd.serve(ctx, cfg)
}

// resolve layers flag and positional overrides onto the loaded config and
// validates the result.
func (cmd *ServeCmd) resolve(c *cli.Command) (*config.Config, error) {
	if c.NArg() > 2 {
		return nil, fmt.Errorf("expected at most 2 arguments (port, cache_size), got %d", c.NArg())
	}

	cfg := config.DefaultConfig()
	if cmd.flags.Config != nil {
		cfg = *cmd.flags.Config
	}

	if c.IsSet("host") {
		cfg.Host = cmd.host
	}
	if c.IsSet("port") {
		cfg.Port = cmd.port
	}
	if c.IsSet("cache-size") {
		cfg.CacheSize = cmd.cacheSize
	}
	if c.IsSet("websocket-addr") {
		cfg.WebSocketAddr = cmd.wsAddr
	}
	if c.IsSet("outbound-depth") {
		cfg.OutboundDepth = cmd.outboundDepth
	}
	if c.IsSet("max-line-bytes") {
		cfg.MaxLineBytes = cmd.maxLineBytes
	}
	if c.IsSet("stats-interval") {
		cfg.StatsInterval = cmd.statsInterval
	}

	if arg := c.Args().Get(0); arg != "" {
		port, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", arg, err)
		}
		cfg.Port = port
	}
	if arg := c.Args().Get(1); arg != "" {
		size, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid cache_size %q: %w", arg, err)
		}
		cfg.CacheSize = size
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (cmd *ServeCmd) listen(ctx context.Context, cfg *config.Config) error {
	for _, w := range cfg.Warnings() {
		log.Warn().Str("item", w.Item).Msg(w.Message)
	}

	b := broker.New(log.With().Str("component", "broker").Logger()).
		WithCacheSize(cfg.CacheSize)
	srv := server.New(b, cfg, log.With().Str("component", "server").Logger())

	return srv.ListenAndServe(ctx)
}
