package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/mtrencseni/aiomemq/internal/client"
	"github.com/mtrencseni/aiomemq/internal/core/protocol"
)

type MsgCmd struct {
	flags *Flags

	addr    string
	timeout time.Duration

	// pub flags
	pubTopic    string
	pubFile     string
	pubDelivery string
	pubNoCache  bool

	// sub flags
	subTopic    string
	subLastSeen int64
	subNoReplay bool
	subCount    int

	stdin io.Reader
}

// NewMsgCmd creates a new msg command.
func NewMsgCmd(flags *Flags) *MsgCmd {
	return &MsgCmd{flags: flags, stdin: os.Stdin}
}

// Register adds the msg command to the application.
func (cmd *MsgCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "msg",
		Usage: "Publish and subscribe through a running broker",
		Description: `Message commands for talking to a running aiomemq broker.

The broker address defaults to the one in the config file, with wildcard
listen hosts replaced by loopback.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Aliases:     []string{"a"},
				Usage:       "broker address (default: from config)",
				Sources:     cli.EnvVars("AIOMEMQ_ADDR"),
				Destination: &cmd.addr,
			},
		},
		Commands: []*cli.Command{
			cmd.pubCmd(),
			cmd.subCmd(),
		},
	})

	return app
}

func (cmd *MsgCmd) pubCmd() *cli.Command {
	return &cli.Command{
		Name:      "pub",
		Usage:     "Publish a message to a topic",
		UsageText: "aiomemq msg pub --topic <topic> [message]",
		Description: `Publishes a message to the specified topic and waits for the broker to
acknowledge it.

The message can be provided as:
- A command-line argument
- From a file with -f/--file
- From stdin if no argument is provided

Examples:
  aiomemq msg pub --topic build.started "Build starting"
  echo "Hello" | aiomemq msg pub --topic greetings
  aiomemq msg pub --topic jobs --delivery one "resize 42"`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "topic",
				Aliases:     []string{"t"},
				Usage:       "topic to publish to",
				Required:    true,
				Destination: &cmd.pubTopic,
			},
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "read message from file",
				Destination: &cmd.pubFile,
			},
			&cli.StringFlag{
				Name:        "delivery",
				Aliases:     []string{"d"},
				Usage:       "deliver to all subscribers or one (all, one)",
				Value:       string(protocol.DeliveryAll),
				Destination: &cmd.pubDelivery,
			},
			&cli.BoolFlag{
				Name:        "no-cache",
				Usage:       "do not keep the message for replay",
				Destination: &cmd.pubNoCache,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "time to wait for the acknowledgement",
				Value:       5 * time.Second,
				Destination: &cmd.timeout,
			},
		},
		Action: cmd.runPub,
	}
}

func (cmd *MsgCmd) subCmd() *cli.Command {
	return &cli.Command{
		Name:      "sub",
		Usage:     "Print messages published to a topic",
		UsageText: "aiomemq msg sub --topic <topic> [--last-seen N] [--count N]",
		Description: `Subscribes to a topic and prints each delivered message as a JSON line.

Cached messages newer than --last-seen are replayed first. Without
--last-seen the whole cache is replayed; --no-replay skips it.

Examples:
  aiomemq msg sub --topic jobs
  aiomemq msg sub --topic jobs --last-seen 41
  aiomemq msg sub --topic handoff --count 1 --timeout 10m`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "topic",
				Aliases:     []string{"t"},
				Usage:       "topic to subscribe to",
				Required:    true,
				Destination: &cmd.subTopic,
			},
			&cli.Int64Flag{
				Name:        "last-seen",
				Usage:       "replay only messages with a greater index",
				Destination: &cmd.subLastSeen,
			},
			&cli.BoolFlag{
				Name:        "no-replay",
				Usage:       "skip cached messages",
				Destination: &cmd.subNoReplay,
			},
			&cli.IntFlag{
				Name:        "count",
				Aliases:     []string{"n"},
				Usage:       "exit after N messages (0 = unlimited)",
				Destination: &cmd.subCount,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "exit after this long (0 = never)",
				Destination: &cmd.timeout,
			},
		},
		Action: cmd.runSub,
	}
}

func (cmd *MsgCmd) brokerAddr() string {
	if cmd.addr != "" {
		return cmd.addr
	}
	if cmd.flags.Config != nil {
		return cmd.flags.Config.DialAddr()
	}
	return "127.0.0.1:7000"
}

func (cmd *MsgCmd) runPub(ctx context.Context, c *cli.Command) error {
	delivery := protocol.Delivery(cmd.pubDelivery)
	if delivery != protocol.DeliveryAll && delivery != protocol.DeliveryOne {
		return fmt.Errorf("invalid delivery %q: must be all or one", cmd.pubDelivery)
	}

	var payload string
	switch {
	case c.NArg() >= 1:
		payload = strings.Join(c.Args().Slice(), " ")
	case cmd.pubFile != "":
		data, err := os.ReadFile(cmd.pubFile)
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		payload = string(data)
	default:
		data, err := io.ReadAll(cmd.stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		payload = strings.TrimRight(string(data), "\r\n")
	}

	send := protocol.Send{Topic: cmd.pubTopic, Msg: payload, Delivery: delivery}
	if cmd.pubNoCache {
		cache := false
		send.Cache = &cache
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.timeout)
	defer cancel()

	cl, err := client.Dial(ctx, cmd.brokerAddr())
	if err != nil {
		return err
	}
	defer func() { _ = cl.Close() }()

	if _, err := cl.Request(ctx, send); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	log.Debug().Str("topic", send.Topic).Str("delivery", string(delivery)).Msg("published")
	return cl.Quit(ctx)
}

func (cmd *MsgCmd) runSub(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.timeout)
		defer cancel()
	}

	sub := protocol.Subscribe{Topic: cmd.subTopic}
	if c.IsSet("last-seen") {
		lastSeen := cmd.subLastSeen
		sub.LastSeen = &lastSeen
	}
	if cmd.subNoReplay {
		replay := false
		sub.Cache = &replay
	}

	cl, err := client.Dial(ctx, cmd.brokerAddr())
	if err != nil {
		return err
	}
	defer func() { _ = cl.Close() }()

	if _, err := cl.Request(ctx, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	w := c.Root().Writer
	for received := 0; cmd.subCount == 0 || received < cmd.subCount; {
		f, err := cl.Next(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, io.EOF):
			return errors.New("broker closed the connection")
		case err != nil:
			return fmt.Errorf("receive: %w", err)
		}

		if f.Message == nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\n", f.Raw); err != nil {
			return err
		}
		received++
	}

	return nil
}
