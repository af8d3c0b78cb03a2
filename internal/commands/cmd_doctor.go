package commands

import (
	"context"
	"encoding/json"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mtrencseni/aiomemq/internal/commands/doctor"
	"github.com/mtrencseni/aiomemq/internal/printer"
)

type DoctorCmd struct {
	flags   *Flags
	format  string
	addr    string
	wsURL   string
	timeout time.Duration
}

func NewDoctorCmd(flags *Flags) *DoctorCmd {
	return &DoctorCmd{flags: flags}
}

func (cmd *DoctorCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "doctor",
		Usage:     "Run health checks against the config and a running broker",
		UsageText: "aiomemq doctor [options]",
		Description: `Runs diagnostic checks on the configuration, then connects to the broker
and performs a round trip over TCP and, when enabled, WebSocket.

Addresses default to the ones in the config file with wildcard hosts
replaced by loopback.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (text, json)",
				Value:       "text",
				Destination: &cmd.format,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "broker TCP address (default: from config)",
				Destination: &cmd.addr,
			},
			&cli.StringFlag{
				Name:        "ws-url",
				Usage:       "broker WebSocket URL (default: from config)",
				Destination: &cmd.wsURL,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "time limit for each check",
				Value:       3 * time.Second,
				Destination: &cmd.timeout,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *DoctorCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config

	checks := []doctor.Check{doctor.NewConfigCheck(cfg)}
	if cfg != nil {
		addr := cmd.addr
		if addr == "" {
			addr = cfg.DialAddr()
		}
		wsURL := cmd.wsURL
		if wsURL == "" {
			wsURL = cfg.WebSocketURL()
		}
		checks = append(checks, doctor.NewBrokerCheck(addr), doctor.NewWebSocketCheck(wsURL))
	}

	results := doctor.RunAll(ctx, checks, cmd.timeout)

	if cmd.format == "json" {
		return cmd.outputJSON(c, results)
	}

	return cmd.outputText(ctx, results)
}

func (cmd *DoctorCmd) outputJSON(c *cli.Command, results []doctor.Result) error {
	passed, warned, failed := doctor.Summary(results)

	out := struct {
		Healthy bool            `json:"healthy"`
		Summary summaryJSON     `json:"summary"`
		Checks  []doctor.Result `json:"checks"`
	}{
		Healthy: failed == 0,
		Summary: summaryJSON{Passed: passed, Warned: warned, Failed: failed},
		Checks:  results,
	}

	enc := json.NewEncoder(c.Root().Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if failed > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

type summaryJSON struct {
	Passed int `json:"passed"`
	Warned int `json:"warned"`
	Failed int `json:"failed"`
}

func (cmd *DoctorCmd) outputText(ctx context.Context, results []doctor.Result) error {
	p := printer.Ctx(ctx)

	for _, result := range results {
		p.Section(result.Name)

		for _, item := range result.Items {
			switch item.Status {
			case doctor.StatusPass:
				p.CheckItem(item.Label, item.Detail)
			case doctor.StatusWarn:
				p.WarnItem(item.Label, item.Detail)
			case doctor.StatusFail:
				p.FailItem(item.Label, item.Detail)
			}
		}

		p.Printf("")
	}

	passed, warned, failed := doctor.Summary(results)
	p.Printf("Summary: %d passed, %d warnings, %d failed", passed, warned, failed)

	if failed > 0 {
		return cli.Exit("", 1)
	}

	return nil
}
