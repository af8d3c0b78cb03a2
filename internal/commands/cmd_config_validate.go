package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/hay-kot/criterio"
	"github.com/urfave/cli/v3"

	"github.com/mtrencseni/aiomemq/internal/core/config"
	"github.com/mtrencseni/aiomemq/internal/printer"
)

type ConfigValidateCmd struct {
	flags  *Flags
	format string
}

// NewConfigValidateCmd creates a new config validate command.
func NewConfigValidateCmd(flags *Flags) *ConfigValidateCmd {
	return &ConfigValidateCmd{flags: flags}
}

// Register adds the config validate command to the application.
func (cmd *ConfigValidateCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "config",
		Usage: "Configuration management commands",
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Validate configuration file",
				UsageText: "aiomemq config validate [options]",
				Description: `Validates the configuration file: listen addresses, cache size, outbound
queue depth and line length. A valid file is echoed back with defaults
filled in, alongside the addresses clients should dial.`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "format",
						Usage:       "output format (text, json)",
						Value:       "text",
						Destination: &cmd.format,
					},
				},
				Action: cmd.run,
			},
		},
	})

	return app
}

// settingsReport is the resolved configuration as reported to the user.
type settingsReport struct {
	Listen        string `json:"listen"`
	Dial          string `json:"dial"`
	WebSocket     string `json:"websocket,omitempty"`
	CacheSize     int    `json:"cache_size"`
	OutboundDepth int    `json:"outbound_depth"`
	MaxLineBytes  int    `json:"max_line_bytes"`
	StatsInterval string `json:"stats_interval"`
	DrainTimeout  string `json:"drain_timeout"`
}

func newSettingsReport(cfg *config.Config) settingsReport {
	stats := "disabled"
	if cfg.StatsInterval > 0 {
		stats = cfg.StatsInterval.String()
	}
	return settingsReport{
		Listen:        cfg.Addr(),
		Dial:          cfg.DialAddr(),
		WebSocket:     cfg.WebSocketURL(),
		CacheSize:     cfg.CacheSize,
		OutboundDepth: cfg.OutboundDepth,
		MaxLineBytes:  cfg.MaxLineBytes,
		StatsInterval: stats,
		DrainTimeout:  cfg.DrainTimeout.String(),
	}
}

// lines renders the report as label/value pairs in a fixed order.
func (r settingsReport) lines() [][2]string {
	ws := r.WebSocket
	if ws == "" {
		ws = "disabled"
	}
	cache := strconv.Itoa(r.CacheSize) + " messages per topic"
	if r.CacheSize == 0 {
		cache = "disabled"
	}
	return [][2]string{
		{"listen", r.Listen},
		{"dial", r.Dial},
		{"websocket", ws},
		{"cache", cache},
		{"outbound queue", strconv.Itoa(r.OutboundDepth) + " frames"},
		{"max line", strconv.Itoa(r.MaxLineBytes) + " bytes"},
		{"stats", r.StatsInterval},
		{"drain", r.DrainTimeout},
	}
}

func (cmd *ConfigValidateCmd) run(ctx context.Context, c *cli.Command) error {
	if cmd.flags.Config == nil {
		return fmt.Errorf("configuration not loaded")
	}

	cfg := cmd.flags.Config
	err := cfg.Validate()
	warnings := cfg.Warnings()

	if cmd.format == "json" {
		if encErr := cmd.outputJSON(c, cfg, err, warnings); encErr != nil {
			return encErr
		}
	} else {
		cmd.outputText(printer.Ctx(ctx), cfg, err, warnings)
	}

	if err != nil {
		return cli.Exit("", 1)
	}
	return nil
}

type fieldErrorJSON struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (cmd *ConfigValidateCmd) outputJSON(c *cli.Command, cfg *config.Config, validationErr error, warnings []config.ValidationWarning) error {
	out := struct {
		Valid    bool                       `json:"valid"`
		Path     string                     `json:"path"`
		Settings *settingsReport            `json:"settings,omitempty"`
		Errors   []fieldErrorJSON           `json:"errors,omitempty"`
		Warnings []config.ValidationWarning `json:"warnings,omitempty"`
	}{
		Valid:    validationErr == nil,
		Path:     cmd.flags.ConfigPath,
		Warnings: warnings,
	}

	if validationErr == nil {
		report := newSettingsReport(cfg)
		out.Settings = &report
	}
	for _, fe := range extractFieldErrors(validationErr) {
		out.Errors = append(out.Errors, fieldErrorJSON{Field: fe.Field, Message: fe.Err.Error()})
	}

	enc := json.NewEncoder(c.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// extractFieldErrors extracts field errors from a validation error.
func extractFieldErrors(err error) criterio.FieldErrors {
	if err == nil {
		return nil
	}
	var fieldErrs criterio.FieldErrors
	if errors.As(err, &fieldErrs) {
		return fieldErrs
	}
	return criterio.FieldErrors{{Err: err}}
}

func (cmd *ConfigValidateCmd) outputText(p *printer.Printer, cfg *config.Config, validationErr error, warnings []config.ValidationWarning) {
	p.Infof("config: %s", cmd.flags.ConfigPath)
	p.Printf("")

	fieldErrs := extractFieldErrors(validationErr)
	if len(fieldErrs) > 0 {
		p.Section("Errors")
		for _, fe := range fieldErrs {
			label := fe.Field
			if label == "" {
				label = "config"
			}
			p.FailItem(label, fe.Err.Error())
		}
	} else {
		p.Section("Broker")
		for _, kv := range newSettingsReport(cfg).lines() {
			p.Printf("  %-15s %s", kv[0], kv[1])
		}
	}

	if len(warnings) > 0 {
		p.Printf("")
		p.Section("Warnings")
		for _, warn := range warnings {
			label := warn.Category
			if warn.Item != "" {
				label += " (" + warn.Item + ")"
			}
			p.WarnItem(label, warn.Message)
		}
	}

	p.Printf("")
	if validationErr == nil {
		if len(warnings) > 0 {
			p.Successf("Configuration is valid (%d warning(s))", len(warnings))
		} else {
			p.Successf("Configuration is valid")
		}
		return
	}

	p.Errorf("%d error(s), %d warning(s)", len(fieldErrs), len(warnings))
}
