// Package control maps remote commands received on the bus to writes
// against the device. Commands arrive on the MQTT client's goroutines
// and are queued; they execute on the scheduler goroutine when Pump runs.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/ess2mqtt/internal/ess"
)

// Command is a recognized control action.
type Command int

const (
	// CommandNone is any payload that is not a recognized command.
	CommandNone Command = iota
	// CommandSeasonOn enables the seasonal charging window.
	CommandSeasonOn
	// CommandSeasonOff disables the seasonal charging window.
	CommandSeasonOff
)

func (c Command) String() string {
	switch c {
	case CommandSeasonOn:
		return "season-on"
	case CommandSeasonOff:
		return "season-off"
	default:
		return "none"
	}
}

// ParseCommand maps a payload to a Command. Matching ignores case and
// surrounding whitespace.
func ParseCommand(payload []byte) Command {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on":
		return CommandSeasonOn
	case "off":
		return CommandSeasonOff
	default:
		return CommandNone
	}
}

// Writer performs an authenticated write. *ess.Client satisfies it.
type Writer interface {
	Write(ctx context.Context, ep ess.Endpoint, body map[string]any) (ess.Document, error)
}

// DefaultInboxSize bounds the number of commands waiting for Pump.
const DefaultInboxSize = 8

// Window is the seasonal date range, both ends as MMDD.
type Window struct {
	Start string
	Stop  string
}

// Channel queues commands from the bus and executes them against the
// device.
type Channel struct {
	writer   Writer
	endpoint ess.Endpoint
	window   Window
	inbox    chan Command
	logger   *slog.Logger
}

// NewChannel creates a Channel that writes season commands to ep.
func NewChannel(writer Writer, ep ess.Endpoint, window Window, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		writer:   writer,
		endpoint: ep,
		window:   window,
		inbox:    make(chan Command, DefaultInboxSize),
		logger:   logger,
	}
}

// Handle is the bus message callback. It never blocks: unrecognized
// payloads are dropped, and so is a command arriving while the inbox is
// full.
func (c *Channel) Handle(topic string, payload []byte) {
	cmd := ParseCommand(payload)
	if cmd == CommandNone {
		c.logger.Debug("ignoring unrecognized control payload",
			"topic", topic,
			"payload", string(payload),
		)
		return
	}

	select {
	case c.inbox <- cmd:
		c.logger.Debug("control command queued", "topic", topic, "command", cmd)
	default:
		c.logger.Warn("control inbox full, dropping command",
			"topic", topic,
			"command", cmd,
		)
	}
}

// Pending returns the number of queued commands.
func (c *Channel) Pending() int {
	return len(c.inbox)
}

// Pump executes every queued command. A failed write is logged and the
// remaining commands still run; the last failure is returned.
func (c *Channel) Pump(ctx context.Context) error {
	var lastErr error
	for {
		select {
		case cmd := <-c.inbox:
			if err := c.Execute(ctx, cmd); err != nil {
				c.logger.Error("control command failed",
					"command", cmd,
					"error", err,
				)
				lastErr = err
			}
		default:
			return lastErr
		}
	}
}

// Execute writes the body for cmd to the device. CommandNone is a no-op.
func (c *Channel) Execute(ctx context.Context, cmd Command) error {
	body := c.Body(cmd)
	if body == nil {
		return nil
	}

	if _, err := c.writer.Write(ctx, c.endpoint, body); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	c.logger.Info("control command applied",
		"command", cmd,
		"endpoint", c.endpoint.Path,
	)
	return nil
}

// Body returns the write body for cmd, or nil for CommandNone.
func (c *Channel) Body(cmd Command) map[string]any {
	switch cmd {
	case CommandSeasonOn:
		return map[string]any{
			"wintermode": "on",
			"startdate":  c.window.Start,
			"stopdate":   c.window.Stop,
		}
	case CommandSeasonOff:
		return map[string]any{"wintermode": "off"}
	default:
		return nil
	}
}
