// Package command maps external commands onto the enforcement controller.
package command

import (
	"context"
	"log/slog"
	"strings"
)

// Command is an instruction received from outside the process.
type Command int

const (
	Unknown Command = iota
	Start
	Stop
)

func (c Command) String() string {
	switch c {
	case Start:
		return "START"
	case Stop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Parse reads a command name. Anything unrecognised is Unknown.
func Parse(raw string) Command {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "START":
		return Start
	case "STOP":
		return Stop
	default:
		return Unknown
	}
}

// Controller is the part of the enforcement controller commands drive.
type Controller interface {
	Apply(ctx context.Context) error
	Revert(ctx context.Context) error
}

// Dispatcher executes commands against a Controller.
type Dispatcher struct {
	ctrl Controller
	log  *slog.Logger
}

func NewDispatcher(ctrl Controller, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{ctrl: ctrl, log: log}
}

// Dispatch runs raw. Unknown commands are logged and ignored. The returned
// error is the controller's, already logged.
func (d *Dispatcher) Dispatch(ctx context.Context, raw string) (Command, error) {
	cmd := Parse(raw)
	d.log.Info("command received", "command", cmd, "raw", raw)

	var err error
	switch cmd {
	case Start:
		err = d.ctrl.Apply(ctx)
	case Stop:
		err = d.ctrl.Revert(ctx)
	default:
		d.log.Info("ignoring unsupported command", "raw", raw)
		return cmd, nil
	}
	if err != nil {
		d.log.Warn("command failed", "command", cmd, "error", err)
	}
	return cmd, err
}
