// Package console provides the interactive operator console.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/chzyer/readline"
	log "github.com/sirupsen/logrus"

	"observatory/pkg/observatory"
)

// Controller is the part of the observatory the console drives.
type Controller interface {
	Status(ctx context.Context) observatory.Status
	IsSafe(ctx context.Context) (bool, error)
	ConnectAll(ctx context.Context) error
	DisconnectAll(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	TakeControl(ctx context.Context, op observatory.Operator, force bool) error
	ReleaseControl(ctx context.Context, op observatory.Operator) error
	Halt(ctx context.Context)
	Reset(ctx context.Context) error
	SetSafeOverride(on bool)
}

var _ Controller = (*observatory.Observatory)(nil)

var errUsage = errors.New("usage")

// Console runs operator commands against a controller.
type Console struct {
	ctrl   Controller
	tmpl   *template.Template
	logger log.FieldLogger
}

// New creates a console rendering status with the "status" template of tmpl.
func New(ctrl Controller, tmpl *template.Template, logger log.FieldLogger) *Console {
	return &Console{
		ctrl:   ctrl,
		tmpl:   tmpl,
		logger: logger.WithField("component", "console"),
	}
}

// Run reads commands until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "observatory> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	c.printHelp(out)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(out, "Exiting...")
			return nil
		}
		if c.Execute(ctx, line, out) {
			fmt.Fprintln(out, "Exiting...")
			return nil
		}
	}
}

// Execute runs one command line and writes its outcome to out. It returns
// true when the console should exit.
func (c *Console) Execute(ctx context.Context, line string, out io.Writer) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		c.printHelp(out)
		return false
	case "quit", "exit", "q":
		return true
	case "status", "s":
		err = c.cmdStatus(ctx, out)
	case "safe":
		err = c.cmdSafe(ctx, out)
	case "connect":
		err = c.ctrl.ConnectAll(ctx)
	case "disconnect":
		err = c.ctrl.DisconnectAll(ctx)
	case "start":
		err = c.ctrl.Start(ctx)
	case "stop":
		err = c.ctrl.Stop(ctx)
	case "take":
		err = c.cmdTake(ctx, args)
	case "release":
		err = c.cmdRelease(ctx, args)
	case "halt":
		c.ctrl.Halt(ctx)
	case "reset":
		err = c.ctrl.Reset(ctx)
	case "override":
		err = c.cmdOverride(args)
	default:
		fmt.Fprintf(out, "Unknown command: %s (type 'help' for commands)\n", cmd)
		return false
	}

	if err != nil {
		c.logger.Debugf("%s failed: %v", cmd, err)
		fmt.Fprintf(out, "Error: %v\n", err)
	} else if cmd != "status" && cmd != "s" && cmd != "safe" {
		fmt.Fprintln(out, "OK")
	}
	return false
}

func (c *Console) cmdStatus(ctx context.Context, out io.Writer) error {
	return c.tmpl.ExecuteTemplate(out, "status", c.ctrl.Status(ctx))
}

func (c *Console) cmdSafe(ctx context.Context, out io.Writer) error {
	safe, err := c.ctrl.IsSafe(ctx)
	if err != nil {
		return err
	}
	if safe {
		fmt.Fprintln(out, "Safe to observe")
	} else {
		fmt.Fprintln(out, "Unsafe")
	}
	return nil
}

func (c *Console) cmdTake(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("%w: take <id> [name] [force]", errUsage)
	}
	op := observatory.Operator{ID: args[0]}
	force := false
	for _, arg := range args[1:] {
		if arg == "force" {
			force = true
		} else {
			op.Name = arg
		}
	}
	return c.ctrl.TakeControl(ctx, op, force)
}

func (c *Console) cmdRelease(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: release <id>", errUsage)
	}
	return c.ctrl.ReleaseControl(ctx, observatory.Operator{ID: args[0]})
}

func (c *Console) cmdOverride(args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return fmt.Errorf("%w: override <on|off>", errUsage)
	}
	c.ctrl.SetSafeOverride(args[0] == "on")
	return nil
}

func (c *Console) printHelp(out io.Writer) {
	fmt.Fprintln(out, `
Observatory Commands:
  status                    - Show observatory and device status
  safe                      - Report whether the weather allows observing
  connect                   - Connect every device
  disconnect                - Disconnect every device
  start                     - Unpark, home and cool down
  stop                      - Park, close and warm up
  take <id> [name] [force]  - Take manual control
  release <id>              - Release manual control
  halt                      - Stop all motion and enter the error state
  reset                     - Leave the error state
  override <on|off>         - Ignore the weather when securing the observatory
  help                      - Show this help
  quit                      - Exit the console`)
}
