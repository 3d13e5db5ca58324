// Package cli contains the command-line interface.
package cli

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/tbellam/miovisor/internal/log"
)

// Command is one sub-command. Each sub-command has its own flags and action.
type Command interface {
	// FlagSet returns the options the command accepts; its name selects the command.
	FlagSet() *flag.FlagSet

	// Description returns a one-line description of the command.
	Description() string

	// Usage writes detailed command documentation.
	Usage(out io.Writer) error

	// Run executes the command. Program output goes to out; diagnostics go to the logger.
	Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) error
}

// ErrUsage is returned by commands for invocation mistakes; the commander prints usage and
// exits with a distinct code.
var ErrUsage = errors.New("usage error")

// Commander runs sub-commands and owns their shared setup.
type Commander struct {
	ctx context.Context
	log *log.Logger

	help     Command
	commands []Command
}

// New creates a command-runner.
func New(ctx context.Context) *Commander {
	return &Commander{ctx: ctx}
}

// WithCommands adds sub-commands.
func (cli *Commander) WithCommands(cmds ...Command) *Commander {
	cli.commands = append(cli.commands, cmds...)
	return cli
}

// WithHelp sets the fallback command run when no sub-command matches.
func (cli *Commander) WithHelp(cmd Command) *Commander {
	cli.help = cmd
	return cli
}

// WithLogger configures logging for the process. Logs go to err so out stays clean for
// program output.
func (cli *Commander) WithLogger(err *os.File) *Commander {
	logger := log.NewLineLogger(err)
	cli.log = logger

	log.SetDefault(logger)
	log.DefaultLogger = func() *log.Logger { return logger }

	return cli
}

// Execute parses the arguments, runs the selected command, and returns the process exit
// code.
func (cli *Commander) Execute(args []string) int {
	if len(args) == 0 {
		_ = cli.help.Usage(os.Stderr)
		return 2
	}

	found := cli.help

	for _, cmd := range cli.commands {
		if args[0] == cmd.FlagSet().Name() {
			found = cmd
			break
		}
	}

	fs := found.FlagSet()
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	err := found.Run(cli.ctx, fs.Args(), os.Stdout, cli.log)

	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUsage):
		_ = found.Usage(os.Stderr)
		return 2
	default:
		cli.log.Error("command failed", log.String("command", fs.Name()), log.Any("err", err))
		return 1
	}
}

// Interactive reports whether the file is attached to a terminal; commands use it to decide
// whether to offer console input.
func Interactive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Type aliases from the standard library.
type (
	Flag    = flag.Flag
	FlagSet = flag.FlagSet
)
