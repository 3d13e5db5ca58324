package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tbellam/miovisor/internal/cli"
	"github.com/tbellam/miovisor/internal/log"
)

// Help creates the help command over a command list.
func Help(cmds []cli.Command) cli.Command {
	return &help{cmd: cmds}
}

type help struct {
	cmd []cli.Command
}

var _ cli.Command = (*help)(nil)

func (help) Description() string {
	return "display help for commands"
}

func (h help) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("help", flag.ExitOnError)
}

func (h help) Run(_ context.Context, args []string, out io.Writer, _ *log.Logger) error {
	if len(args) == 1 {
		for _, cmd := range h.cmd {
			if args[0] == cmd.FlagSet().Name() {
				return cmd.Usage(out)
			}
		}

		return fmt.Errorf("%w: unknown command %q", cli.ErrUsage, args[0])
	}

	return h.Usage(os.Stderr)
}

func (h help) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
miovisor emulates memory-mapped device registers for user-space driver code, backed by a
behavioral device model in a separate process.

Usage:

        miovisor <command> [option]... [arg]...

Commands:`)
	if err != nil {
		return err
	}

	for _, cmd := range h.cmd {
		fs := cmd.FlagSet()
		fmt.Fprintf(out, "  %-12s %s\n", fs.Name(), cmd.Description())
	}

	fmt.Fprintln(out)

	return nil
}
