// cmd/miovisor is the command-line interface to the MMIO trap engine: a demonstration
// driver and a behavioral device model host.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/tbellam/miovisor/internal/cli"
	"github.com/tbellam/miovisor/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Demo(),
	cmd.Model(),
}

// Entry point.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result :=
		cli.New(ctx).
			WithLogger(os.Stderr).
			WithCommands(commands...).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
