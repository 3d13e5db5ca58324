package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/eiannone/keyboard"

	"github.com/tbellam/miovisor"
	"github.com/tbellam/miovisor/internal/cli"
	"github.com/tbellam/miovisor/internal/log"
	"github.com/tbellam/miovisor/internal/model"
)

// Model creates the model command: it hosts the behavioral device model the demo driver
// talks to.
func Model() cli.Command {
	return new(modelCmd)
}

type modelCmd struct {
	dir   string
	debug bool
	feed  bool
}

var _ cli.Command = (*modelCmd)(nil)

func (modelCmd) Description() string {
	return "host the behavioral UART device model"
}

func (m modelCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
model [ -dir <path> ] [ -debug ] [ -feed ]

Listens for engine requests and answers them from a UART device model. Transmitted bytes
are echoed to standard output. With -feed, on a terminal, keystrokes become UART input:
each one lands in the data register and raises the receive interrupt in the driver
process.`)

	return err
}

func (m *modelCmd) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("model", flag.ExitOnError)

	fs.StringVar(&m.dir, "dir", os.TempDir(), "runtime directory shared with the driver")
	fs.BoolVar(&m.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&m.feed, "feed", false, "forward keystrokes to the UART as device input")

	return fs
}

func (m modelCmd) Run(ctx context.Context, _ []string, out io.Writer, logger *log.Logger) error {
	if m.debug {
		log.LogLevel.Set(log.Debug)
	}

	srv, err := model.NewServer(filepath.Join(m.dir, model.DefaultSocketName), logger)
	if err != nil {
		return err
	}
	defer srv.Close() //nolint:errcheck

	uart := model.NewUART(uint32(demoBase), out)
	uart.OnInput = func() {
		// Best effort: no driver may be attached yet.
		if err := miovisor.NotifyInterrupt(m.dir, demoDevice, demoRxIRQ); err != nil {
			logger.Debug("interrupt not delivered", log.Any("err", err))
		}
	}

	srv.Handle(demoDevice, uart)
	srv.Start()

	logger.Info("model listening", log.String("socket", srv.Addr()))

	if m.feed {
		if !cli.Interactive(os.Stdin) {
			return fmt.Errorf("%w: -feed needs a terminal", cli.ErrUsage)
		}

		return m.console(ctx, uart, out)
	}

	<-ctx.Done()

	return nil
}

// console turns keystrokes into UART input until ESC.
func (m modelCmd) console(ctx context.Context, uart *model.UART, out io.Writer) error {
	if err := keyboard.Open(); err != nil {
		return err
	}
	defer keyboard.Close() //nolint:errcheck

	fmt.Fprintln(out, "feed: keys become UART input, ESC exits")

	for ctx.Err() == nil {
		ch, key, err := keyboard.GetKey()
		if err != nil {
			return err
		}

		if key == keyboard.KeyEsc || key == keyboard.KeyCtrlC {
			return nil
		}

		if ch == 0 {
			ch = rune(key)
		}

		uart.Feed(byte(ch))
	}

	return ctx.Err()
}
