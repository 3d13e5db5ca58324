package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/eiannone/keyboard"

	"github.com/tbellam/miovisor"
	"github.com/tbellam/miovisor/internal/cli"
	"github.com/tbellam/miovisor/internal/insn"
	"github.com/tbellam/miovisor/internal/log"
)

// Demo creates the demonstration command: a small driver that exercises the trap engine
// against a live model, or against the synthetic oracle when none is running.
func Demo() cli.Command {
	return new(demo)
}

type demo struct {
	dir         string
	debug       bool
	interactive bool
}

var _ cli.Command = (*demo)(nil)

// The demo device: a UART window with a data register at +0 and a status register at +4.
const (
	demoDevice = uint32(1)
	demoBase   = uint64(0x4000_0000)
	demoLength = uint64(0x1000)
	demoRxIRQ  = uint32(0x2)
)

func (demo) Description() string {
	return "drive an emulated UART through the trap engine"
}

func (d demo) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
demo [ -dir <path> ] [ -debug ] [ -interactive ]

Registers a UART device window, performs trapped stores, loads, and a bulk fill against the
device model, then (with -interactive, on a terminal) forwards keystrokes to the UART data
register until ESC. Start the model first with the model command, or run standalone against
the built-in oracle.`)

	return err
}

func (d *demo) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)

	fs.StringVar(&d.dir, "dir", os.TempDir(), "runtime directory shared with the model")
	fs.BoolVar(&d.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&d.interactive, "interactive", false, "forward keystrokes to the UART")

	return fs
}

func (d demo) Run(ctx context.Context, _ []string, out io.Writer, logger *log.Logger) error {
	if d.debug {
		log.LogLevel.Set(log.Debug)
	}

	engine, err := miovisor.New(
		miovisor.WithRuntimeDir(d.dir),
		miovisor.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer engine.Close() //nolint:errcheck

	if err := engine.RegisterDevice(demoDevice, demoBase, demoLength); err != nil {
		return err
	}

	var rxReady atomic.Bool
	if err := engine.HandleInterrupt(demoRxIRQ, func(uint32) { rxReady.Store(true) }); err != nil {
		return err
	}

	if err := d.scripted(engine, out); err != nil {
		return err
	}

	if d.interactive {
		if !cli.Interactive(os.Stdin) {
			return fmt.Errorf("%w: -interactive needs a terminal", cli.ErrUsage)
		}

		return d.console(ctx, engine, out, &rxReady)
	}

	return nil
}

// scripted runs the canonical trap sequences: an immediate store, a status load, and a
// REP-prefixed fill, each through the fault path with a synthesized saved context.
func (d demo) scripted(engine *miovisor.Engine, out io.Writer) error {
	// mov dword [m], 0x12345678 against the status register.
	ctx := &miovisor.Context{}
	if err := fault(engine, ctx, demoBase+4,
		0xc7, 0x00, 0x78, 0x56, 0x34, 0x12); err != nil {
		return err
	}

	fmt.Fprintf(out, "trapped store: dword 0x12345678 -> %#x\n", demoBase+4)

	// mov ecx, [m] against the status register.
	ctx = &miovisor.Context{}
	if err := fault(engine, ctx, demoBase+4, 0x8b, 0x08); err != nil {
		return err
	}

	fmt.Fprintf(out, "trapped load:  status = %#x\n", ctx.Regs[miovisor.RCX])

	// rep stosb: fill the first 32 bytes of the window with 0xaa.
	ctx = &miovisor.Context{}
	ctx.Regs[miovisor.RDI] = demoBase
	ctx.Regs[miovisor.RCX] = 32
	ctx.Regs[miovisor.RAX] = 0xaa

	if err := fault(engine, ctx, demoBase, 0xf3, 0xaa); err != nil {
		return err
	}

	fmt.Fprintf(out, "bulk store:    32 bytes, rdi = %#x rcx = %d\n",
		ctx.Regs[miovisor.RDI], ctx.Regs[miovisor.RCX])

	// The direct API path, for drivers that prefer a call over a trap.
	value, err := engine.RegisterRead(demoBase+4, 4)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "api read:      status = %#x\n", value)

	return nil
}

// console forwards keystrokes to the UART data register and echoes model input raised via
// the receive interrupt.
func (d demo) console(ctx context.Context, engine *miovisor.Engine, out io.Writer, rxReady *atomic.Bool) error {
	if err := keyboard.Open(); err != nil {
		return err
	}
	defer keyboard.Close() //nolint:errcheck

	fmt.Fprintln(out, "console: keys go to the UART, ESC exits")

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

		if err := engine.RegisterWrite(demoBase, uint64(ch), 1); err != nil {
			return err
		}

		// Drain any model-raised receive interrupt and echo the byte it announced.
		if err := engine.PollInterrupts(); err != nil {
			return err
		}

		if rxReady.Swap(false) {
			b, err := engine.RegisterRead(demoBase, 1)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "rx: %c\n", rune(byte(b)))
		}
	}

	return ctx.Err()
}

// fault executes one instruction through the trap path: the context's instruction pointer
// is aimed at the code bytes and the engine emulates the access at addr.
func fault(engine *miovisor.Engine, ctx *miovisor.Context, addr uint64, code ...byte) error {
	buf := make([]byte, insn.MaxLen+1)
	copy(buf, code)

	ctx.RIP = uint64(uintptr(unsafe.Pointer(&buf[0])))

	err := engine.Fault(ctx, addr)
	runtime.KeepAlive(buf)

	return err
}
