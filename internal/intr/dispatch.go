package intr

// dispatch.go watches for the notification signal and runs callbacks, and implements the
// synchronous accept-and-dispatch alternative used where signal delivery is inconvenient.

import (
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/tbellam/miovisor/internal/log"
	"github.com/tbellam/miovisor/internal/wire"
)

// DefaultPollTimeout bounds one Poll cycle.
const DefaultPollTimeout = 100 * time.Millisecond

// Dispatcher consumes interrupt notifications for one driver process.
type Dispatcher struct {
	dir   string
	pid   int
	table *Table

	sig  chan os.Signal
	done chan struct{}
	wg   sync.WaitGroup

	log *log.Logger
}

// NewDispatcher creates a dispatcher reading drop files for this process from dir.
func NewDispatcher(dir string, table *Table, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Dispatcher{
		dir:   dir,
		pid:   os.Getpid(),
		table: table,
		sig:   make(chan os.Signal, 8),
		done:  make(chan struct{}),
		log:   logger,
	}
}

// Start subscribes to the notification signal and begins dispatching.
func (d *Dispatcher) Start() {
	signal.Notify(d.sig, NotifySignal)

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		for {
			select {
			case <-d.sig:
				d.consume()
			case <-d.done:
				return
			}
		}
	}()
}

// Stop unsubscribes from the signal and waits for the dispatch goroutine.
func (d *Dispatcher) Stop() {
	signal.Stop(d.sig)
	close(d.done)
	d.wg.Wait()
}

// consume reads the parameter drop file, dispatches the callback, and unlinks the file.
func (d *Dispatcher) consume() {
	path := DropFilePath(d.dir, d.pid)

	b, err := os.ReadFile(path)
	if err != nil {
		// A signal without parameters is a spurious wakeup.
		if !os.IsNotExist(err) {
			d.log.Warn("interrupt parameters unreadable", log.Any("err", err))
		}

		return
	}

	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			d.log.Warn("interrupt drop file", log.Any("err", err))
		}
	}()

	device, irq, err := parseRecord(string(b))
	if err != nil {
		d.log.Warn("interrupt parameters malformed", log.Any("err", err))
		return
	}

	d.log.Debug("interrupt",
		log.Uint64("device", uint64(device)),
		log.Uint64("irq", uint64(irq)))

	d.table.Dispatch(irq)
}

// Poll runs one accept-and-dispatch cycle on the driver's interrupt socket. It returns
// promptly whether or not a notification arrived. An accepted message must carry the
// INTERRUPT command with the interrupt identifier in the length field.
func Poll(ln *net.UnixListener, table *Table, timeout time.Duration, logger *log.Logger) error {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	if err := ln.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	conn, err := ln.Accept()
	if err != nil {
		if os.IsTimeout(err) {
			return nil
		}

		return err
	}
	defer conn.Close()

	req := &wire.Message{}
	if _, err := req.ReadFrom(conn); err != nil {
		logger.Warn("interrupt message", log.Any("err", err))
		return nil
	}

	resp := *req

	if req.Command == wire.CmdInterrupt {
		table.Dispatch(req.Length)
		resp.Result = wire.ResultSuccess
	} else {
		logger.Warn("unexpected command on interrupt socket", log.String("request", req.String()))
		resp.Result = wire.ResultError
	}

	if _, err := resp.WriteTo(conn); err != nil {
		logger.Warn("interrupt response", log.Any("err", err))
	}

	return nil
}
