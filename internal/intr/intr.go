// Package intr delivers model-raised interrupts to driver callbacks.
//
// The delivery protocol is deliberately primitive. The engine publishes its process
// identifier in a well-known file. To interrupt, the model writes a "device,interrupt"
// parameter record into a drop file named for that process and sends it SIGUSR1; the
// engine's dispatch goroutine parses the record and invokes the registered callback. A
// synchronous alternative accepts one protocol message on the engine's interrupt socket.
package intr

import (
	"fmt"
	"sync/atomic"

	"github.com/tbellam/miovisor/internal/log"
)

// MaxInterrupts bounds the callback table.
const MaxInterrupts = 16

// Callback handles one interrupt. Callbacks run on the engine's dispatch goroutine, which
// is woken asynchronously from the driver's point of view, or on the goroutine calling Poll
// for socket deliveries: they must not block, take locks
// held by the main loop, or perform I/O. Set a flag and return.
type Callback func(irq uint32)

// Table maps interrupt identifiers to callbacks. Registration happens on the driver
// thread; dispatch happens on the signal-watch goroutine and the poll path.
type Table struct {
	slots [MaxInterrupts]atomic.Value // Callback
	log   *log.Logger
}

// NewTable creates an empty callback table.
func NewTable(logger *log.Logger) *Table {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Table{log: logger}
}

// Register installs a callback for an interrupt identifier. A nil callback clears the
// entry.
func (t *Table) Register(irq uint32, fn Callback) error {
	if irq >= MaxInterrupts {
		return fmt.Errorf("intr: id %d out of range", irq)
	}

	t.slots[irq].Store(fn)

	return nil
}

// Dispatch invokes the callback registered for irq. Deliveries for unregistered
// identifiers are dropped.
func (t *Table) Dispatch(irq uint32) {
	if irq >= MaxInterrupts {
		t.log.Warn("interrupt id out of range", log.Uint64("irq", uint64(irq)))
		return
	}

	fn, _ := t.slots[irq].Load().(Callback)
	if fn == nil {
		t.log.Warn("interrupt with no handler", log.Uint64("irq", uint64(irq)))
		return
	}

	fn(irq)
}
