package model

// uart.go has a small UART-flavoured device model for demonstrations: a data register at
// offset 0 and a status register at offset 4 with a ready bit.

import (
	"io"
	"sync"

	"github.com/tbellam/miovisor/internal/wire"
)

// UART register offsets from the device base.
const (
	UARTData   = 0x0
	UARTStatus = 0x4

	// UARTReady is set in the status register while input is pending.
	UARTReady = 0x1
)

// UART is a transmit/receive register pair. Bytes written to the data register are echoed
// to the output writer; bytes fed from the host side are readable from the data register
// until consumed.
type UART struct {
	base uint32
	out  io.Writer

	mu      sync.Mutex
	rx      byte
	pending bool

	// OnInput, when set, runs after Feed stores a byte. The demo uses it to raise a driver
	// interrupt.
	OnInput func()
}

var _ Resetter = (*UART)(nil)

// NewUART creates a UART model at a device base address, echoing transmitted bytes to out.
func NewUART(base uint32, out io.Writer) *UART {
	return &UART{base: base, out: out}
}

// Feed delivers one byte of input to the device.
func (u *UART) Feed(b byte) {
	u.mu.Lock()
	u.rx = b
	u.pending = true
	notify := u.OnInput
	u.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (u *UART) Read(addr uint32, size int) (uint64, wire.Result) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch addr - u.base {
	case UARTData:
		u.pending = false
		return uint64(u.rx), wire.ResultSuccess

	case UARTStatus:
		var status uint64
		if u.pending {
			status |= UARTReady
		}

		return status, wire.ResultSuccess

	default:
		return 0, wire.ResultInvalidAddr
	}
}

func (u *UART) Write(addr uint32, data []byte) wire.Result {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch addr - u.base {
	case UARTData:
		if u.out != nil {
			if _, err := u.out.Write(data[:1]); err != nil {
				return wire.ResultError
			}
		}

		return wire.ResultSuccess

	case UARTStatus:
		// Status is read-only; accept and discard.
		return wire.ResultSuccess

	default:
		return wire.ResultInvalidAddr
	}
}

// Reset clears pending input.
func (u *UART) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.pending = false
	u.rx = 0
}
