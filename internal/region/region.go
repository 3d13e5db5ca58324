// Package region tracks the protected address windows registered for emulated devices.
//
// A window is a contiguous range of addresses reserved in this process with no access
// permissions, so that every load or store into it traps. The registered base address and the
// reserved virtual address are the same value for the life of the window: driver code writes
// literal addresses and must observe exactly those addresses.
package region

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tbellam/miovisor/internal/log"
)

// MaxWindows bounds the registry. The working set of a driver process is tiny, so windows
// live in a fixed array and lookup is linear by containment.
const MaxWindows = 16

var (
	errRegion = errors.New("region")

	// ErrCapacity is returned when the registry is full.
	ErrCapacity = fmt.Errorf("%w: too many windows", errRegion)

	// ErrOverlap is returned when a new window intersects a registered one.
	ErrOverlap = fmt.Errorf("%w: window overlap", errRegion)

	// ErrNoWindow is returned when no registered window matches.
	ErrNoWindow = fmt.Errorf("%w: no window", errRegion)

	// ErrReserve is returned when the OS will not place the reservation at the exact
	// requested address.
	ErrReserve = fmt.Errorf("%w: reservation failed", errRegion)
)

// WindowError carries the address that a failed registry operation concerned.
type WindowError struct {
	Addr uint64
	Err  error
}

func (we *WindowError) Error() string {
	return fmt.Sprintf("%s: addr %#x", we.Err, we.Addr)
}

func (we *WindowError) Unwrap() error { return we.Err }

// Window is one registered device window.
type Window struct {
	Device uint32 // opaque device identifier
	Base   uint64 // reserved address; identical to the registered base
	Length uint64 // window length in bytes

	reserved bool // an OS mapping backs the window and must be released
}

// Contains reports whether addr falls inside the window.
func (w *Window) Contains(addr uint64) bool {
	return addr >= w.Base && addr < w.Base+w.Length
}

// End returns the first address past the window.
func (w *Window) End() uint64 { return w.Base + w.Length }

func (w *Window) String() string {
	return fmt.Sprintf("dev %d [%#x, %#x)", w.Device, w.Base, w.End())
}

// Table is the window registry.
//
// Find runs on the fault path while Reserve and Release run on the driver thread, so
// publication follows a simple discipline: the slot array holds pointers swapped atomically,
// and the live count is raised last on insertion and lowered first on removal. A concurrent
// Find sees either the old or the new window set, never a torn record.
type Table struct {
	mu    sync.Mutex // serializes writers
	count atomic.Int32
	slots [MaxWindows]atomic.Pointer[Window]

	log *log.Logger
}

// NewTable creates an empty registry.
func NewTable(logger *log.Logger) *Table {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Table{log: logger}
}

// Reserve registers a window for a device and reserves [base, base+length) at exactly that
// address with no access permissions. If the OS refuses the exact placement the registration
// fails; the window is never moved.
func (t *Table) Reserve(device uint32, base, length uint64) (*Window, error) {
	if length == 0 {
		return nil, &WindowError{Addr: base, Err: fmt.Errorf("%w: empty window", errRegion)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := int(t.count.Load())
	if n == MaxWindows {
		return nil, &WindowError{Addr: base, Err: ErrCapacity}
	}

	for i := 0; i < n; i++ {
		w := t.slots[i].Load()
		if w == nil {
			continue
		}

		if base < w.End() && w.Base < base+length {
			return nil, &WindowError{Addr: base, Err: ErrOverlap}
		}
	}

	win := &Window{Device: device, Base: base, Length: length}

	if err := reserve(win); err != nil {
		return nil, &WindowError{Addr: base, Err: fmt.Errorf("%w: %w", ErrReserve, err)}
	}

	t.slots[n].Store(win)
	t.count.Store(int32(n + 1)) // publish last

	t.log.Debug("window reserved", log.String("window", win.String()))

	return win, nil
}

// Release removes a device's window and releases its reservation.
func (t *Table) Release(device uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := int(t.count.Load())

	for i := 0; i < n; i++ {
		w := t.slots[i].Load()
		if w == nil || w.Device != device {
			continue
		}

		// Unpublish first, then compact the vacated slot.
		t.count.Store(int32(n - 1))
		t.slots[i].Store(t.slots[n-1].Load())
		t.slots[n-1].Store(nil)

		if err := release(w); err != nil {
			return &WindowError{Addr: w.Base, Err: err}
		}

		t.log.Debug("window released", log.String("window", w.String()))

		return nil
	}

	return &WindowError{Addr: 0, Err: ErrNoWindow}
}

// ReleaseAll removes every window. Used at teardown.
func (t *Table) ReleaseAll() error {
	var err error

	for _, w := range t.Windows() {
		if e := t.Release(w.Device); e != nil && err == nil {
			err = e
		}
	}

	return err
}

// Find returns the window containing addr, or nil. It is safe to call concurrently with
// Reserve and Release.
func (t *Table) Find(addr uint64) *Window {
	n := int(t.count.Load())

	for i := 0; i < n && i < MaxWindows; i++ {
		w := t.slots[i].Load()
		if w != nil && w.Contains(addr) {
			return w
		}
	}

	return nil
}

// Lookup returns the window registered for a device identifier, or nil.
func (t *Table) Lookup(device uint32) *Window {
	n := int(t.count.Load())

	for i := 0; i < n && i < MaxWindows; i++ {
		w := t.slots[i].Load()
		if w != nil && w.Device == device {
			return w
		}
	}

	return nil
}

// Windows returns a snapshot of the registered windows.
func (t *Table) Windows() []*Window {
	n := int(t.count.Load())
	ws := make([]*Window, 0, n)

	for i := 0; i < n && i < MaxWindows; i++ {
		if w := t.slots[i].Load(); w != nil {
			ws = append(ws, w)
		}
	}

	return ws
}
