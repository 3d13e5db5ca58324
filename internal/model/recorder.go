package model

// recorder.go has a programmable device model used by the self-tests: reads
// come from a configured register file and every write is recorded in arrival order.

import (
	"sync"

	"github.com/tbellam/miovisor/internal/wire"
)

// WriteOp is one observed write.
type WriteOp struct {
	Addr uint32
	Data []byte
}

// Recorder is a Device with programmable reads and a write log.
type Recorder struct {
	mu        sync.Mutex
	values    map[uint32]uint64
	fill      uint64
	writes    []WriteOp
	failAfter int // fail writes once the log holds this many entries; 0 disables
}

var _ Resetter = (*Recorder)(nil)

// NewRecorder creates a recorder whose unconfigured registers read as fill.
func NewRecorder(fill uint64) *Recorder {
	return &Recorder{
		values: make(map[uint32]uint64),
		fill:   fill,
	}
}

// SetValue programs the value a register address reads as.
func (r *Recorder) SetValue(addr uint32, v uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.values[addr] = v
}

// FailWritesAfter makes every write past the first n answer ERROR.
func (r *Recorder) FailWritesAfter(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failAfter = n
}

func (r *Recorder) Read(addr uint32, size int) (uint64, wire.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.values[addr]
	if !ok {
		v = r.fill
	}

	if size < 8 {
		v &= 1<<(8*size) - 1
	}

	return v, wire.ResultSuccess
}

func (r *Recorder) Write(addr uint32, data []byte) wire.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failAfter > 0 && len(r.writes) >= r.failAfter {
		return wire.ResultError
	}

	r.writes = append(r.writes, WriteOp{Addr: addr, Data: append([]byte(nil), data...)})

	return wire.ResultSuccess
}

// Writes returns a copy of the observed writes.
func (r *Recorder) Writes() []WriteOp {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]WriteOp(nil), r.writes...)
}

// Reset clears the write log.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.writes = r.writes[:0]
}
