package trap

import (
	"unsafe"

	"github.com/tbellam/miovisor/internal/insn"
)

// codeBytes returns the instruction bytes at the saved instruction pointer. The faulting
// instruction is always well-defined from the saved IP, so reading up to the architectural
// length limit is safe.
func codeBytes(rip uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(rip))), insn.MaxLen)
}
