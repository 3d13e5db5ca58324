/*
Package miovisor transparently emulates memory-mapped device registers for unmodified
driver code running as an ordinary user-space process.

A driver declares a device window — a base address and length, chosen by the driver as
literal constants — and the engine reserves exactly that range of the process's address
space with no access permissions. Loads and stores into the window trap instead of touching
memory. Each trapped access is decoded, forwarded to a behavioral device model in a
separate process over a local stream socket, and completed by fixing up the saved CPU
context: the destination register receives the model's value on loads, the instruction
pointer advances past the instruction, and REP-prefixed fills are unrolled into the
ascending sequence of writes the model would observe from real hardware.

# Saved contexts and host vehicles

The fault handler operates on an explicit saved context: the sixteen general-purpose
registers and the instruction pointer of the faulting thread. Whatever produces that
context — a hypervisor's MMIO exit, a ptrace supervisor, a test harness — calls
[Engine.Fault] and resumes the thread from the mutated record. The register fix-up rules
are architectural: byte and word writes merge into the low bits, dword writes zero the
upper half, sign-extending loads widen before the write.

# Interrupts

The model raises interrupts through a primitive, deliberately file-based protocol: the
engine publishes its process identifier at a well-known path; the model drops a
"device,interrupt" record into a file named for that process and sends SIGUSR1. The
engine's dispatcher parses the record and runs the callback registered for the interrupt
identifier. Callbacks run on the dispatch goroutine and must not block — set a flag and
let the driver's main loop do the work. A synchronous accept-and-dispatch poll on the
engine's interrupt socket exists for hosts where signal delivery is inconvenient; callbacks
for its deliveries run on the goroutine that polls.

# Running without a model

When no model process is listening, the transport answers from a small synthetic oracle —
a fixed pattern for reads, ready status for the conventional status-register offset, echo
for writes — so the engine and its self-tests run in isolation. A production deployment
always has a model attached.
*/
package miovisor
