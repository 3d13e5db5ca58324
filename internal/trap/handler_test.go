package trap

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/tbellam/miovisor/internal/model"
)

func TestStoreImmediateDword(t *testing.T) {
	th := newHarness(t)

	// mov dword [rax], 0x12345678
	code := []byte{0xc7, 0x00, 0x78, 0x56, 0x34, 0x12}

	ctx := &Context{}
	advance, err := th.run(code, ctx, testBase+4)

	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if advance != len(code) {
		t.Errorf("ip advance: want %d, got %d", len(code), advance)
	}

	writes := th.rec.Writes()
	if len(writes) != 1 {
		t.Fatalf("observed writes: %d", len(writes))
	}

	w := writes[0]
	if w.Addr != uint32(testBase+4) {
		t.Errorf("write addr: %#x", w.Addr)
	}

	if want := []byte{0x78, 0x56, 0x34, 0x12}; !bytes.Equal(w.Data, want) {
		t.Errorf("payload: want % x, got % x", want, w.Data)
	}
}

func TestStoreRegisterWidths(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want []byte
	}{
		{"byte", []byte{0x88, 0x08}, []byte{0x88}},
		{"word", []byte{0x66, 0x89, 0x08}, []byte{0x88, 0x77}},
		{"dword", []byte{0x89, 0x08}, []byte{0x88, 0x77, 0x66, 0x55}},
		{"qword", []byte{0x48, 0x89, 0x08}, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			th := newHarness(t)

			ctx := &Context{}
			ctx.Regs[RCX] = 0x1122334455667788

			advance, err := th.run(tc.code, ctx, testBase)
			if err != nil {
				t.Fatalf("handle: %v", err)
			}

			if advance != len(tc.code) {
				t.Errorf("ip advance: want %d, got %d", len(tc.code), advance)
			}

			writes := th.rec.Writes()
			if len(writes) != 1 {
				t.Fatalf("observed writes: %d", len(writes))
			}

			if !bytes.Equal(writes[0].Data, tc.want) {
				t.Errorf("payload: want % x, got % x", tc.want, writes[0].Data)
			}
		})
	}
}

func TestLoadZeroExtendsDword(t *testing.T) {
	th := newHarness(t)
	th.rec.SetValue(uint32(testBase+4), 0x0000_0001)

	// mov ecx, [rax]
	code := []byte{0x8b, 0x08}

	ctx := &Context{}
	ctx.Regs[RCX] = 0xffff_ffff_ffff_ffff

	if _, err := th.run(code, ctx, testBase+4); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// A 32-bit destination zeroes the upper half of the register.
	if got := ctx.Regs[RCX]; got != 0x0000_0000_0000_0001 {
		t.Errorf("rcx: want 0x1, got %#x", got)
	}
}

func TestLoadBytePreservesHighBits(t *testing.T) {
	th := newHarness(t)
	th.rec.SetValue(uint32(testBase), 0xaa)

	// mov cl, [rax]
	code := []byte{0x8a, 0x08}

	ctx := &Context{}
	ctx.Regs[RCX] = 0x1122334455667788

	if _, err := th.run(code, ctx, testBase); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := ctx.Regs[RCX]; got != 0x11223344556677aa {
		t.Errorf("rcx: want 0x11223344556677aa, got %#x", got)
	}
}

func TestLoadWordPreservesHighBits(t *testing.T) {
	th := newHarness(t)
	th.rec.SetValue(uint32(testBase), 0xbeef)

	// mov cx, [rax]
	code := []byte{0x66, 0x8b, 0x08}

	ctx := &Context{}
	ctx.Regs[RCX] = 0x1122334455667788

	if _, err := th.run(code, ctx, testBase); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := ctx.Regs[RCX]; got != 0x112233445566beef {
		t.Errorf("rcx: want 0x112233445566beef, got %#x", got)
	}
}

func TestLoadQword(t *testing.T) {
	th := newHarness(t)
	th.rec.SetValue(uint32(testBase+8), 0x0badcafe_deadbeef)

	// mov rcx, [rax]
	code := []byte{0x48, 0x8b, 0x08}

	ctx := &Context{}

	if _, err := th.run(code, ctx, testBase+8); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := ctx.Regs[RCX]; got != 0x0badcafe_deadbeef {
		t.Errorf("rcx: got %#x", got)
	}
}

func TestLoadSignExtend(t *testing.T) {
	tests := []struct {
		name  string
		code  []byte
		addr  uint64
		value uint64
		want  uint64
	}{
		// movsx ecx, byte [rax]: sign-extends into the 32-bit destination, which zeroes
		// the upper half.
		{"byte to dword", []byte{0x0f, 0xbe, 0x08}, testBase, 0x80, 0x0000_0000_ffff_ff80},
		// movsx rcx, word [rax]
		{"word to qword", []byte{0x48, 0x0f, 0xbf, 0x08}, testBase, 0x8000, 0xffff_ffff_ffff_8000},
		// movzx always zero-extends.
		{"movzx byte", []byte{0x0f, 0xb6, 0x08}, testBase, 0x80, 0x0000_0000_0000_0080},
		// Positive values sign-extend to themselves.
		{"positive byte", []byte{0x0f, 0xbe, 0x08}, testBase, 0x7f, 0x0000_0000_0000_007f},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			th := newHarness(t)
			th.rec.SetValue(uint32(tc.addr), tc.value)

			ctx := &Context{}
			ctx.Regs[RCX] = 0x5555_5555_5555_5555

			advance, err := th.run(tc.code, ctx, tc.addr)
			if err != nil {
				t.Fatalf("handle: %v", err)
			}

			if advance != len(tc.code) {
				t.Errorf("ip advance: want %d, got %d", len(tc.code), advance)
			}

			if got := ctx.Regs[RCX]; got != tc.want {
				t.Errorf("rcx: want %#x, got %#x", tc.want, got)
			}
		})
	}
}

func TestRepStosb(t *testing.T) {
	th := newHarness(t)

	// rep stosb, 32 bytes of 0xaa from the window base.
	code := []byte{0xf3, 0xaa}

	ctx := &Context{}
	ctx.Regs[RDI] = testBase
	ctx.Regs[RCX] = 32
	ctx.Regs[RAX] = 0x11223344556677aa

	advance, err := th.run(code, ctx, testBase)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if advance != len(code) {
		t.Errorf("ip advance: want %d, got %d", len(code), advance)
	}

	writes := th.rec.Writes()
	if len(writes) != 32 {
		t.Fatalf("observed writes: %d", len(writes))
	}

	for i, w := range writes {
		if w.Addr != uint32(testBase)+uint32(i) {
			t.Fatalf("write %d: addr %#x, want %#x", i, w.Addr, uint32(testBase)+uint32(i))
		}

		if !bytes.Equal(w.Data, []byte{0xaa}) {
			t.Fatalf("write %d: payload % x", i, w.Data)
		}
	}

	if got := ctx.Regs[RDI]; got != testBase+32 {
		t.Errorf("rdi: want %#x, got %#x", testBase+32, got)
	}

	if got := ctx.Regs[RCX]; got != 0 {
		t.Errorf("rcx: want 0, got %#x", got)
	}
}

func TestRepStosd(t *testing.T) {
	th := newHarness(t)

	code := []byte{0xf3, 0xab}

	ctx := &Context{}
	ctx.Regs[RDI] = testBase + 0x100
	ctx.Regs[RCX] = 16
	ctx.Regs[RAX] = 0x12345678

	if _, err := th.run(code, ctx, testBase+0x100); err != nil {
		t.Fatalf("handle: %v", err)
	}

	writes := th.rec.Writes()
	if len(writes) != 16 {
		t.Fatalf("observed writes: %d", len(writes))
	}

	for i, w := range writes {
		want := uint32(testBase) + 0x100 + uint32(i)*4
		if w.Addr != want {
			t.Fatalf("write %d: addr %#x, want %#x", i, w.Addr, want)
		}

		if !bytes.Equal(w.Data, []byte{0x78, 0x56, 0x34, 0x12}) {
			t.Fatalf("write %d: payload % x", i, w.Data)
		}
	}

	if got := ctx.Regs[RDI]; got != testBase+0x100+16*4 {
		t.Errorf("rdi: got %#x", got)
	}
}

func TestRepStosTruncation(t *testing.T) {
	th := newHarness(t)

	code := []byte{0xf3, 0xaa}

	ctx := &Context{}
	ctx.Regs[RDI] = testBase + testLength - 8
	ctx.Regs[RCX] = 100
	ctx.Regs[RAX] = 0xee

	if _, err := th.run(code, ctx, testBase+testLength-8); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// The fill clamps to the window end.
	if got := len(th.rec.Writes()); got != 8 {
		t.Fatalf("observed writes: %d", got)
	}

	if got := ctx.Regs[RDI]; got != testBase+testLength {
		t.Errorf("rdi: want window end %#x, got %#x", testBase+testLength, got)
	}

	if got := ctx.Regs[RCX]; got != 0 {
		t.Errorf("rcx: want 0, got %#x", got)
	}
}

// A partial trailing element does not fit: stosq four bytes before the window end stores
// nothing.
func TestRepStosPartialElement(t *testing.T) {
	th := newHarness(t)

	code := []byte{0xf3, 0x48, 0xab}

	ctx := &Context{}
	ctx.Regs[RDI] = testBase + testLength - 4
	ctx.Regs[RCX] = 2
	ctx.Regs[RAX] = 0xdead

	advance, err := th.run(code, ctx, testBase+testLength-4)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := len(th.rec.Writes()); got != 0 {
		t.Fatalf("observed writes: %d", got)
	}

	if got := ctx.Regs[RDI]; got != testBase+testLength-4 {
		t.Errorf("rdi moved: %#x", got)
	}

	if got := ctx.Regs[RCX]; got != 0 {
		t.Errorf("rcx: want 0, got %#x", got)
	}

	// The instruction completes with an empty fill.
	if advance != len(code) {
		t.Errorf("ip advance: want %d, got %d", len(code), advance)
	}
}

// Re-running a clamped fill with the index already at the window end is an empty fill: no
// writes, the count register zeroed, and the instruction completes.
func TestRepStosAtWindowEnd(t *testing.T) {
	th := newHarness(t)

	code := []byte{0xf3, 0xaa}

	ctx := &Context{}
	ctx.Regs[RDI] = testBase + testLength
	ctx.Regs[RCX] = 100
	ctx.Regs[RAX] = 0xee

	advance, err := th.run(code, ctx, testBase+testLength-1)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := len(th.rec.Writes()); got != 0 {
		t.Fatalf("observed writes: %d", got)
	}

	if got := ctx.Regs[RDI]; got != testBase+testLength {
		t.Errorf("rdi moved: %#x", got)
	}

	if got := ctx.Regs[RCX]; got != 0 {
		t.Errorf("rcx: want 0, got %#x", got)
	}

	if advance != len(code) {
		t.Errorf("ip advance: want %d, got %d", len(code), advance)
	}
}

// STOS without REP is the single-element case and leaves the count register alone.
func TestStosSingle(t *testing.T) {
	th := newHarness(t)

	code := []byte{0xaa}

	ctx := &Context{}
	ctx.Regs[RDI] = testBase + 8
	ctx.Regs[RCX] = 55
	ctx.Regs[RAX] = 0x42

	if _, err := th.run(code, ctx, testBase+8); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := len(th.rec.Writes()); got != 1 {
		t.Fatalf("observed writes: %d", got)
	}

	if got := ctx.Regs[RDI]; got != testBase+9 {
		t.Errorf("rdi: got %#x", got)
	}

	if got := ctx.Regs[RCX]; got != 55 {
		t.Errorf("rcx clobbered: %#x", got)
	}
}

// When the model rejects an element, the fill stops there and the saved context describes
// the remaining tail so the store can resume.
func TestRepStosStopsOnError(t *testing.T) {
	th := newHarness(t)
	th.rec.FailWritesAfter(5)

	code := []byte{0xf3, 0xaa}

	ctx := &Context{}
	ctx.Regs[RDI] = testBase
	ctx.Regs[RCX] = 10
	ctx.Regs[RAX] = 0x77

	advance, err := th.run(code, ctx, testBase)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := len(th.rec.Writes()); got != 5 {
		t.Fatalf("observed writes: %d", got)
	}

	if got := ctx.Regs[RDI]; got != testBase+5 {
		t.Errorf("rdi: got %#x", got)
	}

	if got := ctx.Regs[RCX]; got != 5 {
		t.Errorf("rcx: got %#x", got)
	}

	if advance != 0 {
		t.Errorf("ip advanced past an unfinished store: %d", advance)
	}
}

// The bulk path locates the device by the destination index, not the faulting address: the
// two can disagree by a page at a mapping boundary.
func TestBulkLocatorUsesIndex(t *testing.T) {
	th := newHarness(t)

	code := []byte{0xf3, 0xaa}

	ctx := &Context{}
	ctx.Regs[RDI] = testBase + 16
	ctx.Regs[RCX] = 4
	ctx.Regs[RAX] = 0x01

	// Fault address from the page below the window.
	if _, err := th.run(code, ctx, testBase-1); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := len(th.rec.Writes()); got != 4 {
		t.Errorf("observed writes: %d", got)
	}
}

func TestUnknownInstructionFatal(t *testing.T) {
	th := newHarness(t)

	// nop cannot access memory; anything undecodable must refuse emulation.
	code := []byte{0x90}

	ctx := &Context{}

	advance, err := th.run(code, ctx, testBase)
	if !errors.Is(err, ErrUnknownInstruction) {
		t.Fatalf("want ErrUnknownInstruction, got: %v", err)
	}

	if advance != 0 {
		t.Errorf("ip advanced past an unknown instruction: %d", advance)
	}

	fe := &FatalError{}
	if !errors.As(err, &fe) {
		t.Fatalf("want FatalError, got: %T", err)
	}

	if len(fe.Code) == 0 || fe.Code[0] != 0x90 {
		t.Errorf("fatal error does not name the first instruction byte: % x", fe.Code)
	}
}

func TestDeviceMissFatal(t *testing.T) {
	th := newHarness(t)

	code := []byte{0x89, 0x08}

	ctx := &Context{}

	_, err := th.run(code, ctx, 0x7000_0000)
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("want ErrNoDevice, got: %v", err)
	}

	if got := len(th.rec.Writes()); got != 0 {
		t.Errorf("writes observed for a missed device: %d", got)
	}
}

// Without a model process the synthetic oracle answers, so the engine self-tests run in
// isolation.
func TestFallbackOracle(t *testing.T) {
	th := newHarness(t)

	logger := th.handler.log
	absent := model.NewClient(filepath.Join(t.TempDir(), "absent.sock"), logger)
	h := NewHandler(th.tab, absent, logger)

	// Status-register offset reads as ready.
	code := []byte{0x8b, 0x08}
	ctx := &Context{}

	buf := append([]byte{}, code...)
	buf = append(buf, make([]byte, 16)...)
	ctx.RIP = addrOf(buf)

	if err := h.Handle(ctx, testBase+4); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := ctx.Regs[RCX]; got != 1 {
		t.Errorf("status read: want 1, got %#x", got)
	}

	// Other offsets read the test pattern.
	ctx.RIP = addrOf(buf)
	if err := h.Handle(ctx, testBase+8); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := ctx.Regs[RCX]; got != 0xdeadbeef {
		t.Errorf("pattern read: got %#x", got)
	}

	runtime.KeepAlive(buf)
}

// Successive accesses walk the instruction pointer through a basic block exactly.
func TestInstructionPointerWalk(t *testing.T) {
	th := newHarness(t)

	// mov [rax], ecx; mov ecx, [rax]; rep stosb
	block := [][]byte{
		{0x89, 0x08},
		{0x8b, 0x08},
		{0xf3, 0xaa},
	}

	var code []byte
	for _, in := range block {
		code = append(code, in...)
	}

	code = append(code, make([]byte, 16)...)

	ctx := &Context{}
	ctx.Regs[RDI] = testBase
	ctx.Regs[RCX] = 1

	start := addrOf(code)
	ctx.RIP = start

	want := start
	for i, in := range block {
		if err := th.handler.Handle(ctx, testBase); err != nil {
			t.Fatalf("inst %d: %v", i, err)
		}

		want += uint64(len(in))
		if ctx.RIP != want {
			t.Fatalf("inst %d: rip %#x, want %#x", i, ctx.RIP, want)
		}

		// The loads and the fill rewrite rcx; restore the fill count for the next round.
		ctx.Regs[RCX] = 1
	}

	runtime.KeepAlive(code)
}

func TestRegName(t *testing.T) {
	for i, want := range map[int]string{RAX: "rax", RDI: "rdi", R8: "r8", R15: "r15"} {
		if got := RegName(i); got != want {
			t.Errorf("reg %d: want %s, got %s", i, want, got)
		}
	}

	if got := RegName(99); got != fmt.Sprintf("r?%d", 99) {
		t.Errorf("out of range: %s", got)
	}
}
