// Package insn decodes the subset of x86-64 instructions that can fault on a device window.
//
// The decoder classifies an instruction, reports the access width and operand sources, and
// computes the total encoded length so the instruction pointer can be advanced past it. It
// recognizes scalar MOV loads and stores (register and immediate forms), the MOVZX/MOVSX
// loads, and STOS with an optional REP prefix. Everything else decodes as KindUnknown and
// must not be emulated.
package insn

import "fmt"

// MaxLen is the architectural limit on instruction length. Callers that read code bytes from
// a raw pointer use it as the window size.
const MaxLen = 15

// Kind classifies a decoded instruction.
type Kind int

const (
	KindUnknown Kind = iota
	KindLoad
	KindStore
	KindBulkStore
)

func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindStore:
		return "store"
	case KindBulkStore:
		return "bulk-store"
	default:
		return "unknown"
	}
}

// Src identifies where a store takes its value from.
type Src int

const (
	SrcNone Src = iota
	SrcReg      // the ModR/M reg field
	SrcImm      // trailing immediate bytes
)

// Inst is a decoded instruction.
type Inst struct {
	Len  int  // total encoded length in bytes
	Kind Kind // classification
	Rep  bool // REP prefix present (bulk stores)

	Width int // memory access width in bytes: 1, 2, 4, or 8
	Reg   int // GP register index (0..15, amd64 encoding order): destination for loads, source for SrcReg stores

	// Loads. For the sign/zero extending forms, DestWidth is the destination operand
	// width, which differs from the memory width.
	Signed    bool
	DestWidth int

	// Stores. Imm holds the immediate for SrcImm, already extended to its architectural
	// store width.
	Src Src
	Imm uint64
}

func (in Inst) String() string {
	return fmt.Sprintf("%s len=%d width=%d", in.Kind, in.Len, in.Width)
}

// Legacy prefix bytes. Any number may appear, in any order.
const (
	prefixLock    = 0xf0
	prefixRepne   = 0xf2
	prefixRep     = 0xf3
	prefixOpSize  = 0x66
	prefixAdSize  = 0x67
	prefixSegCS   = 0x2e
	prefixSegSS   = 0x36
	prefixSegDS   = 0x3e
	prefixSegES   = 0x26
	prefixSegFS   = 0x64
	prefixSegGS   = 0x65
)

// Decode decodes the instruction at the start of code. The slice should hold at least MaxLen
// bytes when available; decoding a truncated buffer yields KindUnknown rather than reading
// out of bounds.
func Decode(code []byte) Inst {
	var (
		p      int // cursor
		rep    bool
		opSize bool
		rexW   bool
		rexR   bool
	)

	unknown := func() Inst { return Inst{Len: p, Kind: KindUnknown} }

	// Legacy prefixes.
prefixes:
	for {
		if p >= len(code) {
			return unknown()
		}

		switch code[p] {
		case prefixRep:
			rep = true
		case prefixOpSize:
			opSize = true
		case prefixLock, prefixRepne, prefixAdSize,
			prefixSegCS, prefixSegSS, prefixSegDS, prefixSegES, prefixSegFS, prefixSegGS:
			// Consumed for length only.
		default:
			break prefixes
		}

		p++
	}

	// Optional REX.
	if code[p]&0xf0 == 0x40 {
		rexW = code[p]&0x08 != 0
		rexR = code[p]&0x04 != 0
		p++

		if p >= len(code) {
			return unknown()
		}
	}

	width := func() int {
		switch {
		case rexW:
			return 8
		case opSize:
			return 2
		default:
			return 4
		}
	}

	op := code[p]
	p++

	// For the byte forms (8A/88) without REX, a reg field of 4..7 names the legacy
	// high-byte registers AH..BH; those are mapped to RSP..RDI here and read/written at
	// the low byte instead. Compiled driver code uses REX encodings for those registers.
	switch op {
	case 0x8a: // MOV r8, [m]
		return decodeMovLoad(code, p, rexR, 1, 1, false)

	case 0x8b: // MOV r, [m]
		return decodeMovLoad(code, p, rexR, width(), width(), false)

	case 0x88: // MOV [m], r8
		return decodeMovStore(code, p, rexR, 1)

	case 0x89: // MOV [m], r
		return decodeMovStore(code, p, rexR, width())

	case 0xc6: // MOV [m], imm8
		return decodeMovStoreImm(code, p, 1, 1, false)

	case 0xc7: // MOV [m], imm16/imm32
		// The immediate is 2 bytes under the operand-size prefix and otherwise 4 bytes even
		// for a 64-bit store, where it is sign-extended.
		if opSize {
			return decodeMovStoreImm(code, p, 2, 2, false)
		}

		return decodeMovStoreImm(code, p, width(), 4, rexW)

	case 0xaa: // STOSB
		return Inst{Len: p, Kind: KindBulkStore, Rep: rep, Width: 1}

	case 0xab: // STOSW/STOSD/STOSQ
		return Inst{Len: p, Kind: KindBulkStore, Rep: rep, Width: width()}

	case 0x0f:
		if p >= len(code) {
			return unknown()
		}

		op2 := code[p]
		p++

		switch op2 {
		case 0xb6: // MOVZX r, byte [m]
			return decodeMovLoad(code, p, rexR, 1, width(), false)
		case 0xb7: // MOVZX r, word [m]
			return decodeMovLoad(code, p, rexR, 2, width(), false)
		case 0xbe: // MOVSX r, byte [m]
			return decodeMovLoad(code, p, rexR, 1, width(), true)
		case 0xbf: // MOVSX r, word [m]
			return decodeMovLoad(code, p, rexR, 2, width(), true)
		case 0x38, 0x3a:
			// Three-byte opcode maps: skip the third opcode byte and the addressing bytes so
			// the length is plausible, but never emulate.
			if p >= len(code) {
				return Inst{Len: p, Kind: KindUnknown}
			}

			p++

			n, _, ok := modRM(code, p)
			if !ok {
				return Inst{Len: p, Kind: KindUnknown}
			}

			p += n
			if op2 == 0x3a {
				p++ // trailing imm8
			}

			return Inst{Len: p, Kind: KindUnknown}
		default:
			return Inst{Len: p, Kind: KindUnknown}
		}

	default:
		return Inst{Len: p, Kind: KindUnknown}
	}
}

func decodeMovLoad(code []byte, p int, rexR bool, width, destWidth int, signed bool) Inst {
	n, reg, ok := modRM(code, p)
	if !ok {
		return Inst{Len: p, Kind: KindUnknown}
	}

	if rexR {
		reg |= 0x8
	}

	return Inst{
		Len:       p + n,
		Kind:      KindLoad,
		Width:     width,
		DestWidth: destWidth,
		Signed:    signed,
		Reg:       reg,
	}
}

func decodeMovStore(code []byte, p int, rexR bool, width int) Inst {
	n, reg, ok := modRM(code, p)
	if !ok {
		return Inst{Len: p, Kind: KindUnknown}
	}

	if rexR {
		reg |= 0x8
	}

	return Inst{
		Len:   p + n,
		Kind:  KindStore,
		Width: width,
		Src:   SrcReg,
		Reg:   reg,
	}
}

func decodeMovStoreImm(code []byte, p int, width, immLen int, signExtend bool) Inst {
	n, _, ok := modRM(code, p)
	if !ok {
		return Inst{Len: p, Kind: KindUnknown}
	}

	p += n
	if p+immLen > len(code) {
		return Inst{Len: p, Kind: KindUnknown}
	}

	var imm uint64
	for i := immLen - 1; i >= 0; i-- {
		imm = imm<<8 | uint64(code[p+i])
	}

	if signExtend {
		imm = uint64(int64(int32(uint32(imm))))
	}

	return Inst{
		Len:   p + immLen,
		Kind:  KindStore,
		Width: width,
		Src:   SrcImm,
		Imm:   imm,
	}
}

// modRM consumes a ModR/M byte plus any SIB and displacement bytes at code[p:]. It returns
// the number of bytes consumed and the reg field. A register-direct form (mod == 3) cannot
// reference memory, so it is rejected along with truncated buffers.
func modRM(code []byte, p int) (n, reg int, ok bool) {
	if p >= len(code) {
		return 0, 0, false
	}

	var (
		modrm = code[p]
		mod   = int(modrm >> 6)
		rm    = int(modrm & 0x7)
	)

	reg = int(modrm >> 3 & 0x7)
	n = 1

	if mod == 3 {
		return 0, 0, false
	}

	if rm == 4 { // SIB follows
		if p+n >= len(code) {
			return 0, 0, false
		}

		sib := code[p+n]
		n++

		// A SIB base of 5 with mod 0 means no base register and a 4-byte displacement.
		if mod == 0 && sib&0x7 == 5 {
			n += 4
		}
	} else if mod == 0 && rm == 5 {
		// RIP-relative: 4-byte displacement, no further bytes.
		n += 4
	}

	switch mod {
	case 1:
		n++
	case 2:
		n += 4
	}

	if p+n > len(code) {
		return 0, 0, false
	}

	return n, reg, true
}
