package trap

// handler.go dispatches a faulting access: decode, locate the device window, exchange with
// the model, fix up the saved context.

import (
	"errors"
	"fmt"

	"github.com/tbellam/miovisor/internal/insn"
	"github.com/tbellam/miovisor/internal/log"
	"github.com/tbellam/miovisor/internal/model"
	"github.com/tbellam/miovisor/internal/region"
	"github.com/tbellam/miovisor/internal/wire"
)

var (
	// ErrUnknownInstruction is returned for a faulting instruction outside the supported
	// set. Advancing past an instruction the engine cannot emulate would silently corrupt
	// the driver, so the fault is unrecoverable.
	ErrUnknownInstruction = errors.New("trap: unsupported instruction")

	// ErrNoDevice is returned when the faulting address is in no registered window: a
	// genuine program fault.
	ErrNoDevice = errors.New("trap: no device window")
)

// FatalError is an access the engine cannot honor. The host must not resume the driver;
// the CLI exits non-zero on it.
type FatalError struct {
	Err  error
	RIP  uint64
	Addr uint64
	Code []byte // leading bytes of the faulting instruction
}

func (fe *FatalError) Error() string {
	return fmt.Sprintf("%s: rip=%#x addr=%#x code=% x", fe.Err, fe.RIP, fe.Addr, fe.Code)
}

func (fe *FatalError) Unwrap() error { return fe.Err }

// Handler emulates trapped accesses.
type Handler struct {
	windows *region.Table
	model   *model.Client
	log     *log.Logger
}

// NewHandler creates a fault handler over a window registry and a model transport.
func NewHandler(windows *region.Table, client *model.Client, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Handler{windows: windows, model: client, log: logger}
}

// Handle emulates the access that faulted at addr with the given saved context. On success
// the context holds the architectural end-state of the instruction, including the advanced
// instruction pointer. A bulk store that the model stops early also returns nil, but leaves
// the instruction pointer on the instruction, with the index and count describing the
// remaining elements. A FatalError means the driver must not be resumed.
func (h *Handler) Handle(ctx *Context, addr uint64) error {
	code := codeBytes(ctx.RIP)

	in := insn.Decode(code)
	if in.Kind == insn.KindUnknown {
		err := &FatalError{Err: ErrUnknownInstruction, RIP: ctx.RIP, Addr: addr, Code: code[:4:4]}
		h.log.Error("unsupported instruction", log.String("fault", err.Error()))

		return err
	}

	// A bulk store is located by the destination index: the faulting address and the index
	// can disagree by up to a page when the fill runs off the end of a mapping.
	locator := addr
	if in.Kind == insn.KindBulkStore {
		locator = ctx.Regs[RDI]
	}

	win := h.windows.Find(locator)
	if win == nil && in.Kind == insn.KindBulkStore && locator > 0 {
		// An index sitting exactly at a window end names an empty fill of that window.
		if w := h.windows.Find(locator - 1); w != nil && w.End() == locator {
			win = w
		}
	}

	if win == nil {
		err := &FatalError{Err: ErrNoDevice, RIP: ctx.RIP, Addr: locator, Code: code[:in.Len:in.Len]}
		h.log.Error("fault outside any device window", log.String("fault", err.Error()))

		return err
	}

	switch in.Kind {
	case insn.KindLoad:
		h.load(ctx, win, in, addr)
	case insn.KindStore:
		h.store(ctx, win, in, addr)
	default:
		h.bulkStore(ctx, win, in)
	}

	return nil
}

func (h *Handler) load(ctx *Context, win *region.Window, in insn.Inst, addr uint64) {
	req := wire.Message{
		Device:  win.Device,
		Command: wire.CmdRead,
		Addr:    uint32(addr),
		Length:  uint32(in.Width),
	}

	resp := h.model.Exchange(&req)
	if resp.Result != wire.ResultSuccess {
		h.log.Warn("model read failed", log.String("response", resp.String()))
	}

	v := resp.Value(in.Width)
	if in.Signed {
		v = signExtend(v, in.Width)
	}

	ctx.SetReg(in.Reg, in.DestWidth, v)
	ctx.RIP += uint64(in.Len)

	h.log.Debug("load",
		log.Uint64("addr", addr),
		log.Int("size", in.Width),
		log.String("dst", RegName(in.Reg)),
		log.Uint64("value", v))
}

func (h *Handler) store(ctx *Context, win *region.Window, in insn.Inst, addr uint64) {
	v := in.Imm
	if in.Src == insn.SrcReg {
		v = ctx.Regs[in.Reg]
	}

	req := wire.Message{
		Device:  win.Device,
		Command: wire.CmdWrite,
		Addr:    uint32(addr),
	}
	req.PutValue(v, in.Width)

	resp := h.model.Exchange(&req)
	if resp.Result != wire.ResultSuccess {
		h.log.Warn("model write failed", log.String("response", resp.String()))
	}

	ctx.RIP += uint64(in.Len)

	h.log.Debug("store",
		log.Uint64("addr", addr),
		log.Int("size", in.Width),
		log.Uint64("value", v))
}

// bulkStore emulates STOS with direction-flag clear: count stores of the accumulator at
// ascending addresses from the destination index. Descending fills are not supported.
func (h *Handler) bulkStore(ctx *Context, win *region.Window, in insn.Inst) {
	var (
		dst   = ctx.Regs[RDI]
		acc   = ctx.Regs[RAX]
		width = uint64(in.Width)
	)

	count := uint64(1)
	if in.Rep {
		count = ctx.Regs[RCX]
	}

	// Clamp the fill to the window: the architectural end-state stops at the window end.
	if avail := (win.End() - dst) / width; count > avail {
		count = avail
	}

	var done uint64
	for ; done < count; done++ {
		req := wire.Message{
			Device:  win.Device,
			Command: wire.CmdWrite,
			Addr:    uint32(dst + done*width),
		}
		req.PutValue(acc, in.Width)

		resp := h.model.Exchange(&req)
		if resp.Result != wire.ResultSuccess {
			// Stop at the failed element and leave the instruction resumable: the index
			// and count describe the remaining tail and the instruction pointer still
			// names the store.
			h.log.Warn("bulk store stopped",
				log.Uint64("done", done),
				log.Uint64("count", count),
				log.String("response", resp.String()))

			ctx.Regs[RDI] = dst + done*width
			if in.Rep {
				ctx.Regs[RCX] = count - done
			}

			return
		}
	}

	ctx.Regs[RDI] = dst + count*width
	if in.Rep {
		ctx.Regs[RCX] = 0
	}

	ctx.RIP += uint64(in.Len)

	h.log.Debug("bulk store",
		log.Uint64("dst", dst),
		log.Uint64("count", count),
		log.Int("size", in.Width))
}
