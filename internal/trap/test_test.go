package trap

import (
	"path/filepath"
	"runtime"
	"testing"
	"unsafe"

	"github.com/tbellam/miovisor/internal/insn"
	"github.com/tbellam/miovisor/internal/log"
	"github.com/tbellam/miovisor/internal/model"
	"github.com/tbellam/miovisor/internal/region"
)

// The harness wires a handler to a real reserved window and a recording model server, and
// routes engine logs through the test log.
type harness struct {
	*testing.T

	tab     *region.Table
	rec     *model.Recorder
	handler *Handler
}

const (
	testDevice = uint32(1)
	testBase   = uint64(0x4000_0000)
	testLength = uint64(0x1000)
)

func newHarness(tt *testing.T) *harness {
	th := &harness{T: tt}
	logger := log.NewLineLogger(th)

	th.tab = region.NewTable(logger)

	if _, err := th.tab.Reserve(testDevice, testBase, testLength); err != nil {
		tt.Fatalf("reserve: %v", err)
	}

	tt.Cleanup(func() { th.tab.ReleaseAll() }) //nolint:errcheck

	th.rec = model.NewRecorder(0xdeadbeef)

	path := filepath.Join(tt.TempDir(), "model.sock")

	srv, err := model.NewServer(path, logger)
	if err != nil {
		tt.Fatalf("model server: %v", err)
	}

	srv.Handle(testDevice, th.rec)
	srv.Start()
	tt.Cleanup(func() { srv.Close() }) //nolint:errcheck

	th.handler = NewHandler(th.tab, model.NewClient(path, logger), logger)

	return th
}

// run points the context's instruction pointer at a copy of code and handles a fault at
// addr. It returns the distance the instruction pointer moved and the handler error.
func (th *harness) run(code []byte, ctx *Context, addr uint64) (int, error) {
	th.Helper()

	buf := make([]byte, insn.MaxLen+1)
	copy(buf, code)

	start := uint64(uintptr(unsafe.Pointer(&buf[0])))
	ctx.RIP = start

	err := th.handler.Handle(ctx, addr)
	advance := int(ctx.RIP - start)

	runtime.KeepAlive(buf)

	return advance, err
}

// addrOf returns the address of the first byte of b.
func addrOf(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func (th *harness) Write(b []byte) (int, error) {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		th.Log(string(b[:n-1]))
	} else {
		th.Log(string(b))
	}

	return len(b), nil
}

func (th *harness) Log(args ...any) {
	th.T.Helper()
	th.T.Log(args...)
}
