package miovisor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/tbellam/miovisor/internal/intr"
	"github.com/tbellam/miovisor/internal/log"
	"github.com/tbellam/miovisor/internal/model"
	"github.com/tbellam/miovisor/internal/region"
	"github.com/tbellam/miovisor/internal/trap"
	"github.com/tbellam/miovisor/internal/wire"
)

// Context is the saved CPU context of a faulting driver thread. Host vehicles build one
// from their trap mechanism, pass it to Fault, and resume the thread from the mutated
// state.
type Context = trap.Context

// General-purpose register indices into Context.Regs, in amd64 encoding order.
const (
	RAX = trap.RAX
	RCX = trap.RCX
	RDX = trap.RDX
	RBX = trap.RBX
	RSP = trap.RSP
	RBP = trap.RBP
	RSI = trap.RSI
	RDI = trap.RDI
	R8  = trap.R8
	R9  = trap.R9
	R10 = trap.R10
	R11 = trap.R11
	R12 = trap.R12
	R13 = trap.R13
	R14 = trap.R14
	R15 = trap.R15
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("miovisor: engine closed")

// IsFatal reports whether a Fault error means the driver must not be resumed.
func IsFatal(err error) bool {
	fe := &trap.FatalError{}
	return errors.As(err, &fe)
}

type config struct {
	dir         string
	modelSocket string
	dialTimeout time.Duration
	logger      *log.Logger
}

// Option configures an Engine.
type Option func(*config)

// WithRuntimeDir places the rendezvous files and sockets under dir instead of the system
// temporary directory.
func WithRuntimeDir(dir string) Option {
	return func(c *config) { c.dir = dir }
}

// WithModelSocket overrides the model's request socket path.
func WithModelSocket(path string) Option {
	return func(c *config) { c.modelSocket = path }
}

// WithDialTimeout bounds the connect step of each model exchange. Zero blocks until
// connected.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) { c.dialTimeout = d }
}

// WithLogger routes engine logs to a logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// Engine owns the trap machinery of one driver process: the device window registry, the
// model transport, the fault handler, and interrupt delivery.
type Engine struct {
	cfg config
	log *log.Logger

	windows  *region.Table
	client   *model.Client
	handler  *trap.Handler
	handlers *intr.Table

	dispatch *intr.Dispatcher
	ln       *net.UnixListener

	closed bool
}

// New initializes the engine: it publishes the PID rendezvous file, binds the interrupt
// socket, and starts the notification dispatcher.
func New(opts ...Option) (*Engine, error) {
	cfg := config{dir: os.TempDir()}

	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.modelSocket == "" {
		cfg.modelSocket = filepath.Join(cfg.dir, model.DefaultSocketName)
	}

	if cfg.logger == nil {
		cfg.logger = log.DefaultLogger()
	}

	e := &Engine{
		cfg:      cfg,
		log:      cfg.logger,
		windows:  region.NewTable(cfg.logger),
		client:   model.NewClient(cfg.modelSocket, cfg.logger).WithDialTimeout(cfg.dialTimeout),
		handlers: intr.NewTable(cfg.logger),
	}

	e.handler = trap.NewHandler(e.windows, e.client, cfg.logger)
	e.dispatch = intr.NewDispatcher(cfg.dir, e.handlers, cfg.logger)

	addr, err := net.ResolveUnixAddr("unix", intr.SocketPath(cfg.dir, os.Getpid()))
	if err != nil {
		return nil, err
	}

	if err := intr.WritePIDFile(cfg.dir); err != nil {
		return nil, fmt.Errorf("miovisor: pid file: %w", err)
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		_ = intr.RemovePIDFile(cfg.dir)
		return nil, fmt.Errorf("miovisor: interrupt socket: %w", err)
	}

	e.ln = ln
	e.dispatch.Start()

	e.log.Info("engine initialized",
		log.String("dir", cfg.dir),
		log.String("model", cfg.modelSocket))

	return e, nil
}

// Close tears the engine down: remaining devices are detached and announced to the model,
// the interrupt socket and dispatcher stop, and the PID file is withdrawn.
func (e *Engine) Close() error {
	if e.closed {
		return ErrClosed
	}

	e.closed = true

	for _, w := range e.windows.Windows() {
		e.announce(wire.CmdDeinit, w.Device)
	}

	err := e.windows.ReleaseAll()

	e.dispatch.Stop()

	if cerr := e.ln.Close(); err == nil {
		err = cerr
	}

	if rerr := intr.RemovePIDFile(e.cfg.dir); err == nil {
		err = rerr
	}

	e.log.Info("engine closed")

	return err
}

// RuntimeDir returns the directory holding the engine's rendezvous files.
func (e *Engine) RuntimeDir() string { return e.cfg.dir }

// RegisterDevice reserves [base, base+length) for a device at exactly that address, so
// subsequent driver accesses to the window trap. The model is told the device attached.
func (e *Engine) RegisterDevice(id uint32, base, length uint64) error {
	if e.closed {
		return ErrClosed
	}

	if _, err := e.windows.Reserve(id, base, length); err != nil {
		return err
	}

	e.announce(wire.CmdInit, id)

	e.log.Info("device registered",
		log.Uint64("device", uint64(id)),
		log.Uint64("base", base),
		log.Uint64("length", length))

	return nil
}

// UnregisterDevice detaches a device and releases its window.
func (e *Engine) UnregisterDevice(id uint32) error {
	if e.closed {
		return ErrClosed
	}

	if e.windows.Lookup(id) == nil {
		return region.ErrNoWindow
	}

	e.announce(wire.CmdDeinit, id)

	return e.windows.Release(id)
}

// announce sends a lifecycle message for a device. Best effort: the model may be absent.
func (e *Engine) announce(cmd wire.Command, id uint32) {
	resp := e.client.Exchange(&wire.Message{Device: id, Command: cmd})
	if resp.Result != wire.ResultSuccess {
		e.log.Warn("device announcement failed", log.String("response", resp.String()))
	}
}

// RegisterRead reads a device register directly, without taking the fault path. Drivers
// that prefer an API call over a trapping load use it.
func (e *Engine) RegisterRead(addr uint64, size int) (uint64, error) {
	if e.closed {
		return 0, ErrClosed
	}

	win, err := e.locate(addr, size)
	if err != nil {
		return 0, err
	}

	req := &wire.Message{
		Device:  win.Device,
		Command: wire.CmdRead,
		Addr:    uint32(addr),
		Length:  uint32(size),
	}

	resp := e.client.Exchange(req)
	if resp.Result != wire.ResultSuccess {
		e.log.Warn("register read failed", log.String("response", resp.String()))
	}

	return resp.Value(size), nil
}

// RegisterWrite writes a device register directly, without taking the fault path.
func (e *Engine) RegisterWrite(addr, value uint64, size int) error {
	if e.closed {
		return ErrClosed
	}

	win, err := e.locate(addr, size)
	if err != nil {
		return err
	}

	req := &wire.Message{
		Device:  win.Device,
		Command: wire.CmdWrite,
		Addr:    uint32(addr),
	}
	req.PutValue(value, size)

	resp := e.client.Exchange(req)
	if resp.Result != wire.ResultSuccess {
		e.log.Warn("register write failed", log.String("response", resp.String()))
	}

	return nil
}

func (e *Engine) locate(addr uint64, size int) (*region.Window, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("miovisor: bad access size %d", size)
	}

	win := e.windows.Find(addr)
	if win == nil {
		return nil, &region.WindowError{Addr: addr, Err: region.ErrNoWindow}
	}

	return win, nil
}

// HandleInterrupt registers a callback for an interrupt identifier. The callback runs on
// the engine's dispatch goroutine for signal deliveries, and on the goroutine calling
// PollInterrupts for socket deliveries. It must not block; the usual pattern is to set a flag
// the driver's main loop acts on. A nil callback unregisters.
func (e *Engine) HandleInterrupt(irq uint32, fn func(irq uint32)) error {
	return e.handlers.Register(irq, fn)
}

// PollInterrupts runs one non-blocking accept-and-dispatch cycle on the interrupt socket.
// It is the synchronous alternative to signal delivery and returns promptly whether or not
// a notification arrived.
func (e *Engine) PollInterrupts() error {
	if e.closed {
		return ErrClosed
	}

	return intr.Poll(e.ln, e.handlers, intr.DefaultPollTimeout, e.log)
}

// Fault emulates the device access that trapped at addr under the given saved context. On
// return the context holds the architectural end-state and the advanced instruction
// pointer; the host vehicle resumes the driver from it. A bulk store that the model stops
// early leaves the instruction pointer on the instruction, with the index and count
// describing the remaining elements. A fatal error (see IsFatal) means
// the access cannot be honored and the driver must not resume.
func (e *Engine) Fault(ctx *Context, addr uint64) error {
	if e.closed {
		return ErrClosed
	}

	return e.handler.Handle(ctx, addr)
}

// NotifyInterrupt is the model-side delivery helper: it drops the (device, irq) parameter
// record for the driver process published in dir and wakes it with the notification
// signal.
func NotifyInterrupt(dir string, device, irq uint32) error {
	pid, err := intr.ReadPIDFile(dir)
	if err != nil {
		return err
	}

	return intr.Notify(dir, pid, device, irq)
}
