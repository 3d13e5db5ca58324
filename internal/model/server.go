package model

// server.go hosts the behavioral side of the wire protocol: a listener that owns a set of
// device models and answers one request per connection.

import (
	"errors"
	"net"
	"sync"

	"github.com/tbellam/miovisor/internal/log"
	"github.com/tbellam/miovisor/internal/wire"
)

// Device is a behavioral device model hosted by a Server. Addresses are absolute, as the
// driver issued them.
type Device interface {
	Read(addr uint32, size int) (uint64, wire.Result)
	Write(addr uint32, data []byte) wire.Result
}

// Resetter is a Device that reinitializes its state when a driver attaches or detaches.
type Resetter interface {
	Device
	Reset()
}

// Server answers engine requests on a local stream socket.
type Server struct {
	ln *net.UnixListener

	mu   sync.Mutex
	devs map[uint32]Device

	wg  sync.WaitGroup
	log *log.Logger
}

// NewServer listens on a unix stream socket at path.
func NewServer(path string, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}

	return &Server{
		ln:   ln,
		devs: make(map[uint32]Device),
		log:  logger,
	}, nil
}

// Handle attaches a device model under a device identifier.
func (s *Server) Handle(device uint32, dev Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devs[device] = dev
}

// Addr returns the socket path the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until the listener is closed. Each connection carries exactly
// one request/response pair.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

// Start runs Serve on its own goroutine.
func (s *Server) Start() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.Serve(); err != nil {
			s.log.Error("model server", log.Any("err", err))
		}
	}()
}

// Close stops the listener and waits for in-flight exchanges.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()

	return err
}

func (s *Server) serve(conn net.Conn) {
	req := &wire.Message{}
	if _, err := req.ReadFrom(conn); err != nil {
		s.log.Warn("model request", log.Any("err", err))
		return
	}

	resp := s.dispatch(req)

	if _, err := resp.WriteTo(conn); err != nil {
		s.log.Warn("model response", log.Any("err", err))
	}
}

func (s *Server) dispatch(req *wire.Message) *wire.Message {
	resp := *req

	s.mu.Lock()
	dev := s.devs[req.Device]
	s.mu.Unlock()

	if dev == nil {
		s.log.Warn("request for unknown device", log.String("request", req.String()))
		resp.Result = wire.ResultInvalidAddr

		return &resp
	}

	switch req.Command {
	case wire.CmdRead:
		size := int(req.Length)
		if size != 1 && size != 2 && size != 4 && size != 8 {
			resp.Result = wire.ResultError
			break
		}

		value, result := dev.Read(req.Addr, size)
		resp.Data = [wire.DataSize]byte{}
		resp.PutValue(value, size)
		resp.Result = result

	case wire.CmdWrite:
		n := int(req.Length)
		if n < 1 || n > wire.DataSize {
			resp.Result = wire.ResultError
			break
		}

		resp.Result = dev.Write(req.Addr, req.Data[:n])

	case wire.CmdInit, wire.CmdDeinit:
		if r, ok := dev.(Resetter); ok {
			r.Reset()
		}

		resp.Result = wire.ResultSuccess

	default:
		s.log.Warn("unsupported command", log.String("request", req.String()))
		resp.Result = wire.ResultError
	}

	return &resp
}
