// Package model connects the engine to the behavioral device model.
//
// The model is a separate process listening on a local stream socket. Every request opens a
// fresh connection, writes exactly one message, reads exactly one message back, and closes;
// there is no shared connection state. When the model is absent, a built-in synthetic oracle
// answers instead so the trap engine runs in isolation.
package model

import (
	"net"
	"time"

	"github.com/tbellam/miovisor/internal/log"
	"github.com/tbellam/miovisor/internal/wire"
)

// DefaultSocketName is the well-known name of the model's request socket, relative to the
// runtime directory.
const DefaultSocketName = "miovisor-model.sock"

// Client exchanges protocol messages with the model.
type Client struct {
	path        string        // model socket path
	dialTimeout time.Duration // 0 means block until connected

	log *log.Logger
}

// NewClient creates a client for the model listening at path.
func NewClient(path string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Client{path: path, log: logger}
}

// WithDialTimeout bounds the connect step. The send and receive steps are never bounded: a
// trapped store has no architectural way to time out, so a hung model hangs the driver.
func (c *Client) WithDialTimeout(d time.Duration) *Client {
	c.dialTimeout = d
	return c
}

// Exchange submits one request and returns the model's response. Transport failures fall
// back to the synthetic oracle and are never fatal; the driver always gets an answer.
func (c *Client) Exchange(req *wire.Message) *wire.Message {
	resp, err := c.exchange(req)
	if err != nil {
		c.log.Debug("model unavailable, simulating",
			log.String("request", req.String()), log.Any("err", err))

		return simulate(req)
	}

	return resp
}

func (c *Client) exchange(req *wire.Message) (*wire.Message, error) {
	conn, err := net.DialTimeout("unix", c.path, c.dialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := req.WriteTo(conn); err != nil {
		return nil, err
	}

	resp := &wire.Message{}
	if _, err := resp.ReadFrom(conn); err != nil {
		return nil, err
	}

	return resp, nil
}

// statusOffset is the conventional status-register offset in the reference driver; the
// oracle reports it ready so polling drivers make progress.
const statusOffset = 0x04

// simulate is the synthetic oracle used when no model is attached.
func simulate(req *wire.Message) *wire.Message {
	resp := *req
	resp.Result = wire.ResultSuccess

	if req.Command == wire.CmdRead {
		value := uint64(0xdeadbeef)
		if byte(req.Addr) == statusOffset {
			value = 0x00000001
		}

		size := int(req.Length)
		if size <= 0 || size > 8 {
			size = 4
		}

		resp.Data = [wire.DataSize]byte{}
		resp.PutValue(value, size)
	}

	return &resp
}
