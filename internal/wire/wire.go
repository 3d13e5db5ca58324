// Package wire defines the message exchanged between the engine and the device model.
//
// The model is a separate process written independently, so the layout is pinned by agreement:
// five 32-bit little-endian fields followed by a 256-byte inline data buffer. Requests and
// responses use the same record.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command selects the operation a message requests.
type Command uint32

const (
	CmdRead      Command = 1
	CmdWrite     Command = 2
	CmdInterrupt Command = 3
	CmdInit      Command = 4
	CmdDeinit    Command = 5
)

func (c Command) String() string {
	switch c {
	case CmdRead:
		return "READ"
	case CmdWrite:
		return "WRITE"
	case CmdInterrupt:
		return "INTERRUPT"
	case CmdInit:
		return "INIT"
	case CmdDeinit:
		return "DEINIT"
	default:
		return fmt.Sprintf("Command(%d)", uint32(c))
	}
}

// Result is the outcome reported by the model.
type Result uint32

const (
	ResultSuccess     Result = 0
	ResultError       Result = 1
	ResultTimeout     Result = 2
	ResultInvalidAddr Result = 3
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultError:
		return "ERROR"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultInvalidAddr:
		return "INVALID_ADDRESS"
	default:
		return fmt.Sprintf("Result(%d)", uint32(r))
	}
}

const (
	// DataSize is the fixed capacity of the inline data buffer.
	DataSize = 256

	// MessageSize is the encoded size of a message, identical for requests and responses.
	MessageSize = 5*4 + DataSize
)

// ErrShortMessage is returned when a decoded buffer is smaller than MessageSize.
var ErrShortMessage = errors.New("wire: short message")

// Message is the protocol record.
//
// Length is the number of payload bytes in Data (1, 2, 4, or 8 for scalar access). For
// CmdInterrupt messages Length is reinterpreted as the interrupt identifier.
type Message struct {
	Device  uint32
	Command Command
	Addr    uint32
	Length  uint32
	Result  Result
	Data    [DataSize]byte
}

// AppendBinary appends the encoded message to b.
func (m *Message) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.Device)
	b = binary.LittleEndian.AppendUint32(b, uint32(m.Command))
	b = binary.LittleEndian.AppendUint32(b, m.Addr)
	b = binary.LittleEndian.AppendUint32(b, m.Length)
	b = binary.LittleEndian.AppendUint32(b, uint32(m.Result))
	b = append(b, m.Data[:]...)

	return b
}

// MarshalBinary encodes the message.
func (m *Message) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, MessageSize)), nil
}

// UnmarshalBinary decodes a message from b.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < MessageSize {
		return fmt.Errorf("%w: %d bytes", ErrShortMessage, len(b))
	}

	m.Device = binary.LittleEndian.Uint32(b[0:])
	m.Command = Command(binary.LittleEndian.Uint32(b[4:]))
	m.Addr = binary.LittleEndian.Uint32(b[8:])
	m.Length = binary.LittleEndian.Uint32(b[12:])
	m.Result = Result(binary.LittleEndian.Uint32(b[16:]))
	copy(m.Data[:], b[20:MessageSize])

	return nil
}

// WriteTo writes exactly one encoded message. A short write is reported as an error by the
// underlying writer.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	buf, _ := m.MarshalBinary()
	n, err := w.Write(buf)

	return int64(n), err
}

// ReadFrom reads exactly one encoded message. Short reads are failures.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var buf [MessageSize]byte

	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(n), err
	}

	return int64(n), m.UnmarshalBinary(buf[:])
}

// Value interprets the first size bytes of the data buffer as a little-endian unsigned
// integer.
func (m *Message) Value(size int) uint64 {
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(m.Data[i])
	}

	return v
}

// PutValue stores the low size bytes of v into the data buffer, little-endian, and sets
// Length accordingly.
func (m *Message) PutValue(v uint64, size int) {
	for i := 0; i < size; i++ {
		m.Data[i] = byte(v >> (8 * i))
	}

	m.Length = uint32(size)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s dev=%d addr=%#08x len=%d result=%s",
		m.Command, m.Device, m.Addr, m.Length, m.Result)
}
