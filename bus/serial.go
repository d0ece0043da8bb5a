package bus

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/pkg/errors"
)

/*
USB-serial I2C bridge.

The bridge firmware speaks a tiny request/reply protocol over the UART:

    request : op(1) addr(1) n(1) [payload(n)]
    reply   : status(1) n(1) data(n)

    op 'W' : write the n payload bytes to addr, reply n == 0
    op 'R' : read n bytes from addr, no payload, reply carries them
    op 'L' : n == 1, payload[0] is the reset line level, reply n == 0

status 0 is success, anything else is the bridge's I2C error code (NAK,
arbitration lost, ...).
*/

const (
	serialOpWrite = 'W'
	serialOpRead  = 'R'
	serialOpLine  = 'L'
)

var ErrBridge = errors.New("serial bridge error")

type Serial struct {
	sync.Mutex
	port   io.ReadWriteCloser
	name   string
	closed bool
}

func OpenSerial(address string, baud int, timeout time.Duration) (*Serial, error) {
	if address == "" {
		address = "/dev/ttyUSB0"
	}
	if baud == 0 {
		baud = 115200
	}
	if timeout == 0 {
		timeout = 500 * time.Millisecond
	}
	port, err := serial.Open(&serial.Config{
		Address:  address,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  timeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't open serial bridge %s", address)
	}
	s := NewSerial(port)
	s.name = fmt.Sprintf("serial bridge %s @%d", address, baud)
	return s, nil
}

// NewSerial runs the bridge protocol over an already open stream.
func NewSerial(rw io.ReadWriteCloser) *Serial {
	return &Serial{port: rw, name: "serial bridge"}
}

func (s *Serial) String() string { return s.name }

func (s *Serial) roundTrip(op byte, addr uint16, n int, payload []byte) ([]byte, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if n > 255 || len(payload) > 255 {
		return nil, errors.New("serial bridge: block too long")
	}

	req := make([]byte, 0, 3+len(payload))
	req = append(req, op, byte(addr), byte(n))
	req = append(req, payload...)
	if _, err := s.port.Write(req); err != nil {
		return nil, err
	}

	var hdr [2]byte
	if _, err := io.ReadFull(s.port, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "serial bridge: reply header")
	}
	data := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(s.port, data); err != nil {
		return nil, errors.Wrap(err, "serial bridge: reply body")
	}
	if hdr[0] != 0 {
		return nil, errors.Wrapf(ErrBridge, "op %c status 0x%02x", op, hdr[0])
	}
	return data, nil
}

func (s *Serial) WriteBlock(addr uint16, b []byte) error {
	_, err := s.roundTrip(serialOpWrite, addr, len(b), b)
	return err
}

func (s *Serial) ReadByte(addr uint16) (byte, error) {
	b, err := s.ReadBlock(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *Serial) ReadBlock(addr uint16, n int) ([]byte, error) {
	data, err := s.roundTrip(serialOpRead, addr, n, nil)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, errors.Errorf("serial bridge: short read %d/%d", len(data), n)
	}
	return data, nil
}

func (s *Serial) SetLine(high bool) error {
	level := byte(0)
	if high {
		level = 1
	}
	_, err := s.roundTrip(serialOpLine, 0, 1, []byte{level})
	return err
}

func (s *Serial) Close() error {
	s.SetLine(false)
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}
