// Package bus carries bytes between the SI4713 driver and the chip.
//
// Every backend exposes the same tiny capability set: write a block to a
// device address, read a status byte, read a fixed-length block, and drive
// the one GPIO line wired to the chip's RST pin. Which backend is in use is
// decided once, by Open, and nothing above this package ever asks.
package bus

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrUnknownBackend = errors.New("unknown bus backend")
var ErrClosed = errors.New("bus closed")

// Transport is the capability interface the device channel depends on.
type Transport interface {
	WriteBlock(addr uint16, b []byte) error
	ReadByte(addr uint16) (byte, error)
	ReadBlock(addr uint16, n int) ([]byte, error)
	// SetLine drives the reset line; low holds the chip in reset.
	SetLine(high bool) error
	Close() error
	// String names the backend for the startup log.
	String() string
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend    string // periph (rpi, auto), serial, sim
	I2CBus     string // periph: "I2C1", "1", ...
	ResetPin   string // periph: "GPIO5"
	SerialPort string // serial: "/dev/ttyUSB0"
	SerialBaud int
	Timeout    time.Duration
}

// Open resolves the backend named by c.Backend.
func Open(c Config) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "", "auto", "rpi", "periph":
		return OpenPeriph(c.I2CBus, c.ResetPin)
	case "serial", "usb":
		return OpenSerial(c.SerialPort, c.SerialBaud, c.Timeout)
	case "sim", "virtual":
		return NewSim(), nil
	}
	return nil, errors.Wrapf(ErrUnknownBackend, "%q", c.Backend)
}
