package bus

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/pin/pinreg"

	"periph.io/x/host/v3"
)

// Periph talks to the chip over a native I2C bus with a GPIO reset line,
// e.g. a Raspberry Pi header.
type Periph struct {
	sync.Mutex
	bus    i2c.BusCloser
	reset  gpio.PinIO
	closed bool
}

func OpenPeriph(busname, resetPin string) (*Periph, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "couldn't initialize peripherals")
	}

	b, err := i2creg.Open(busname)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't open i2c bus %q", busname)
	}

	if resetPin == "" {
		resetPin = "GPIO5"
	}
	rst := gpioreg.ByName(resetPin)
	if rst == nil {
		b.Close()
		return nil, errors.Errorf("reset pin %q not found", resetPin)
	}
	return &Periph{bus: b, reset: rst}, nil
}

// String describes the bus and where it sits on the header.
func (p *Periph) String() string {
	pins, ok := p.bus.(i2c.Pins)
	if !ok {
		return fmt.Sprintf("%s reset=%s", p.bus, p.reset)
	}
	_, scl := pinreg.Position(pins.SCL())
	_, sda := pinreg.Position(pins.SDA())
	return fmt.Sprintf("%s (%s: pin %d, %s: pin %d) reset=%s",
		p.bus, pins.SCL(), scl, pins.SDA(), sda, p.reset)
}

func (p *Periph) dev(addr uint16) (*i2c.Dev, error) {
	if p.closed {
		return nil, ErrClosed
	}
	return &i2c.Dev{Bus: p.bus, Addr: addr}, nil
}

func (p *Periph) WriteBlock(addr uint16, b []byte) error {
	p.Lock()
	defer p.Unlock()
	d, err := p.dev(addr)
	if err != nil {
		return err
	}
	n, err := d.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

func (p *Periph) ReadByte(addr uint16) (byte, error) {
	buf, err := p.ReadBlock(addr, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (p *Periph) ReadBlock(addr uint16, n int) ([]byte, error) {
	p.Lock()
	defer p.Unlock()
	d, err := p.dev(addr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := d.Tx(nil, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *Periph) SetLine(high bool) error {
	p.Lock()
	defer p.Unlock()
	if p.closed {
		return ErrClosed
	}
	if high {
		return p.reset.Out(gpio.High)
	}
	return p.reset.Out(gpio.Low)
}

// Close leaves the reset line low so the chip stays silent.
func (p *Periph) Close() error {
	p.Lock()
	defer p.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.reset.Out(gpio.Low)
	return p.bus.Close()
}
