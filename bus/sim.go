package bus

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/bartgrantham/gofmtx/rds"
)

var ErrNAK = errors.New("sim: address not acknowledged")

// Sim emulates an SI4713 closely enough to drive the whole stack without
// hardware: dry runs, and every test above this package.
//
// It answers CTS immediately, keeps the property/tune state the driver
// writes, answers TX_TUNE_STATUS, TX_ASQ_STATUS and GET_REV, and keeps the
// PS/RT segments so what is "on air" can be inspected. Buffered groups
// also go through an rds.Receiver, and Received shows what a radio would.
// Holding the reset line low wipes everything, the same way the real chip
// forgets.
type Sim struct {
	sync.Mutex

	writes   [][]byte
	resp     []byte
	lineHigh bool
	powered  bool
	closed   bool

	props   map[uint16]uint16
	freq    uint16
	power   uint8
	antcap  uint8
	ps      [24][4]byte
	rt      [8][4]byte
	rtFlags uint16
	rx      rds.Receiver

	// faults
	failWrites int
	stuckCTS   bool
	silent     bool
	overmod    bool
	inlevel    int8
}

func NewSim() *Sim {
	return &Sim{props: map[uint16]uint16{}}
}

func (s *Sim) String() string { return "simulated SI4713" }

func (s *Sim) wipe() {
	s.powered = false
	s.props = map[uint16]uint16{}
	s.freq, s.power, s.antcap = 0, 0, 0
	s.ps = [24][4]byte{}
	s.rt = [8][4]byte{}
	s.rtFlags = 0
	s.rx = rds.Receiver{}
	s.resp = nil
}

func (s *Sim) WriteBlock(addr uint16, b []byte) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.lineHigh {
		return ErrNAK
	}
	if s.failWrites > 0 {
		s.failWrites--
		return errors.New("sim: injected write failure")
	}
	s.writes = append(s.writes, append([]byte(nil), b...))
	if len(b) == 0 {
		return nil
	}
	s.exec(b[0], b[1:])
	return nil
}

func (s *Sim) exec(op byte, args []byte) {
	arg := func(i int) byte {
		if i < len(args) {
			return args[i]
		}
		return 0
	}
	// tail is args from i on, empty for a short write
	tail := func(i int) []byte {
		if i < len(args) {
			return args[i:]
		}
		return nil
	}
	s.resp = []byte{0x80}
	switch op {
	case 0x01: // POWER_UP
		s.powered = true
	case 0x10: // GET_REV
		s.resp = []byte{0x80, 13, '3', '0', 0, 0, '3', '0', 'B'}
	case 0x12: // SET_PROPERTY
		id := uint16(arg(1))<<8 | uint16(arg(2))
		s.props[id] = uint16(arg(3))<<8 | uint16(arg(4))
	case 0x30: // TX_TUNE_FREQ
		s.freq = uint16(arg(1))<<8 | uint16(arg(2))
	case 0x31: // TX_TUNE_POWER
		s.power = arg(2)
		s.antcap = arg(3)
		if s.antcap == 0 {
			s.antcap = 42 // auto-tuned
		}
	case 0x33: // TX_TUNE_STATUS
		power := s.power
		if !s.powered || s.silent {
			power = 0
		}
		var flags byte
		if s.overmod {
			flags |= 0x04
		}
		s.resp = []byte{0x80, flags, byte(s.freq >> 8), byte(s.freq), 0, power, s.antcap, 0}
	case 0x34: // TX_ASQ_STATUS
		var flags byte
		if s.overmod && arg(0)&0x01 == 0 {
			flags |= 0x04
		}
		s.resp = []byte{0x80, flags, 0, 0, byte(s.inlevel)}
	case 0x35: // TX_RDS_BUFF
		blockB := uint16(arg(1))<<8 | uint16(arg(2))
		seg := int(blockB & 0x0f)
		if seg < len(s.rt) {
			copy(s.rt[seg][:], tail(3))
		}
		s.rtFlags = blockB
		s.rx.Update(s.props[0x2c01], blockB,
			uint16(arg(3))<<8|uint16(arg(4)), uint16(arg(5))<<8|uint16(arg(6)))
	case 0x36: // TX_RDS_PS
		idx := int(arg(0))
		if idx < len(s.ps) {
			copy(s.ps[idx][:], tail(1))
		}
	}
}

func (s *Sim) ReadByte(addr uint16) (byte, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if !s.lineHigh {
		return 0, ErrNAK
	}
	if s.stuckCTS {
		return 0x00, nil
	}
	return 0x80, nil
}

func (s *Sim) ReadBlock(addr uint16, n int) ([]byte, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.lineHigh {
		return nil, ErrNAK
	}
	out := make([]byte, n)
	copy(out, s.resp)
	return out, nil
}

func (s *Sim) SetLine(high bool) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !high {
		s.wipe()
	}
	s.lineHigh = high
	return nil
}

func (s *Sim) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	s.lineHigh = false
	s.wipe()
	return nil
}

// Writes returns a copy of every block written so far.
func (s *Sim) Writes() [][]byte {
	s.Lock()
	defer s.Unlock()
	out := make([][]byte, len(s.writes))
	for i, w := range s.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Count reports how many written blocks started with op.
func (s *Sim) Count(op byte) int {
	s.Lock()
	defer s.Unlock()
	n := 0
	for _, w := range s.writes {
		if len(w) > 0 && w[0] == op {
			n++
		}
	}
	return n
}

func (s *Sim) ClearWrites() {
	s.Lock()
	s.writes = nil
	s.Unlock()
}

// FailNextWrites makes the next n writes fail at the bus level.
func (s *Sim) FailNextWrites(n int) {
	s.Lock()
	s.failWrites = n
	s.Unlock()
}

// StuckCTS makes every status read report "busy".
func (s *Sim) StuckCTS(on bool) {
	s.Lock()
	s.stuckCTS = on
	s.Unlock()
}

// Silence makes the chip report zero output power while otherwise answering.
func (s *Sim) Silence(on bool) {
	s.Lock()
	s.silent = on
	s.Unlock()
}

func (s *Sim) SetAudio(overmod bool, level int8) {
	s.Lock()
	s.overmod, s.inlevel = overmod, level
	s.Unlock()
}

func (s *Sim) Powered() bool {
	s.Lock()
	defer s.Unlock()
	return s.powered && s.lineHigh
}

func (s *Sim) LineHigh() bool {
	s.Lock()
	defer s.Unlock()
	return s.lineHigh
}

func (s *Sim) Property(id uint16) (uint16, bool) {
	s.Lock()
	defer s.Unlock()
	v, ok := s.props[id]
	return v, ok
}

func (s *Sim) Frequency() uint16 {
	s.Lock()
	defer s.Unlock()
	return s.freq
}

// PS returns the 8 characters loaded into a PS slot.
func (s *Sim) PS(slot int) string {
	s.Lock()
	defer s.Unlock()
	if slot < 0 || slot*2+1 >= len(s.ps) {
		return ""
	}
	return string(s.ps[slot*2][:]) + string(s.ps[slot*2+1][:])
}

// Received is what a receiver tuned to the sim has decoded from the RDS
// groups written so far.
func (s *Sim) Received() rds.Receiver {
	s.Lock()
	defer s.Unlock()
	return s.rx.Clone()
}

// RT returns the 32 RadioText characters last loaded and the A/B flag of
// the last segment written.
func (s *Sim) RT() (string, int) {
	s.Lock()
	defer s.Unlock()
	var b []byte
	for _, seg := range s.rt {
		b = append(b, seg[:]...)
	}
	return string(b), int(s.rtFlags>>4) & 1
}
