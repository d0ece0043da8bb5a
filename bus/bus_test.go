package bus

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

// scriptedPort replays canned bridge replies and records requests.
type scriptedPort struct {
	replies bytes.Buffer
	sent    bytes.Buffer
	closed  bool
}

func (p *scriptedPort) Read(b []byte) (int, error)  { return p.replies.Read(b) }
func (p *scriptedPort) Write(b []byte) (int, error) { return p.sent.Write(b) }
func (p *scriptedPort) Close() error                { p.closed = true; return nil }

func TestSerialWriteBlock(t *testing.T) {
	port := &scriptedPort{}
	port.replies.Write([]byte{0, 0})
	s := NewSerial(port)

	if err := s.WriteBlock(0x63, []byte{0x12, 0x00, 0x21, 0x01}); err != nil {
		t.Fatalf("WriteBlock err=%v", err)
	}
	want := []byte{'W', 0x63, 4, 0x12, 0x00, 0x21, 0x01}
	if !bytes.Equal(port.sent.Bytes(), want) {
		t.Fatalf("request = % x, want % x", port.sent.Bytes(), want)
	}
}

func TestSerialReadBlock(t *testing.T) {
	port := &scriptedPort{}
	port.replies.Write([]byte{0, 3, 0x80, 0x01, 0x02})
	s := NewSerial(port)

	b, err := s.ReadBlock(0x63, 3)
	if err != nil {
		t.Fatalf("ReadBlock err=%v", err)
	}
	if !bytes.Equal(b, []byte{0x80, 0x01, 0x02}) {
		t.Fatalf("data = % x", b)
	}
	if !bytes.Equal(port.sent.Bytes(), []byte{'R', 0x63, 3}) {
		t.Fatalf("request = % x", port.sent.Bytes())
	}
}

func TestSerialBridgeError(t *testing.T) {
	port := &scriptedPort{}
	port.replies.Write([]byte{0x02, 0})
	s := NewSerial(port)

	err := s.WriteBlock(0x63, []byte{0x10})
	if !errors.Is(err, ErrBridge) {
		t.Fatalf("expected ErrBridge, got %v", err)
	}
}

func TestSerialCloseDropsResetLine(t *testing.T) {
	port := &scriptedPort{}
	port.replies.Write([]byte{0, 0})
	s := NewSerial(port)

	if err := s.Close(); err != nil {
		t.Fatalf("Close err=%v", err)
	}
	if !bytes.Equal(port.sent.Bytes(), []byte{'L', 0, 1, 0}) {
		t.Fatalf("request = % x", port.sent.Bytes())
	}
	if !port.closed {
		t.Fatalf("port not closed")
	}
	if err := s.WriteBlock(0x63, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestSimNAKWhileInReset(t *testing.T) {
	s := NewSim()
	if err := s.WriteBlock(0x63, []byte{0x01}); !errors.Is(err, ErrNAK) {
		t.Fatalf("expected ErrNAK, got %v", err)
	}
	s.SetLine(true)
	if err := s.WriteBlock(0x63, []byte{0x01, 0x12, 0x50}); err != nil {
		t.Fatalf("WriteBlock err=%v", err)
	}
	if !s.Powered() {
		t.Fatalf("expected powered after POWER_UP")
	}
}

func TestSimTuneStatus(t *testing.T) {
	s := NewSim()
	s.SetLine(true)
	s.WriteBlock(0x63, []byte{0x01, 0x12, 0x50})
	s.WriteBlock(0x63, []byte{0x30, 0x00, 0x26, 0x8e}) // 98.70 MHz
	s.WriteBlock(0x63, []byte{0x31, 0x00, 0x00, 115, 0})
	s.WriteBlock(0x63, []byte{0x33, 0x00})

	r, err := s.ReadBlock(0x63, 8)
	if err != nil {
		t.Fatalf("ReadBlock err=%v", err)
	}
	if f := uint16(r[2])<<8 | uint16(r[3]); f != 9870 {
		t.Fatalf("freq = %d, want 9870", f)
	}
	if r[5] != 115 {
		t.Fatalf("power = %d, want 115", r[5])
	}
	if r[6] == 0 {
		t.Fatalf("expected auto-tuned antenna cap")
	}

	s.Silence(true)
	s.WriteBlock(0x63, []byte{0x33, 0x00})
	r, _ = s.ReadBlock(0x63, 8)
	if r[5] != 0 {
		t.Fatalf("silenced power = %d, want 0", r[5])
	}
}

func TestSimResetWipesState(t *testing.T) {
	s := NewSim()
	s.SetLine(true)
	s.WriteBlock(0x63, []byte{0x01, 0x12, 0x50})
	s.WriteBlock(0x63, []byte{0x12, 0x00, 0x2c, 0x01, 0x12, 0x34})
	if v, ok := s.Property(0x2c01); !ok || v != 0x1234 {
		t.Fatalf("property = %04x %v", v, ok)
	}

	s.SetLine(false)
	if _, ok := s.Property(0x2c01); ok {
		t.Fatalf("property survived reset")
	}
	if s.Powered() {
		t.Fatalf("still powered after reset")
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(Config{Backend: "carrier-pigeon"}); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
	tr, err := Open(Config{Backend: "sim"})
	if err != nil {
		t.Fatalf("Open(sim) err=%v", err)
	}
	if _, ok := tr.(*Sim); !ok {
		t.Fatalf("Open(sim) = %T", tr)
	}
}

// Truncated RDS writes are counted but must not take the simulator down.
func TestSimShortRDSWrites(t *testing.T) {
	s := NewSim()
	s.SetLine(true)
	for _, b := range [][]byte{{0x35}, {0x35, 0x04, 0x20}, {0x36}, {0x36, 0x00, 'A'}} {
		if err := s.WriteBlock(0x63, b); err != nil {
			t.Fatalf("WriteBlock(% x) err=%v", b, err)
		}
	}
	if n := s.Count(0x35); n != 2 {
		t.Fatalf("RDS_BUFF count = %d", n)
	}
	if got := s.PS(0); got[0] != 'A' {
		t.Fatalf("PS(0) = %q", got)
	}
}

func TestTransportNames(t *testing.T) {
	if got := NewSim().String(); got != "simulated SI4713" {
		t.Errorf("Sim = %q", got)
	}
	if got := NewSerial(&scriptedPort{}).String(); got != "serial bridge" {
		t.Errorf("Serial = %q", got)
	}
}
