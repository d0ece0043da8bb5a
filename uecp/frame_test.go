package uecp

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
)

func TestCRC16CheckValue(t *testing.T) {
	if got := CRC16([]byte("123456789")); got != 0x29b1 {
		t.Fatalf("CRC16(123456789) = 0x%04x, want 0x29b1", got)
	}
	if got := CRC16(nil); got != 0xffff {
		t.Fatalf("CRC16(nil) = 0x%04x, want init value", got)
	}
}

func TestStuffing(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"plain", []byte{0x01, 0x02}, []byte{0x01, 0x02}},
		{"escape", []byte{0xfd}, []byte{0xfd, 0x00}},
		{"start", []byte{0xfe}, []byte{0xfd, 0x01}},
		{"stop", []byte{0xff}, []byte{0xfd, 0x02}},
		{"mixed", []byte{0x10, 0xff, 0xfe, 0xfd, 0x20}, []byte{0x10, 0xfd, 0x02, 0xfd, 0x01, 0xfd, 0x00, 0x20}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Stuff(tc.in)
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("Stuff = % x, want % x", got, tc.want)
			}
			back, err := Unstuff(got)
			if err != nil || !bytes.Equal(back, tc.in) {
				t.Fatalf("Unstuff = % x, %v", back, err)
			}
		})
	}
}

func TestStuffingRoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(4713))
	alphabet := []byte{0x00, 0x41, 0xfc, 0xfd, 0xfe, 0xff}
	for i := 0; i < 500; i++ {
		in := make([]byte, r.Intn(64))
		for j := range in {
			in[j] = alphabet[r.Intn(len(alphabet))]
		}
		st := Stuff(in)
		if bytes.IndexByte(st, FrameStart) >= 0 || bytes.IndexByte(st, FrameStop) >= 0 {
			t.Fatalf("stuffed output carries a delimiter: % x", st)
		}
		out, err := Unstuff(st)
		if err != nil || !bytes.Equal(out, in) {
			t.Fatalf("round trip of % x = % x, %v", in, out, err)
		}
	}
}

func TestUnstuffRejects(t *testing.T) {
	for name, in := range map[string][]byte{
		"bad escape":      {0x01, 0xfd, 0x03},
		"dangling escape": {0x01, 0xfd},
		"raw start":       {0x01, 0xfe, 0x02},
		"raw stop":        {0xff},
	} {
		if _, err := Unstuff(in); !errors.Is(err, ErrFrameIntegrity) {
			t.Errorf("%s: expected ErrFrameIntegrity, got %v", name, err)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	m := Message{MEC: MECRT, Ctrl1: 0, Ctrl2: 0x01, Data: []byte{0x00, 'H', 0xfe, 'I', 0xff, 0xfd}}
	frame := EncodeFrame(m)
	if frame[0] != FrameStart || frame[len(frame)-1] != FrameStop {
		t.Fatalf("frame not delimited: % x", frame)
	}
	if bytes.IndexByte(frame[1:len(frame)-1], FrameStop) >= 0 {
		t.Fatalf("stop marker inside frame: % x", frame)
	}
	got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame err=%v", err)
	}
	if got.MEC != m.MEC || got.Ctrl2 != m.Ctrl2 || !bytes.Equal(got.Data, m.Data) {
		t.Fatalf("decoded %+v, want %+v", got, m)
	}
}

// raw is the unstuffed body plus CRC of m.
func raw(m Message) []byte {
	b := append([]byte{m.MEC, m.Ctrl1, m.Ctrl2, byte(len(m.Data))}, m.Data...)
	return binary.BigEndian.AppendUint16(b, CRC16(b)^0xffff)
}

func wrap(raw []byte) []byte {
	out := append([]byte{FrameStart}, Stuff(raw)...)
	return append(out, FrameStop)
}

func TestFrameCorruptionIsRejected(t *testing.T) {
	messages := []Message{
		{MEC: MECPI, Data: []byte{0x12, 0x34}},
		{MEC: MECPS, Data: []byte("GOFMTX  ")},
		{MEC: MECRT, Data: append([]byte{0x01}, "ON AIR \xfe\xff\xfd"...)},
	}
	for _, m := range messages {
		good := raw(m)
		if _, err := DecodeFrame(wrap(good)); err != nil {
			t.Fatalf("valid frame rejected: %v", err)
		}
		for bit := 0; bit < len(good)*8; bit++ {
			bad := append([]byte(nil), good...)
			bad[bit/8] ^= 1 << (bit % 8)
			if got, err := DecodeFrame(wrap(bad)); err == nil {
				t.Fatalf("MEC 0x%02x: flipped bit %d accepted as %+v", m.MEC, bit, got)
			}
		}
	}
}

func TestDecodeFrameRejectsShortAndOverrun(t *testing.T) {
	if _, err := DecodeFrame([]byte{FrameStart, 0x01, 0x02, FrameStop}); !errors.Is(err, ErrFrameIntegrity) {
		t.Fatalf("short frame: %v", err)
	}

	body := []byte{MECPI, 0, 0, 10, 0x12, 0x34}
	over := binary.BigEndian.AppendUint16(body, CRC16(body)^0xffff)
	if _, err := DecodeFrame(wrap(over)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("length overrun: %v", err)
	}
}

func TestDeframer(t *testing.T) {
	a := EncodeFrame(Message{MEC: MECPTY, Data: []byte{10}})
	b := EncodeFrame(Message{MEC: MECMS, Data: []byte{1}})

	var d Deframer
	stream := append([]byte("noise"), a...)
	stream = append(stream, b...)

	// split across reads at every position
	for cut := 0; cut <= len(stream); cut++ {
		d = Deframer{}
		frames := d.Feed(stream[:cut])
		frames = append(frames, d.Feed(stream[cut:])...)
		if len(frames) != 2 || !bytes.Equal(frames[0], a) || !bytes.Equal(frames[1], b) {
			t.Fatalf("cut %d: got %d frames", cut, len(frames))
		}
	}
}

func TestDeframerRestartsOnSecondStart(t *testing.T) {
	good := EncodeFrame(Message{MEC: MECPTY, Data: []byte{3}})
	stream := append([]byte{FrameStart, 0x01, 0x02}, good...)

	var d Deframer
	frames := d.Feed(stream)
	if len(frames) != 1 || !bytes.Equal(frames[0], good) {
		t.Fatalf("frames = % x", frames)
	}
}

func TestDeframerBoundsBuffer(t *testing.T) {
	var d Deframer
	junk := append([]byte{FrameStart}, bytes.Repeat([]byte{0x41}, MaxFrameSize+10)...)
	if frames := d.Feed(junk); len(frames) != 0 {
		t.Fatalf("oversize frame delivered")
	}
	if d.Dropped != 1 {
		t.Fatalf("dropped = %d", d.Dropped)
	}
	// the tail of the oversize frame is discarded up to the next start
	good := EncodeFrame(Message{MEC: MECMS, Data: []byte{0}})
	frames := d.Feed(append([]byte{0x41, FrameStop}, good...))
	if len(frames) != 1 || !bytes.Equal(frames[0], good) {
		t.Fatalf("frames after overflow = %d", len(frames))
	}
}
