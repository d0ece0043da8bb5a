// Package uecp takes RDS updates from broadcast automation over UECP
// (Universal Encoder Communication Protocol) and applies them to the
// transmitter's RDS encoder.
package uecp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Frame layout, after removing the delimiters and unstuffing:
//
//	MEC(1) | Ctrl1(1) | Ctrl2(1) | Len(1) | Data(Len) | CRC(2)
//
// CRC is big-endian, CRC-16/CCITT-FALSE over everything before it, sent
// inverted. 0xFD, 0xFE and 0xFF never appear raw between the delimiters:
// they go out as 0xFD followed by 0x00, 0x01 or 0x02.
const (
	FrameStart byte = 0xfe
	FrameStop  byte = 0xff
	Escape     byte = 0xfd

	headerSize = 4
	crcSize    = 2

	// MaxFrameSize bounds one delimited frame on the wire.
	MaxFrameSize = 1024
)

var ErrFrameIntegrity = errors.New("uecp: frame integrity")
var ErrMalformed = errors.New("uecp: malformed message")

// Message element codes.
const (
	MECPI  byte = 0x01
	MECPS  byte = 0x02
	MECTA  byte = 0x03 // TA/TP
	MECDI  byte = 0x04
	MECMS  byte = 0x05
	MECPTY byte = 0x07
	MECRT  byte = 0x0a
	MECAF  byte = 0x13
)

type Message struct {
	MEC   byte
	Ctrl1 byte
	Ctrl2 byte
	Data  []byte
}

// CRC16 is CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF, no reflection.
func CRC16(b []byte) uint16 {
	crc := uint16(0xffff)
	for _, c := range b {
		crc ^= uint16(c) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// frameCRC is the value carried on the wire.
func frameCRC(b []byte) uint16 {
	return CRC16(b) ^ 0xffff
}

func Stuff(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(b)/8)
	for _, c := range b {
		switch c {
		case Escape, FrameStart, FrameStop:
			out = append(out, Escape, c-Escape)
		default:
			out = append(out, c)
		}
	}
	return out
}

func Unstuff(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch c {
		case FrameStart, FrameStop:
			return nil, errors.Wrapf(ErrFrameIntegrity, "raw 0x%02x at %d", c, i)
		case Escape:
			if i+1 >= len(b) {
				return nil, errors.Wrap(ErrFrameIntegrity, "dangling escape")
			}
			i++
			if b[i] > 0x02 {
				return nil, errors.Wrapf(ErrFrameIntegrity, "bad escape 0x%02x", b[i])
			}
			out = append(out, Escape+b[i])
		default:
			out = append(out, c)
		}
	}
	return out, nil
}

func EncodeFrame(m Message) []byte {
	data := m.Data
	if len(data) > 255 {
		data = data[:255]
	}
	raw := make([]byte, 0, headerSize+len(data)+crcSize)
	raw = append(raw, m.MEC, m.Ctrl1, m.Ctrl2, byte(len(data)))
	raw = append(raw, data...)
	raw = binary.BigEndian.AppendUint16(raw, frameCRC(raw))

	out := make([]byte, 0, len(raw)+8)
	out = append(out, FrameStart)
	out = append(out, Stuff(raw)...)
	return append(out, FrameStop)
}

// DecodeFrame validates one frame. The delimiters are optional.
func DecodeFrame(frame []byte) (Message, error) {
	if len(frame) > 0 && frame[0] == FrameStart {
		frame = frame[1:]
	}
	if len(frame) > 0 && frame[len(frame)-1] == FrameStop {
		frame = frame[:len(frame)-1]
	}
	raw, err := Unstuff(frame)
	if err != nil {
		return Message{}, err
	}
	if len(raw) < headerSize+crcSize {
		return Message{}, errors.Wrapf(ErrFrameIntegrity, "short frame (%d bytes)", len(raw))
	}

	body := raw[:len(raw)-crcSize]
	want := binary.BigEndian.Uint16(raw[len(raw)-crcSize:])
	if got := frameCRC(body); got != want {
		return Message{}, errors.Wrapf(ErrFrameIntegrity, "crc 0x%04x != 0x%04x", got, want)
	}

	n := int(body[3])
	if headerSize+n > len(body) {
		return Message{}, errors.Wrapf(ErrMalformed, "length %d overruns %d byte body", n, len(body))
	}
	return Message{
		MEC:   body[0],
		Ctrl1: body[1],
		Ctrl2: body[2],
		Data:  append([]byte(nil), body[headerSize:headerSize+n]...),
	}, nil
}

// Deframer cuts a byte stream into delimited frames. Bytes before a start
// marker are discarded, and a second start marker before a stop marker
// restarts the frame.
type Deframer struct {
	buf     []byte
	active  bool
	Dropped int // oversize frames thrown away
}

// Feed consumes p and returns the complete frames found, delimiters
// included.
func (d *Deframer) Feed(p []byte) [][]byte {
	var frames [][]byte
	for _, c := range p {
		switch {
		case c == FrameStart:
			d.buf = append(d.buf[:0], c)
			d.active = true
		case !d.active:
		default:
			d.buf = append(d.buf, c)
			if c == FrameStop {
				frames = append(frames, append([]byte(nil), d.buf...))
				d.buf, d.active = d.buf[:0], false
			} else if len(d.buf) >= MaxFrameSize {
				d.Dropped++
				d.buf, d.active = d.buf[:0], false
			}
		}
	}
	return frames
}
