package si4713

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

/*
What the encoder puts on air:

* PI, PTY, TP: in every group, set once through properties
* PS name: group 0A, 8 characters loaded as two 4 character halves per
  message slot; the chip rotates through TX_RDS_PS_MESSAGE_COUNT slots
* TA, MS, DI: TX_RDS_PS_MISC, also carried by group 0A
* RT: group 2A, 32 characters in 8 segments loaded through the RDS group
  buffer. Block B of each segment:

    Group Type      : xxxx_...._...._....  2
    Version         : ...._x..._...._....  A
    Traffic Program : ...._.x.._...._....
    Program Type    : ...._..xx_xxx._....
    Text A/B        : ...._...._...x_....
    Segment         : ...._...._...._xxxx  0..7

Receivers clear their RT display when the A/B bit changes, and a CR ends a
message shorter than 32 characters.
*/

// ABMode selects how the RT A/B flag is chosen.
type ABMode int

const (
	ABAuto   ABMode = iota // flip when the text changes
	ABLegacy               // always A
	ABBank                 // caller picks, sticky until changed
)

func (m ABMode) String() string {
	switch m {
	case ABLegacy:
		return "legacy"
	case ABBank:
		return "bank"
	}
	return "auto"
}

func ParseABMode(s string) (ABMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ABAuto, nil
	case "legacy":
		return ABLegacy, nil
	case "bank":
		return ABBank, nil
	}
	return ABAuto, errors.Errorf("unknown RT A/B mode %q", s)
}

type RTOptions struct {
	Mode        ABMode
	Bank        *int // ABBank only; nil keeps the last bank
	CRTerminate bool
	ForceNew    bool
}

// DI is the decoder identification sub-flags.
type DI struct {
	Stereo         bool
	ArtificialHead bool
	Compressed     bool
	DynamicPTY     bool
}

// latin1 maps text onto the single byte RDS character set as far as it
// goes; anything past U+00FF becomes '?'.
func latin1(s string) []byte {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			r = '?'
		}
		b = append(b, byte(r))
	}
	return b
}

func padded(b []byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, b)
	return out
}

// FormatPS fits text into the 8 character PS field, centered or left
// justified. Centering puts the odd space on the left.
func FormatPS(text string, center bool) string {
	n := utf8.RuneCountInString(text)
	if n >= psLen {
		return string([]rune(text)[:psLen])
	}
	pad := psLen - n
	if !center {
		return text + strings.Repeat(" ", pad)
	}
	left := (pad + 1) / 2
	return strings.Repeat(" ", left) + text + strings.Repeat(" ", pad-left)
}

// FormatRT builds the 32 character RT field. With crTerminate the text is
// cut to 31 characters and ended with a CR, which receivers take as "short
// message".
func FormatRT(text string, crTerminate bool) string {
	r := []rune(text)
	if crTerminate {
		if len(r) > rtLen-1 {
			r = r[:rtLen-1]
		}
		if len(r) == 0 || r[len(r)-1] != '\r' {
			r = append(r, '\r')
		}
	} else if len(r) > rtLen {
		r = r[:rtLen]
	}
	if pad := rtLen - len(r); pad > 0 {
		return string(r) + strings.Repeat(" ", pad)
	}
	return string(r)
}

// SetPS loads an 8 character PS message into slot.
func (s *SI4713) SetPS(ctx context.Context, text string, slot int) error {
	if slot < 0 || slot >= maxPSSlots {
		return errors.Wrapf(ErrInvalidSlot, "%d", slot)
	}
	b := padded(latin1(text), psLen)[:psLen]
	key := string(b)

	s.Lock()
	defer s.Unlock()
	if prev, ok := s.ps[slot]; ok && prev == key {
		return nil
	}
	for half := 0; half < 2; half++ {
		seg := b[half*4 : half*4+4]
		args := append([]byte{byte(slot*2 + half)}, seg...)
		if err := s.cmd(ctx, cmdTxRDSPS, args...); err != nil {
			return errors.Wrapf(err, "PS slot %d", slot)
		}
	}
	s.ps[slot] = key
	return nil
}

// SetPSCount sets how many PS slots the chip rotates through and how many
// times each one repeats before moving on.
func (s *SI4713) SetPSCount(ctx context.Context, count, repeat int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.setProperty(ctx, propTxRDSPSCount, uint16(count)); err != nil {
		return err
	}
	return s.setProperty(ctx, propTxRDSPSRepeat, uint16(repeat))
}

// SetRT sends RadioText and returns the A/B bank it went out with.
//
// Nothing is written when both the 32 byte payload and the chosen bank
// match the last transmission, unless o.ForceNew.
func (s *SI4713) SetRT(ctx context.Context, text string, o RTOptions) (int, error) {
	payload := latin1(FormatRT(text, o.CRTerminate))

	s.Lock()
	defer s.Unlock()

	ab := s.ab
	changed := s.rt == nil || string(s.rt) != string(payload)
	switch o.Mode {
	case ABLegacy:
		ab = 0
	case ABBank:
		if o.Bank != nil {
			ab = *o.Bank & 1
		}
	default:
		if changed || o.ForceNew {
			ab ^= 1
		}
	}

	if !o.ForceNew && !changed && s.rtBank == ab {
		return ab, nil
	}
	if err := s.writeRT(ctx, payload, ab); err != nil {
		return ab, err
	}
	s.ab = ab
	s.rt = payload
	s.rtBank = ab
	return ab, nil
}

// ResendRT writes the last RT payload again with its A/B flag unchanged.
// Receivers rely on repetition, so a changed message goes out a few times.
func (s *SI4713) ResendRT(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	if s.rt == nil {
		return nil
	}
	return s.writeRT(ctx, s.rt, s.rtBank)
}

func (s *SI4713) writeRT(ctx context.Context, payload []byte, ab int) error {
	tp := (s.misc >> 10) & 0x01
	pty := (s.misc >> miscPTYShift) & 0x1f
	for seg := 0; seg < rtLen/rtSegLen; seg++ {
		blockB := uint16(2)<<12 | tp<<10 | pty<<5 | uint16(ab&1)<<4 | uint16(seg)
		sub := byte(rdsBuffLoad)
		if seg == 0 {
			sub = rdsBuffLoadReset
		}
		chars := payload[seg*rtSegLen : seg*rtSegLen+rtSegLen]
		args := append([]byte{sub, byte(blockB >> 8), byte(blockB)}, chars...)
		if err := s.cmd(ctx, cmdTxRDSBuff, args...); err != nil {
			return errors.Wrapf(err, "RT segment %d", seg)
		}
	}
	return nil
}

// RTBank reports the A/B flag of the last RT sent, -1 if none since reset.
func (s *SI4713) RTBank() int {
	s.Lock()
	defer s.Unlock()
	return s.rtBank
}

func (s *SI4713) SetPI(ctx context.Context, pi uint16) error {
	s.Lock()
	defer s.Unlock()
	return s.setProperty(ctx, propTxRDSPI, pi)
}

func (s *SI4713) setMisc(ctx context.Context, misc uint16) error {
	s.misc = misc
	return s.setProperty(ctx, propTxRDSPSMisc, s.misc)
}

func (s *SI4713) SetPTY(ctx context.Context, pty int) error {
	s.Lock()
	defer s.Unlock()
	return s.setMisc(ctx, s.misc&miscPTYMask|uint16(pty&0x1f)<<miscPTYShift)
}

func (s *SI4713) SetTP(ctx context.Context, on bool) error {
	s.Lock()
	defer s.Unlock()
	return s.setMisc(ctx, setBits(s.misc, miscTP, on))
}

func (s *SI4713) SetTA(ctx context.Context, on bool) error {
	s.Lock()
	defer s.Unlock()
	return s.setMisc(ctx, setBits(s.misc, miscTA, on))
}

// SetMS sets the music/speech flag, true for music.
func (s *SI4713) SetMS(ctx context.Context, music bool) error {
	s.Lock()
	defer s.Unlock()
	return s.setMisc(ctx, setBits(s.misc, miscMS, music))
}

func (s *SI4713) SetDI(ctx context.Context, di DI) error {
	s.Lock()
	defer s.Unlock()
	m := s.misc
	m = setBits(m, miscDynamicPTY, di.DynamicPTY)
	m = setBits(m, miscCompressed, di.Compressed)
	m = setBits(m, miscArtificialHead, di.ArtificialHead)
	m = setBits(m, miscStereo, di.Stereo)
	return s.setMisc(ctx, m)
}

// SetDeviation sets the RDS subcarrier deviation in 10 Hz units.
func (s *SI4713) SetDeviation(ctx context.Context, dev int) error {
	s.Lock()
	defer s.Unlock()
	return s.setProperty(ctx, propTxRDSDev, uint16(dev))
}

// SetAF sets the single alternative frequency carried in group 0A. code is
// the RDS AF code (1..204 for 87.6..107.9 MHz); 0 sends "no AF".
func (s *SI4713) SetAF(ctx context.Context, code int) error {
	val := uint16(0xe0e0)
	if code != 0 {
		val = 0xe100 | uint16(code&0xff)
	}
	s.Lock()
	defer s.Unlock()
	return s.setProperty(ctx, propTxRDSPSAF, val)
}

// PTYName names a program type code in the RBDS (North America) or RDS
// (Europe) table.
func PTYName(pty int, rbds bool) string {
	if pty < 0 || pty > 31 {
		return ""
	}
	if rbds {
		return PTYNamesRBDS[pty]
	}
	return PTYNamesRDS[pty]
}

var PTYNamesRBDS = [32]string{
	"No program type",
	"News",
	"Information",
	"Sports",
	"Talk",
	"Rock",
	"Classic Rock",
	"Adult Hits",
	"Soft Rock",
	"Top 40",
	"Country",
	"Oldies",
	"Soft",
	"Nostalgia",
	"Jazz",
	"Classical",
	"Rhythm and Blues",
	"Soft Rhythm and Blues",
	"Language",
	"Religious Music",
	"Religious Talk",
	"Personality",
	"Public",
	"College",
	"Unassigned 24",
	"Unassigned 25",
	"Unassigned 26",
	"Unassigned 27",
	"Unassigned 28",
	"Weather",
	"Emergency Test",
	"Emergency",
}

var PTYNamesRDS = [32]string{
	"No program type",
	"News",
	"Current Affairs",
	"Information",
	"Sport",
	"Education",
	"Drama",
	"Culture",
	"Science",
	"Varied",
	"Pop Music",
	"Rock Music",
	"M.O.R. Music",
	"Light Classical",
	"Serious Classical",
	"Other Music",
	"Weather",
	"Finance",
	"Children's Programs",
	"Social Affairs",
	"Religion",
	"Phone-In",
	"Travel",
	"Leisure",
	"Jazz Music",
	"Country Music",
	"National Music",
	"Oldies Music",
	"Folk Music",
	"Documentary",
	"Alarm test",
	"Alarm",
}
