package uecp

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/bartgrantham/gofmtx/si4713"
	"github.com/bartgrantham/gofmtx/telemetry"
)

// Encoder is the part of the RDS encoder UECP messages drive.
type Encoder interface {
	SetPI(ctx context.Context, pi uint16) error
	SetPS(ctx context.Context, text string, slot int) error
	SetPSCount(ctx context.Context, count, repeat int) error
	SetRT(ctx context.Context, text string, o si4713.RTOptions) (int, error)
	SetPTY(ctx context.Context, pty int) error
	SetTP(ctx context.Context, on bool) error
	SetTA(ctx context.Context, on bool) error
	SetMS(ctx context.Context, music bool) error
	SetDI(ctx context.Context, di si4713.DI) error
	SetAF(ctx context.Context, code int) error
}

const (
	// PlaceholderPS is on air until a client sends a real PS name.
	PlaceholderPS = "  ----  "
	// NoProgramPI is the reserved "no program" PI code.
	NoProgramPI uint16 = 0x0000

	DefaultPSRepeat = 3
)

type Stats struct {
	Applied int
	Skipped int // identical to what is already on air
	Ignored int // unknown element code
	Dropped int // integrity or decode failure
	Failed  int // encoder rejected it
}

// Decoder applies UECP messages to an Encoder, skipping messages whose data
// matches what was last applied for the same element code.
type Decoder struct {
	sync.Mutex
	enc   Encoder
	hooks telemetry.Hooks
	log   *slog.Logger

	PSRepeat int

	applied    map[byte][]byte
	psCountSet bool
	bank       int
	stats      Stats
}

func NewDecoder(enc Encoder, hooks telemetry.Hooks, log *slog.Logger) *Decoder {
	if hooks == nil {
		hooks = telemetry.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		enc:      enc,
		hooks:    hooks,
		log:      log.With("component", "uecp"),
		PSRepeat: DefaultPSRepeat,
		applied:  map[byte][]byte{},
	}
}

// Reset forgets everything applied so far. It runs on every hardware reset
// of the chip and whenever the listeners (re)start.
func (d *Decoder) Reset() {
	d.Lock()
	d.applied = map[byte][]byte{}
	d.psCountSet = false
	d.bank = 0
	d.Unlock()
}

// Prime overwrites the chip's power-up PS and PI with the "unconfigured"
// markers, so nothing stale is on air before a client speaks.
func (d *Decoder) Prime(ctx context.Context) error {
	d.Lock()
	defer d.Unlock()
	delete(d.applied, MECPS)
	delete(d.applied, MECPI)
	if err := d.enc.SetPS(ctx, PlaceholderPS, 0); err != nil {
		return errors.Wrap(err, "prime PS")
	}
	if err := d.enc.SetPI(ctx, NoProgramPI); err != nil {
		return errors.Wrap(err, "prime PI")
	}
	d.hooks.PSChanged([]string{PlaceholderPS}, PlaceholderPS)
	return nil
}

func (d *Decoder) Stats() Stats {
	d.Lock()
	defer d.Unlock()
	return d.stats
}

// HandleFrame decodes and applies one delimited frame. Integrity failures
// are counted and logged, never fatal.
func (d *Decoder) HandleFrame(ctx context.Context, frame []byte) error {
	m, err := DecodeFrame(frame)
	if err != nil {
		d.Lock()
		d.stats.Dropped++
		d.Unlock()
		d.log.Warn("dropped frame", "err", err, "len", len(frame))
		return err
	}
	_, err = d.Apply(ctx, m)
	return err
}

// Apply hands m to the encoder unless its data is what was last applied
// for m.MEC. The data is only remembered once the encoder accepted it.
func (d *Decoder) Apply(ctx context.Context, m Message) (bool, error) {
	d.Lock()
	defer d.Unlock()

	if prev, ok := d.applied[m.MEC]; ok && bytes.Equal(prev, m.Data) {
		d.stats.Skipped++
		return false, nil
	}
	known, err := d.apply(ctx, m)
	switch {
	case err != nil:
		d.stats.Failed++
		d.log.Error("apply failed", "mec", m.MEC, "err", err)
		return false, err
	case !known:
		d.stats.Ignored++
		d.log.Debug("ignored element", "mec", m.MEC)
		return false, nil
	}
	d.applied[m.MEC] = append([]byte(nil), m.Data...)
	d.stats.Applied++
	return true, nil
}

func need(m Message, n int) error {
	if len(m.Data) < n {
		return errors.Wrapf(ErrMalformed, "element 0x%02x needs %d bytes, got %d", m.MEC, n, len(m.Data))
	}
	return nil
}

// chars reads RDS bytes as text, one character per byte.
func chars(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

func (d *Decoder) apply(ctx context.Context, m Message) (bool, error) {
	switch m.MEC {
	case MECPI:
		if err := need(m, 2); err != nil {
			return true, err
		}
		return true, d.enc.SetPI(ctx, uint16(m.Data[0])<<8|uint16(m.Data[1]))

	case MECPS:
		ps := m.Data
		if len(ps) > 8 {
			ps = ps[:8]
		}
		text := si4713.FormatPS(chars(ps), false)
		if err := d.enc.SetPS(ctx, text, 0); err != nil {
			return true, err
		}
		if !d.psCountSet {
			if err := d.enc.SetPSCount(ctx, 1, d.PSRepeat); err != nil {
				return true, err
			}
			d.psCountSet = true
		}
		d.hooks.PSChanged([]string{text}, text)
		return true, nil

	case MECTA:
		if err := need(m, 1); err != nil {
			return true, err
		}
		if err := d.enc.SetTP(ctx, m.Data[0]&0x02 != 0); err != nil {
			return true, err
		}
		return true, d.enc.SetTA(ctx, m.Data[0]&0x01 != 0)

	case MECDI:
		if err := need(m, 1); err != nil {
			return true, err
		}
		b := m.Data[0]
		return true, d.enc.SetDI(ctx, si4713.DI{
			DynamicPTY:     b&0x01 != 0,
			Compressed:     b&0x02 != 0,
			ArtificialHead: b&0x04 != 0,
			Stereo:         b&0x08 != 0,
		})

	case MECMS:
		if err := need(m, 1); err != nil {
			return true, err
		}
		return true, d.enc.SetMS(ctx, m.Data[0]&0x01 != 0)

	case MECPTY:
		if err := need(m, 1); err != nil {
			return true, err
		}
		return true, d.enc.SetPTY(ctx, int(m.Data[0]&0x1f))

	case MECRT:
		return true, d.applyRT(ctx, m)

	case MECAF:
		if err := need(m, 1); err != nil {
			return true, err
		}
		n := int(m.Data[0]) - 0xe0
		if n < 0 || n > 25 {
			return true, errors.Wrapf(ErrMalformed, "AF count code 0x%02x", m.Data[0])
		}
		if n == 0 {
			return true, d.enc.SetAF(ctx, 0)
		}
		if err := need(m, 2); err != nil {
			return true, err
		}
		return true, d.enc.SetAF(ctx, int(m.Data[1]))
	}
	return false, nil
}

// applyRT: the first data byte is a control byte whose bit 0 toggles the
// A/B bank, the rest is text. A CR ends the text early.
func (d *Decoder) applyRT(ctx context.Context, m Message) error {
	if err := need(m, 1); err != nil {
		return err
	}
	text := m.Data[1:]
	cr := false
	if i := bytes.IndexByte(text, '\r'); i >= 0 {
		text, cr = text[:i], true
	}
	bank := d.bank ^ int(m.Data[0]&0x01)
	sent, err := d.enc.SetRT(ctx, chars(text), si4713.RTOptions{
		Mode:        si4713.ABBank,
		Bank:        &bank,
		CRTerminate: cr,
	})
	if err != nil {
		return err
	}
	d.bank = sent
	d.hooks.RTChanged(chars(text), sent)
	return nil
}
