// Package si4713 drives the Silicon Labs Si4713 FM transmitter: the command
// channel (write, wait for CTS, read the answer) and the RDS encoder built
// on it.
//
// The chip has no pipelining, so everything goes through one lock: a public
// method holds it for its whole command sequence. The chip's shadow state
// (properties, frequency, output, PS and RT) is cached here so identical
// writes never hit the bus twice, and the cache is thrown away whenever the
// chip is reset because the chip has forgotten it too.
package si4713

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bartgrantham/gofmtx/bus"
)

var ErrBusTimeout = errors.New("bus timeout")
var ErrInvalidFreq = errors.New("invalid frequency")
var ErrInvalidSlot = errors.New("invalid PS slot")

var errNoCTS = errors.New("no CTS")

// Timing bounds the write-then-poll protocol.
type Timing struct {
	Settle    time.Duration // after a write, before the first status read
	PollDelay time.Duration
	Polls     int
	Retries   int
	Backoff   time.Duration // grows with the attempt number
	ResetHold time.Duration // each edge of the reset pulse
}

var DefaultTiming = Timing{
	PollDelay: 2 * time.Millisecond,
	Polls:     50,
	Retries:   3,
	Backoff:   10 * time.Millisecond,
	ResetHold: 50 * time.Millisecond,
}

type SI4713 struct {
	sync.Mutex
	Timing Timing

	bus  bus.Transport
	addr uint16
	log  *slog.Logger

	powered bool
	onReset []func()

	// chip shadow, dropped on reset
	props     map[uint16]uint16
	freq      uint16
	freqSet   bool
	output    [2]uint8
	outputSet bool
	ps        map[int]string
	rt        []byte
	rtBank    int
	ab        int

	// control bitfields, kept across resets and rewritten on the next apply
	component uint16
	acomp     uint16
	misc      uint16
}

// Status is what TX_TUNE_STATUS reports.
type Status struct {
	Freq10kHz  uint16
	Power      uint8 // dBuV, 0 when not radiating
	Overmod    bool
	AntennaCap uint8
}

type AudioQuality struct {
	Overmod    bool
	InputLevel int8 // dBFS
}

type Revision struct {
	Part    byte
	ChipRev byte
}

// Processing is the audio dynamic range control setup.
type Processing struct {
	AGC            bool // compressor
	Limiter        bool
	Threshold      int // dBFS, negative
	Attack         int
	Release        int
	Gain           int // dB
	LimiterRelease int
}

func New(t bus.Transport, addr uint16, log *slog.Logger) *SI4713 {
	if addr == 0 {
		addr = DefaultAddr
	}
	if log == nil {
		log = slog.Default()
	}
	s := &SI4713{
		Timing: DefaultTiming,
		bus:    t,
		addr:   addr,
		log:    log.With("component", "si4713"),
	}
	s.clearCaches()
	return s
}

func (s *SI4713) String() string {
	return "Si4713"
}

// OnReset registers f to run after every cache clear (power-up and hardware
// reset). f is called without the device lock held.
func (s *SI4713) OnReset(f func()) {
	s.Lock()
	s.onReset = append(s.onReset, f)
	s.Unlock()
}

func (s *SI4713) clearCaches() {
	s.props = map[uint16]uint16{}
	s.freqSet = false
	s.outputSet = false
	s.ps = map[int]string{}
	s.rt = nil
	s.rtBank = -1
	s.ab = 1
}

func (s *SI4713) resetHooks() []func() {
	return append([]func(){}, s.onReset...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cmd writes [op, args...] and waits for CTS, retrying the whole exchange
// with a growing backoff. The lock must be held.
func (s *SI4713) cmd(ctx context.Context, op byte, args ...byte) error {
	buf := make([]byte, 0, 1+len(args))
	buf = append(buf, op)
	buf = append(buf, args...)

	retries := s.Timing.Retries
	if retries < 1 {
		retries = 1
	}
	var last error
	for attempt := 1; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.exchange(ctx, buf)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
		s.log.Debug("command failed", "op", op, "attempt", attempt, "err", err)
		if attempt < retries {
			if err := sleep(ctx, s.Timing.Backoff*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}
	return errors.Wrapf(ErrBusTimeout, "op 0x%02x after %d attempts (%v)", op, retries, last)
}

func (s *SI4713) exchange(ctx context.Context, buf []byte) error {
	if err := s.bus.WriteBlock(s.addr, buf); err != nil {
		return err
	}
	if err := sleep(ctx, s.Timing.Settle); err != nil {
		return err
	}
	polls := s.Timing.Polls
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		st, err := s.bus.ReadByte(s.addr)
		if err != nil {
			return err
		}
		if st&ctsBit != 0 {
			return nil
		}
		if err := sleep(ctx, s.Timing.PollDelay); err != nil {
			return err
		}
	}
	return errNoCTS
}

// query runs a command and reads its n byte response.
func (s *SI4713) query(ctx context.Context, n int, op byte, args ...byte) ([]byte, error) {
	if err := s.cmd(ctx, op, args...); err != nil {
		return nil, err
	}
	r, err := s.bus.ReadBlock(s.addr, n)
	if err != nil {
		return nil, errors.Wrapf(err, "op 0x%02x response", op)
	}
	if len(r) < n {
		return nil, errors.Errorf("op 0x%02x: short response %d/%d", op, len(r), n)
	}
	return r, nil
}

// setProperty skips the write if the cache already holds val, and only
// caches val once the chip took it. The lock must be held.
func (s *SI4713) setProperty(ctx context.Context, id, val uint16) error {
	if v, ok := s.props[id]; ok && v == val {
		return nil
	}
	err := s.cmd(ctx, cmdSetProperty, 0x00, byte(id>>8), byte(id), byte(val>>8), byte(val))
	if err != nil {
		return errors.Wrapf(err, "set property 0x%04x", id)
	}
	s.props[id] = val
	return nil
}

/*
Bring-up, from the datasheet:

> RST must be held low for at least 10 us after VDD and VIO are stable, and
> the clock must be running before POWER_UP is sent.

The pulse is high, low, high with a generous hold on each edge, followed by
POWER_UP, the GPO setup, the reference clock and the ASQ interrupt mask.
*/
func (s *SI4713) PowerUp(ctx context.Context, refclkHz int) error {
	s.Lock()
	err := s.powerUp(ctx, refclkHz)
	hooks := s.resetHooks()
	s.Unlock()

	for _, f := range hooks {
		f()
	}
	if err != nil {
		s.log.Error("init failed", "err", err)
		return err
	}
	s.log.Info("init OK", "refclk_hz", refclkHz)
	return nil
}

func (s *SI4713) powerUp(ctx context.Context, refclkHz int) error {
	s.clearCaches()
	s.powered = false

	for _, high := range []bool{true, false, true} {
		if err := s.bus.SetLine(high); err != nil {
			return errors.Wrap(err, "reset line")
		}
		if err := sleep(ctx, s.Timing.ResetHold); err != nil {
			return err
		}
	}
	if err := s.cmd(ctx, cmdPowerUp, powerUpArg1, powerUpArg2); err != nil {
		return errors.Wrap(err, "power up")
	}
	if err := s.cmd(ctx, cmdGPOCtl, gpoOutputs); err != nil {
		return errors.Wrap(err, "GPO_CTL")
	}
	if err := s.setProperty(ctx, propRefClkFreq, uint16(refclkHz)); err != nil {
		return errors.Wrap(err, "REFCLK")
	}
	if err := s.setProperty(ctx, propTxASQIntSelect, 0x0007); err != nil {
		return err
	}
	s.powered = true
	return nil
}

// HWReset drives the reset line low: the transmitter stops radiating at once
// and forgets its configuration, so the caches go too. The caches are
// cleared even if the line couldn't be driven.
func (s *SI4713) HWReset(ctx context.Context) error {
	s.Lock()
	err := s.bus.SetLine(false)
	if err == nil {
		// the hold is best effort, the line is already low
		sleep(ctx, s.Timing.ResetHold)
	}
	s.clearCaches()
	s.powered = false
	hooks := s.resetHooks()
	s.Unlock()

	for _, f := range hooks {
		f()
	}
	if err != nil {
		s.log.Error("hardware reset failed", "err", err)
		return errors.Wrap(err, "reset line")
	}
	s.log.Info("hardware reset asserted (TX stopped)")
	return nil
}

func (s *SI4713) Powered() bool {
	s.Lock()
	defer s.Unlock()
	return s.powered
}

func (s *SI4713) ReadStatus(ctx context.Context) (Status, error) {
	s.Lock()
	defer s.Unlock()
	r, err := s.query(ctx, 8, cmdTxTuneStatus, 0x00)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Freq10kHz:  uint16(r[2])<<8 | uint16(r[3]),
		Power:      r[5],
		Overmod:    r[1]&0x04 != 0,
		AntennaCap: r[6],
	}, nil
}

// Transmitting reports whether the chip answers and radiates.
func (s *SI4713) Transmitting(ctx context.Context) bool {
	st, err := s.ReadStatus(ctx)
	return err == nil && st.Power > 0
}

// ReadAudioQuality reads and then clears the latched ASQ flags. A failed
// read returns the zero value.
func (s *SI4713) ReadAudioQuality(ctx context.Context) (AudioQuality, error) {
	s.Lock()
	defer s.Unlock()
	r, err := s.query(ctx, 5, cmdTxASQStatus, 0x00)
	if err != nil {
		return AudioQuality{}, err
	}
	q := AudioQuality{
		Overmod:    r[1]&0x04 != 0,
		InputLevel: int8(r[4]),
	}
	if err := s.cmd(ctx, cmdTxASQStatus, asqClear); err != nil {
		s.log.Debug("ASQ clear failed", "err", err)
	}
	return q, nil
}

func (s *SI4713) ReadRevision(ctx context.Context) (Revision, error) {
	s.Lock()
	defer s.Unlock()
	r, err := s.query(ctx, 9, cmdGetRev)
	if err != nil {
		return Revision{}, err
	}
	return Revision{Part: r[1], ChipRev: r[8]}, nil
}

// SetFrequency tunes to f10k, in 10 kHz units (76.00 to 108.00 MHz).
func (s *SI4713) SetFrequency(ctx context.Context, f10k uint16) error {
	if f10k < 7600 || f10k > 10800 {
		return errors.Wrapf(ErrInvalidFreq, "%d0 kHz", f10k)
	}
	s.Lock()
	defer s.Unlock()
	if s.freqSet && s.freq == f10k {
		return nil
	}
	if err := s.cmd(ctx, cmdTxTuneFreq, 0x00, byte(f10k>>8), byte(f10k)); err != nil {
		return errors.Wrap(err, "tune")
	}
	s.freq, s.freqSet = f10k, true
	return nil
}

// SetOutput sets the output level in dBuV and the antenna tuning
// capacitor; cap 0 lets the chip tune it.
func (s *SI4713) SetOutput(ctx context.Context, level, cap int) error {
	out := [2]uint8{clampByte(level), clampByte(cap)}
	s.Lock()
	defer s.Unlock()
	if s.outputSet && s.output == out {
		return nil
	}
	if err := s.cmd(ctx, cmdTxTunePower, 0x00, 0x00, out[0], out[1]); err != nil {
		return errors.Wrap(err, "tune power")
	}
	s.output, s.outputSet = out, true
	return nil
}

func clampByte(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

func setBits(v uint16, mask uint16, on bool) uint16 {
	if on {
		return v | mask
	}
	return v &^ mask
}

// EnableMPX turns the stereo pilot and L-R subcarrier on or off.
func (s *SI4713) EnableMPX(ctx context.Context, on bool) error {
	s.Lock()
	defer s.Unlock()
	s.component = setBits(s.component, componentMPX, on)
	return s.setProperty(ctx, propTxComponent, s.component)
}

func (s *SI4713) EnableRDS(ctx context.Context, on bool) error {
	s.Lock()
	defer s.Unlock()
	s.component = setBits(s.component, componentRDS, on)
	return s.setProperty(ctx, propTxComponent, s.component)
}

func (s *SI4713) SetPilot(ctx context.Context, freqHz, devHz int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.setProperty(ctx, propTxPilotFreq, uint16(freqHz)); err != nil {
		return err
	}
	return s.setProperty(ctx, propTxPilotDev, uint16(devHz))
}

// SetAudio sets the audio deviation (10 Hz units), line mute and
// pre-emphasis in microseconds (75, 50, or 0 for none).
func (s *SI4713) SetAudio(ctx context.Context, dev int, mute bool, preemphUs int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.setProperty(ctx, propTxAudioDev, uint16(dev)); err != nil {
		return err
	}
	var m uint16
	if mute {
		m = 0x0003
	}
	if err := s.setProperty(ctx, propTxLineMute, m); err != nil {
		return err
	}
	var pre uint16
	switch preemphUs {
	case 0:
		pre = 2
	case 75:
		pre = 0
	default:
		pre = 1
	}
	return s.setProperty(ctx, propTxPreemphasis, pre)
}

func (s *SI4713) SetAudioProcessing(ctx context.Context, p Processing) error {
	s.Lock()
	defer s.Unlock()
	s.acomp = setBits(s.acomp, 1<<0, p.AGC)
	s.acomp = setBits(s.acomp, 1<<1, p.Limiter)
	steps := []struct {
		id  uint16
		val uint16
	}{
		{propTxACompEnable, s.acomp},
		{propTxACompThresh, uint16(int16(p.Threshold))},
		{propTxACompAttack, uint16(p.Attack)},
		{propTxACompRelease, uint16(p.Release)},
		{propTxACompGain, uint16(p.Gain)},
		{propTxLimRelease, uint16(p.LimiterRelease)},
	}
	for _, st := range steps {
		if err := s.setProperty(ctx, st.id, st.val); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the transport; the backends leave the reset line low.
func (s *SI4713) Close() error {
	s.Lock()
	defer s.Unlock()
	s.powered = false
	return s.bus.Close()
}
