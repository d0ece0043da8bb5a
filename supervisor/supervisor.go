// Package supervisor keeps the transmitter on air: it pushes a station
// config to the chip, watches the chip's health and recovers it, hot
// reloads the config file, and rotates PS and RadioText.
//
// Everything except State and Config runs on the goroutine calling Start
// and Run.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/bartgrantham/gofmtx/config"
	"github.com/bartgrantham/gofmtx/si4713"
	"github.com/bartgrantham/gofmtx/telemetry"
)

type State string

const (
	Stopped  State = "STOPPED"
	Starting State = "STARTING"
	Running  State = "RUNNING"
	Stopping State = "STOPPING"
	Failed   State = "ERROR"
)

var (
	ErrDeviceUnhealthy   = errors.New("device unhealthy")
	ErrRecoveryExhausted = errors.New("recovery exhausted")
	ErrNotRunning        = errors.New("supervisor not running")
)

// Transmitter is what the supervisor needs from the chip.
type Transmitter interface {
	PowerUp(ctx context.Context, refclkHz int) error
	HWReset(ctx context.Context) error
	ReadStatus(ctx context.Context) (si4713.Status, error)
	ReadAudioQuality(ctx context.Context) (si4713.AudioQuality, error)

	SetFrequency(ctx context.Context, f10k uint16) error
	SetOutput(ctx context.Context, level, cap int) error
	EnableMPX(ctx context.Context, on bool) error
	EnableRDS(ctx context.Context, on bool) error
	SetPilot(ctx context.Context, freqHz, devHz int) error
	SetAudio(ctx context.Context, dev int, mute bool, preemphUs int) error
	SetAudioProcessing(ctx context.Context, p si4713.Processing) error

	SetPI(ctx context.Context, pi uint16) error
	SetPTY(ctx context.Context, pty int) error
	SetTP(ctx context.Context, on bool) error
	SetTA(ctx context.Context, on bool) error
	SetMS(ctx context.Context, music bool) error
	SetDI(ctx context.Context, di si4713.DI) error
	SetDeviation(ctx context.Context, dev int) error
	SetPS(ctx context.Context, text string, slot int) error
	SetPSCount(ctx context.Context, count, repeat int) error
	SetRT(ctx context.Context, text string, o si4713.RTOptions) (int, error)
	ResendRT(ctx context.Context) error
}

// Primer overwrites stale RDS identity with "unconfigured" markers. The
// UECP decoder is one; it is primed after every full apply in UECP mode.
type Primer interface {
	Prime(ctx context.Context) error
}

type Options struct {
	Hooks telemetry.Hooks
	Log   *slog.Logger
	UECP  Primer

	// Load re-reads the config file on change; config.Load if nil.
	Load func(path string) (*config.Config, error)
}

type Supervisor struct {
	// Now and Sleep stand in for the clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	tx    Transmitter
	hooks telemetry.Hooks
	log   *slog.Logger
	uecp  Primer
	load  func(string) (*config.Config, error)

	cfg atomic.Pointer[config.Config]

	mu    sync.Mutex
	state State

	cfgMod int64
	rt     rtState
	ps     psState
	health healthState
}

type rtState struct {
	text    string
	source  string
	idx     int
	next    time.Time
	fileMod int64
}

type psState struct {
	rendered  []string
	idx       int
	next      time.Time
	macros    bool
	nextMacro time.Time
}

type healthState struct {
	onAirSince time.Time
	failures   int
	recoveries int
}

func New(tx Transmitter, cfg *config.Config, o Options) *Supervisor {
	if o.Hooks == nil {
		o.Hooks = telemetry.Nop{}
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Load == nil {
		o.Load = config.Load
	}
	s := &Supervisor{
		Now:   time.Now,
		Sleep: sleep,
		tx:    tx,
		hooks: o.Hooks,
		log:   o.Log.With("component", "supervisor"),
		uecp:  o.UECP,
		load:  o.Load,
		state: Stopped,
	}
	s.cfg.Store(cfg)
	return s
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

// Config is the snapshot currently on air.
func (s *Supervisor) Config() *config.Config {
	return s.cfg.Load()
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Info("state", "from", string(prev), "to", string(st))
		s.hooks.StateChanged(string(st))
	}
}

// Recoveries counts completed recoveries since Start.
func (s *Supervisor) Recoveries() int {
	return s.health.recoveries
}

// RTSource names where the RadioText on air came from: file, list[n],
// fallback, uecp or disabled.
func (s *Supervisor) RTSource() string {
	return s.rt.source
}

// Start brings the chip up, applies the config in full and, with health
// monitoring on, makes sure it actually transmits.
func (s *Supervisor) Start(ctx context.Context) error {
	cfg := s.Config()
	s.setState(Starting)
	s.cfgMod = config.ModTime(cfg.Path)

	if err := s.tx.PowerUp(ctx, cfg.Hardware.RefclkHz); err != nil {
		s.silence()
		s.setState(Failed)
		return errors.Wrap(err, "power up")
	}
	if err := s.Apply(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.silence()
		s.setState(Failed)
		return errors.Wrap(err, "apply config")
	}
	s.markOnAir()

	if !cfg.Monitor.Health {
		s.log.Info("health monitoring disabled; not verifying TX")
		s.setState(Running)
		return nil
	}
	if st, err := s.tx.ReadStatus(ctx); err == nil && st.Power > 0 {
		s.log.Info("TX is up", "mhz", float64(cfg.RF.FrequencyKHz)/1000, "power", st.Power)
		s.setState(Running)
		return nil
	}
	s.log.Error("TX not running after setup")
	return s.Recover(ctx)
}

// Run ticks every monitor.interval_s until ctx is done, then stops the
// transmitter. It returns early only when recovery is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	if st := s.State(); st != Running {
		return errors.Wrapf(ErrNotRunning, "state %s", st)
	}
	for {
		iv := interval(s.Config())
		if err := s.Sleep(ctx, iv); err != nil {
			s.Stop()
			return nil
		}
		if err := s.Tick(ctx); err != nil {
			if errors.Is(err, ErrRecoveryExhausted) {
				return err
			}
			if ctx.Err() != nil {
				s.Stop()
				return nil
			}
			s.log.Error("tick", "err", err)
		}
	}
}

func interval(cfg *config.Config) time.Duration {
	d := seconds(cfg.Monitor.IntervalS)
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// Tick runs one supervisory pass: config reload, health, audio quality,
// macro refresh, the RT file, RT rotation and PS rotation, in that order.
func (s *Supervisor) Tick(ctx context.Context) error {
	if err := s.reloadIfChanged(ctx); err != nil {
		return err
	}
	cfg := s.Config()
	if cfg.Monitor.Health {
		if err := s.checkHealth(ctx, cfg); err != nil {
			return err
		}
	}
	if cfg.Monitor.ASQ {
		s.checkAudio(ctx, cfg)
	}
	now := s.Now()
	if !s.ps.nextMacro.IsZero() && !now.Before(s.ps.nextMacro) {
		s.refreshMacros(ctx, cfg)
	}
	s.pollRTFile(ctx, cfg)
	s.rotateRT(ctx, cfg, now)
	s.rotatePS(cfg, now)
	return ctx.Err()
}

// Stop leaves the chip held in reset, so nothing radiates unmanaged.
func (s *Supervisor) Stop() {
	s.setState(Stopping)
	s.silence()
	s.setState(Stopped)
}

func (s *Supervisor) silence() {
	if err := s.tx.HWReset(context.Background()); err != nil {
		s.log.Error("hardware reset failed", "err", err)
	}
	s.hooks.TXEnabledChanged(false)
}

func (s *Supervisor) markOnAir() {
	s.health.onAirSince = s.Now()
	s.health.failures = 0
	s.hooks.TXEnabledChanged(true)
}

func (s *Supervisor) reloadIfChanged(ctx context.Context) error {
	old := s.Config()
	if old.Path == "" {
		return nil
	}
	mod := config.ModTime(old.Path)
	if mod == 0 || mod <= s.cfgMod {
		return nil
	}
	s.cfgMod = mod
	s.log.Info("config changed, reloading live", "path", old.Path)
	next, err := s.load(old.Path)
	if err != nil {
		s.log.Error("failed to reload config", "err", err)
		return nil
	}
	return s.Reload(ctx, next)
}

// Reload pushes the difference between the config on air and next, then
// publishes next.
func (s *Supervisor) Reload(ctx context.Context, next *config.Config) error {
	old := s.Config()
	rtDep, err := s.Reconfigure(ctx, old, next)
	s.cfg.Store(next)
	if err != nil {
		return errors.Wrap(err, "reconfigure")
	}
	s.ps.rendered = renderPS(next, s.Now())
	s.schedule(next, s.Now())
	if err := s.refreshRT(ctx, next, rtDep); err != nil {
		return err
	}
	s.log.Info("config reloaded", "mhz", float64(next.RF.FrequencyKHz)/1000, "ps", next.RDS.PS)
	return nil
}
