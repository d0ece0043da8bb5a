package supervisor

import (
	"context"
	"slices"
	"time"

	"github.com/pkg/errors"

	"github.com/bartgrantham/gofmtx/config"
	"github.com/bartgrantham/gofmtx/rds"
	"github.com/bartgrantham/gofmtx/si4713"
)

const (
	pilotHz  = 19000
	pilotDev = 675 // 6.75 kHz, 10 Hz units
)

// loudness is the fixed audio processing profile: limiter on, compressor
// off.
var loudness = si4713.Processing{
	AGC:            false,
	Limiter:        true,
	Threshold:      -30,
	Attack:         0,
	Release:        2,
	Gain:           15,
	LimiterRelease: 50,
}

// Apply pushes cfg to the chip unconditionally: RF, audio and, unless UECP
// owns them, the RDS identity, PS slots and the first RadioText.
func (s *Supervisor) Apply(ctx context.Context, cfg *config.Config) error {
	if cfg.RF.Power > 115 {
		s.log.Warn("rf.power above the datasheet's 115 dBuV", "power", cfg.RF.Power)
	}
	steps := []func(*Supervisor, context.Context, *config.Config) error{
		applyOutput,
		applyFrequency,
		applyMPX,
		applyAudio,
		applyProcessing,
		applyRDSDeviation,
	}
	if !cfg.UECP.Enabled {
		steps = append(steps, applyPI, applyPTY, applyTP, applyTA, applyMS, applyDI, applyPS, applyPSCount)
	}
	steps = append(steps, applyRDSEnabled)
	for _, step := range steps {
		if err := step(s, ctx, cfg); err != nil {
			return err
		}
	}

	now := s.Now()
	s.rt.idx, s.ps.idx = 0, 0
	s.rt.text, s.rt.source = "", ""
	s.rt.fileMod = config.ModTime(cfg.RDS.RT.FilePath)
	s.schedule(cfg, now)

	if cfg.UECP.Enabled {
		s.rt.source = sourceUECP
		if s.uecp != nil {
			if err := s.uecp.Prime(ctx); err != nil {
				return errors.Wrap(err, "prime UECP placeholders")
			}
		}
		return nil
	}
	return s.refreshRT(ctx, cfg, true)
}

// schedule restarts the rotation and macro timers from now.
func (s *Supervisor) schedule(cfg *config.Config, now time.Time) {
	s.rt.next = now.Add(atLeastHalfSecond(cfg.RDS.RT.SpeedS))
	s.ps.next = now.Add(atLeastHalfSecond(float64(cfg.RDS.PSSpeed)))
	s.ps.macros = psHasMacros(cfg)
	s.ps.nextMacro = time.Time{}
	if s.ps.macros || hasMacros(cfg.RDS.RT.Text) || slices.ContainsFunc(cfg.RDS.RT.Texts, hasMacros) {
		s.ps.nextMacro = now.Add(macroRefresh(cfg))
	}
}

func atLeastHalfSecond(f float64) time.Duration {
	if d := seconds(f); d > 500*time.Millisecond {
		return d
	}
	return 500 * time.Millisecond
}

func macroRefresh(cfg *config.Config) time.Duration {
	if cfg.Monitor.MacroRefreshS <= 0 {
		return time.Minute
	}
	return seconds(cfg.Monitor.MacroRefreshS)
}

func applyOutput(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	if err := s.tx.SetOutput(ctx, cfg.RF.Power, int(cfg.RF.AntennaCap)); err != nil {
		return errors.Wrap(err, "output")
	}
	if cfg.RF.AntennaCap.Auto() {
		if st, err := s.tx.ReadStatus(ctx); err == nil {
			s.log.Info("antenna cap auto-tuned", "cap", st.AntennaCap)
		}
	}
	return nil
}

func applyFrequency(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	if err := s.tx.SetFrequency(ctx, cfg.RF.Freq10kHz()); err != nil {
		return errors.Wrap(err, "frequency")
	}
	s.log.Info("tuned", "mhz", float64(cfg.RF.FrequencyKHz)/1000)
	s.hooks.FrequencyChanged(cfg.RF.FrequencyKHz)
	return nil
}

func applyMPX(s *Supervisor, ctx context.Context, _ *config.Config) error {
	if err := s.tx.EnableMPX(ctx, true); err != nil {
		return errors.Wrap(err, "MPX")
	}
	return errors.Wrap(s.tx.SetPilot(ctx, pilotHz, pilotDev), "pilot")
}

func applyAudio(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	dev := cfg.AudioDeviation() / 10
	return errors.Wrap(s.tx.SetAudio(ctx, dev, false, cfg.RF.PreemphasisUs()), "audio")
}

func applyProcessing(s *Supervisor, ctx context.Context, _ *config.Config) error {
	return errors.Wrap(s.tx.SetAudioProcessing(ctx, loudness), "audio processing")
}

func applyRDSDeviation(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	return errors.Wrap(s.tx.SetDeviation(ctx, cfg.RDS.DeviationHz), "RDS deviation")
}

func applyRDSEnabled(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	return errors.Wrap(s.tx.EnableRDS(ctx, cfg.RDS.Enabled), "RDS enable")
}

func applyPI(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	s.log.Debug("PI", "pi", cfg.RDS.PI.String(), "call", rds.CallSign(uint16(cfg.RDS.PI)))
	return errors.Wrap(s.tx.SetPI(ctx, uint16(cfg.RDS.PI)), "PI")
}

func applyPTY(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	s.log.Debug("PTY", "code", cfg.RDS.PTY, "name", si4713.PTYName(cfg.RDS.PTY, true))
	return errors.Wrap(s.tx.SetPTY(ctx, cfg.RDS.PTY), "PTY")
}

func applyTP(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	return errors.Wrap(s.tx.SetTP(ctx, cfg.RDS.TP), "TP")
}

func applyTA(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	return errors.Wrap(s.tx.SetTA(ctx, cfg.RDS.TA), "TA")
}

func applyMS(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	return errors.Wrap(s.tx.SetMS(ctx, cfg.RDS.MSMusic), "MS")
}

func applyDI(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	di := cfg.RDS.DI
	return errors.Wrap(s.tx.SetDI(ctx, si4713.DI{
		Stereo:         di.Stereo,
		ArtificialHead: di.ArtificialHead,
		Compressed:     di.Compressed,
		DynamicPTY:     di.DynamicPTY,
	}), "DI")
}

// applyPS renders and loads every PS slot.
func applyPS(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	rendered := renderPS(cfg, s.Now())
	for slot, text := range rendered {
		if err := s.tx.SetPS(ctx, text, slot); err != nil {
			return errors.Wrapf(err, "PS slot %d", slot)
		}
	}
	s.ps.rendered = rendered
	current := ""
	if len(rendered) > 0 {
		current = rendered[0]
	}
	s.hooks.PSChanged(rendered, current)
	return nil
}

func applyPSCount(s *Supervisor, ctx context.Context, cfg *config.Config) error {
	return errors.Wrap(s.tx.SetPSCount(ctx, cfg.RDS.PSCount(), cfg.RDS.PSSpeed), "PS count")
}

// A rule is one field group of the config: when changed reports a
// difference between two snapshots in that group, apply pushes the group.
// apply is nil for groups that only travel with RadioText.
type rule struct {
	name    string
	changed func(a, b *config.Config) bool
	apply   func(*Supervisor, context.Context, *config.Config) error

	// rds rules are skipped while UECP owns the RDS fields.
	rds bool
	// resendRT groups end up in the RadioText groups themselves, either in
	// block B or in the formatted payload.
	resendRT bool
}

var rules = []rule{
	{name: "output", changed: func(a, b *config.Config) bool {
		return a.RF.Power != b.RF.Power || a.RF.AntennaCap != b.RF.AntennaCap
	}, apply: applyOutput},
	{name: "audio", changed: func(a, b *config.Config) bool {
		return a.AudioDeviation() != b.AudioDeviation() || a.RF.PreemphasisUs() != b.RF.PreemphasisUs()
	}, apply: applyAudio},
	{name: "frequency", changed: func(a, b *config.Config) bool {
		return a.RF.Freq10kHz() != b.RF.Freq10kHz()
	}, apply: applyFrequency},
	{name: "rds deviation", changed: func(a, b *config.Config) bool {
		return a.RDS.DeviationHz != b.RDS.DeviationHz
	}, apply: applyRDSDeviation},
	{name: "rds enabled", changed: func(a, b *config.Config) bool {
		return a.RDS.Enabled != b.RDS.Enabled
	}, apply: applyRDSEnabled},
	{name: "pi", rds: true, changed: func(a, b *config.Config) bool {
		return a.RDS.PI != b.RDS.PI
	}, apply: applyPI},
	{name: "pty", rds: true, resendRT: true, changed: func(a, b *config.Config) bool {
		return a.RDS.PTY != b.RDS.PTY
	}, apply: applyPTY},
	{name: "tp", rds: true, resendRT: true, changed: func(a, b *config.Config) bool {
		return a.RDS.TP != b.RDS.TP
	}, apply: applyTP},
	{name: "ta", rds: true, resendRT: true, changed: func(a, b *config.Config) bool {
		return a.RDS.TA != b.RDS.TA
	}, apply: applyTA},
	{name: "ms", rds: true, resendRT: true, changed: func(a, b *config.Config) bool {
		return a.RDS.MSMusic != b.RDS.MSMusic
	}, apply: applyMS},
	{name: "di", rds: true, resendRT: true, changed: func(a, b *config.Config) bool {
		return a.RDS.DI != b.RDS.DI
	}, apply: applyDI},
	{name: "rt options", rds: true, resendRT: true, changed: func(a, b *config.Config) bool {
		ra, rb := a.RDS.RT, b.RDS.RT
		return ra.Center != rb.Center || ra.ABMode != rb.ABMode || !sameBank(ra.Bank, rb.Bank)
	}},
	{name: "ps", rds: true, changed: func(a, b *config.Config) bool {
		return a.RDS.PSCenter != b.RDS.PSCenter || !slices.Equal(a.RDS.PS, b.RDS.PS)
	}, apply: applyPS},
	{name: "ps count", rds: true, changed: func(a, b *config.Config) bool {
		return a.RDS.PSCount() != b.RDS.PSCount() || a.RDS.PSSpeed != b.RDS.PSSpeed
	}, apply: applyPSCount},
}

func sameBank(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Reconfigure pushes only the field groups that differ between old and
// next. It reports whether anything RadioText carries besides its text
// changed, in which case RadioText must be sent again even if its text
// did not.
//
// A change to the UECP settings swaps who owns the RDS fields, so it
// becomes a full Apply. That already sends RadioText, so nothing more is
// reported.
func (s *Supervisor) Reconfigure(ctx context.Context, old, next *config.Config) (bool, error) {
	if old.UECP != next.UECP {
		s.log.Info("UECP settings changed, applying in full")
		return false, s.Apply(ctx, next)
	}
	if old.Hardware != next.Hardware {
		s.log.Warn("hardware settings change on restart only")
	}
	resend := false
	for _, r := range rules {
		if r.rds && next.UECP.Enabled {
			continue
		}
		if !r.changed(old, next) {
			continue
		}
		s.log.Debug("reconfigure", "group", r.name)
		if r.apply != nil {
			if err := r.apply(s, ctx, next); err != nil {
				return resend, errors.Wrapf(err, "group %s", r.name)
			}
		}
		resend = resend || r.resendRT
	}
	return resend, nil
}
