package supervisor

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/bartgrantham/gofmtx/config"
	"github.com/bartgrantham/gofmtx/logging"
	"github.com/bartgrantham/gofmtx/telemetry"
)

const resetSettle = 50 * time.Millisecond

// grace is how long after going on air a failed health check is only
// noted: the chip takes a moment to report power after tuning.
func grace(cfg *config.Config) time.Duration {
	g := 3 * seconds(cfg.Monitor.IntervalS)
	if g < time.Second {
		g = time.Second
	}
	return g
}

func threshold(cfg *config.Config) int {
	if cfg.Monitor.FailureThreshold < 1 {
		return 1
	}
	return cfg.Monitor.FailureThreshold
}

// checkHealth reads the tune status once. A failed read or zero output
// power counts as a failure; recovery runs when failures reach the
// threshold outside the grace window.
func (s *Supervisor) checkHealth(ctx context.Context, cfg *config.Config) error {
	st, err := s.tx.ReadStatus(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil && st.Power > 0 {
		if s.health.failures > 0 {
			s.log.Info("TX healthy again", "after_failures", s.health.failures)
		}
		s.health.failures = 0
		return nil
	}

	s.health.failures++
	reason := "zero output power"
	if err != nil {
		reason = err.Error()
	}
	since := s.Now().Sub(s.health.onAirSince)
	if since < grace(cfg) {
		s.log.Warn("health check failed inside grace window", "reason", reason, "on_air", since)
		return nil
	}
	if s.health.failures < threshold(cfg) {
		s.log.Warn("missed health check", "reason", reason, "failures", s.health.failures)
		return nil
	}
	s.log.Error("TX dropped", "reason", reason, "failures", s.health.failures)
	return s.Recover(ctx)
}

func (s *Supervisor) checkAudio(ctx context.Context, cfg *config.Config) {
	q, err := s.tx.ReadAudioQuality(ctx)
	if err != nil {
		s.logErr(err, "audio quality read failed")
		return
	}
	m := telemetry.Measurement{
		At:         s.Now(),
		Overmod:    q.Overmod,
		InputLevel: int(q.InputLevel),
	}
	if th := cfg.Monitor.OvermodIgnoreBelowDBFS; m.Overmod && th != nil && float64(m.InputLevel) <= *th {
		m.Overmod = false
	}
	if st, err := s.tx.ReadStatus(ctx); err == nil {
		m.Power = int(st.Power)
		m.AntennaCap = int(st.AntennaCap)
	}
	if m.Overmod {
		s.log.Warn("overmodulation", "input_dbfs", m.InputLevel)
	} else {
		s.log.Debug("input level", "input_dbfs", m.InputLevel)
	}
	s.hooks.Measured(m)
}

// Recover resets the chip and brings it back with the current config, up
// to monitor.recovery_attempts times, waiting recovery_backoff_s times the
// attempt number between attempts. An attempt only counts as a success
// when the chip then reports output power.
//
// When every attempt fails the chip is left held in reset and the state is
// ERROR; the error wraps ErrRecoveryExhausted.
func (s *Supervisor) Recover(ctx context.Context) error {
	cfg := s.Config()
	attempts := cfg.Monitor.RecoveryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := seconds(cfg.Monitor.RecoveryBackoffS)

	s.setState(Starting)
	s.hooks.TXEnabledChanged(false)
	var last error = ErrDeviceUnhealthy
	for a := 1; a <= attempts; a++ {
		s.log.Warn("recovery attempt", "attempt", a, "of", attempts)
		err := s.attempt(ctx, cfg)
		if err == nil {
			s.health.recoveries++
			s.markOnAir()
			s.setState(Running)
			s.log.Info("TX recovered", "attempt", a)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
		s.log.Warn("recovery attempt failed", "attempt", a, "err", err)
		if err := s.Sleep(ctx, backoff*time.Duration(a)); err != nil {
			return err
		}
	}

	s.silence()
	s.setState(Failed)
	logging.Critical(s.log, "unrecoverable TX failure; transmitter held in reset",
		"attempts", attempts, "err", last)
	return errors.Wrapf(ErrRecoveryExhausted, "%d attempts, last: %v", attempts, last)
}

func (s *Supervisor) attempt(ctx context.Context, cfg *config.Config) error {
	if err := s.tx.HWReset(ctx); err != nil {
		return errors.Wrap(err, "reset")
	}
	if err := s.Sleep(ctx, resetSettle); err != nil {
		return err
	}
	if err := s.tx.PowerUp(ctx, cfg.Hardware.RefclkHz); err != nil {
		return errors.Wrap(err, "power up")
	}
	if err := s.Apply(ctx, cfg); err != nil {
		return errors.Wrap(err, "apply")
	}
	st, err := s.tx.ReadStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "status")
	}
	if st.Power == 0 {
		return errors.Wrap(ErrDeviceUnhealthy, "not transmitting after recovery")
	}
	return nil
}
