package config

import (
	"fmt"
	"strings"

	"github.com/bartgrantham/gofmtx/si4713"
)

// ValidationError names the first offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

const maxPS = 12

// Validate checks every group and returns a *ValidationError for the first
// problem found. It never modifies cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return invalid("", "no configuration")
	}
	for _, check := range []func(*Config) error{
		validateRF,
		validateRDS,
		validateMonitor,
		validateUECP,
		validateHardware,
		validateAPI,
		validateLog,
	} {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateRF(cfg *Config) error {
	rf := cfg.RF
	if rf.FrequencyKHz == 0 {
		return invalid("rf.frequency_khz", "is required")
	}
	if f := rf.Freq10kHz(); f < 7600 || f > 10800 {
		return invalid("rf.frequency_khz", "%d is outside 76000..108000", rf.FrequencyKHz)
	}
	if rf.Power < 88 || rf.Power > 120 {
		return invalid("rf.power", "%d is outside 88..120 dBuV", rf.Power)
	}
	if rf.AntennaCap < 0 || rf.AntennaCap > 191 {
		return invalid("rf.antenna_cap", "%d is outside 0..191", rf.AntennaCap)
	}
	if rf.AudioDeviationHz < 0 || rf.AudioDeviationHz > 90000 {
		return invalid("rf.audio_deviation_hz", "%d is outside 0..90000", rf.AudioDeviationHz)
	}
	if d := rf.AudioDeviationNoRDSHz; d != nil && (*d < 0 || *d > 90000) {
		return invalid("rf.audio_deviation_no_rds_hz", "%d is outside 0..90000", *d)
	}
	switch strings.ToLower(strings.TrimSpace(rf.Preemphasis)) {
	case "", "us50", "50", "us75", "75", "us", "none", "0", "off":
	default:
		return invalid("rf.preemphasis", "unknown value %q", rf.Preemphasis)
	}
	return nil
}

func validateRDS(cfg *Config) error {
	rds := cfg.RDS
	if rds.PI == 0 && !cfg.UECP.Enabled {
		return invalid("rds.pi", "is required (0x0000 is reserved)")
	}
	if rds.PTY < 0 || rds.PTY > 31 {
		return invalid("rds.pty", "%d is outside 0..31", rds.PTY)
	}
	if len(rds.PS) == 0 && !cfg.UECP.Enabled {
		return invalid("rds.ps", "must be a non-empty list")
	}
	if len(rds.PS) > maxPS {
		return invalid("rds.ps", "%d entries, the chip holds %d", len(rds.PS), maxPS)
	}
	if rds.PSSpeed < 0 || rds.PSSpeed > 255 {
		return invalid("rds.ps_speed", "%d is outside 0..255", rds.PSSpeed)
	}
	if rds.DeviationHz < 0 || rds.DeviationHz > 750 {
		return invalid("rds.deviation_hz", "%d is outside 0..750 (10 Hz units)", rds.DeviationHz)
	}

	rt := rds.RT
	if rt.SpeedS < 0 {
		return invalid("rds.rt.speed_s", "must not be negative")
	}
	if _, err := si4713.ParseABMode(rt.ABMode); err != nil {
		return invalid("rds.rt.ab_mode", "%q is not one of auto, legacy, bank", rt.ABMode)
	}
	if rt.Repeats < 0 {
		return invalid("rds.rt.repeats", "must not be negative")
	}
	if rt.GapMS < 0 || rt.GapMS > 10000 {
		return invalid("rds.rt.gap_ms", "%d is outside 0..10000", rt.GapMS)
	}
	if rt.Bank != nil && *rt.Bank != 0 && *rt.Bank != 1 {
		return invalid("rds.rt.bank", "must be 0 (A) or 1 (B)")
	}
	return nil
}

func validateMonitor(cfg *Config) error {
	m := cfg.Monitor
	if m.IntervalS <= 0 {
		return invalid("monitor.interval_s", "must be positive")
	}
	if m.FailureThreshold < 0 {
		return invalid("monitor.failure_threshold", "must not be negative")
	}
	if m.RecoveryAttempts < 1 {
		return invalid("monitor.recovery_attempts", "must be at least 1")
	}
	if m.RecoveryBackoffS < 0 {
		return invalid("monitor.recovery_backoff_s", "must not be negative")
	}
	if m.MacroRefreshS < 0 {
		return invalid("monitor.macro_refresh_s", "must not be negative")
	}
	return nil
}

func validPort(p int) bool { return p >= 0 && p <= 65535 }

func validateUECP(cfg *Config) error {
	u := cfg.UECP
	if !u.Enabled {
		return nil
	}
	if !u.UDP && !u.TCP {
		return invalid("uecp", "enabled with neither udp nor tcp")
	}
	if !validPort(u.Port) {
		return invalid("uecp.port", "%d is not a port", u.Port)
	}
	return nil
}

func validateHardware(cfg *Config) error {
	h := cfg.Hardware
	switch strings.ToLower(strings.TrimSpace(h.Backend)) {
	case "", "auto", "rpi", "periph", "sim", "virtual":
	case "serial", "usb":
		if h.SerialPort == "" {
			return invalid("hardware.serial_port", "is required for the %s backend", h.Backend)
		}
	default:
		return invalid("hardware.backend", "unknown backend %q", h.Backend)
	}
	if h.I2CAddr < 0 || h.I2CAddr > 0x7f {
		return invalid("hardware.i2c_addr", "0x%x is not a 7 bit address", h.I2CAddr)
	}
	if h.RefclkHz < 31130 || h.RefclkHz > 34406 {
		return invalid("hardware.refclk_hz", "%d is outside 31130..34406", h.RefclkHz)
	}
	if h.SerialBaud < 0 {
		return invalid("hardware.serial_baud", "must not be negative")
	}
	return nil
}

func validateAPI(cfg *Config) error {
	if !validPort(cfg.API.Port) {
		return invalid("api.port", "%d is not a port", cfg.API.Port)
	}
	return nil
}

func validateLog(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return invalid("log.level", "unknown level %q", cfg.Log.Level)
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return invalid("log", "rotation limits must not be negative")
	}
	return nil
}
