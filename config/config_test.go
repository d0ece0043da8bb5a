package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

const station = `
rf:
  frequency_khz: 100100
  power: 115
rds:
  pi: 0xC201
  pty: 10
  ps: ["GOFMTX", "ON AIR"]
  rt:
    texts: ["first", "  ", "second"]
    skip_words: ["Advert", " "]
`

func valid() *Config {
	cfg := Defaults()
	cfg.RF.FrequencyKHz = 100100
	cfg.RF.Power = 115
	cfg.RDS.PI = 0xc201
	cfg.RDS.PS = []string{"GOFMTX"}
	return cfg
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(station))
	if err != nil {
		t.Fatalf("Parse err=%v", err)
	}
	if cfg.RF.Freq10kHz() != 10010 {
		t.Errorf("Freq10kHz = %d", cfg.RF.Freq10kHz())
	}
	if cfg.RDS.PI != 0xc201 || cfg.RDS.PI.String() != "C201" {
		t.Errorf("PI = %v", cfg.RDS.PI)
	}
	if cfg.RF.AntennaCap != 4 || cfg.RF.AudioDeviationHz != 7500 || cfg.RF.PreemphasisUs() != 50 {
		t.Errorf("rf defaults = %+v", cfg.RF)
	}
	if !cfg.RDS.Enabled || !cfg.RDS.TP || cfg.RDS.TA || !cfg.RDS.DI.Stereo {
		t.Errorf("rds flag defaults = %+v", cfg.RDS)
	}
	if rt := cfg.RDS.RT; rt.Repeats != 3 || rt.GapMS != 60 || rt.ABMode != "auto" || !rt.Center {
		t.Errorf("rt defaults = %+v", rt)
	}
	if m := cfg.Monitor; m.OvermodIgnoreBelowDBFS == nil || *m.OvermodIgnoreBelowDBFS != -5 {
		t.Errorf("overmod threshold = %v", m.OvermodIgnoreBelowDBFS)
	}
	if cfg.Hardware.RefclkHz != 32768 || cfg.UECP.Port != 4001 || cfg.API.Port != 5080 {
		t.Errorf("hardware/uecp/api defaults = %+v %+v %+v", cfg.Hardware, cfg.UECP, cfg.API)
	}
	if cfg.RDS.PSCount() != 2 {
		t.Errorf("PSCount = %d", cfg.RDS.PSCount())
	}
}

func TestParseNormalizes(t *testing.T) {
	cfg, err := Parse([]byte(station))
	if err != nil {
		t.Fatalf("Parse err=%v", err)
	}
	rt := cfg.RDS.RT
	if len(rt.Texts) != 2 || rt.Texts[0] != "first" || rt.Texts[1] != "second" {
		t.Errorf("texts = %q", rt.Texts)
	}
	if len(rt.SkipWords) != 1 || rt.SkipWords[0] != "advert" {
		t.Errorf("skip words = %q", rt.SkipWords)
	}

	c := valid()
	c.RDS.RT.Repeats = 0
	c.RDS.PSSpeed = 0
	c.RDS.RT.ABMode = " Bank "
	Normalize(c)
	if c.RDS.RT.Repeats != 1 || c.RDS.PSSpeed != 1 || c.RDS.RT.ABMode != "bank" {
		t.Errorf("normalized = %+v", c.RDS)
	}
}

func TestAntennaCapAndPI(t *testing.T) {
	tests := []struct {
		yaml string
		cap  AntennaCap
		pi   PI
	}{
		{"antenna_cap: auto\n", 0, 0xc201},
		{"antenna_cap: AUTO\n", 0, 0xc201},
		{"antenna_cap: 12\n", 12, 0xc201},
	}
	for _, tc := range tests {
		doc := "rf:\n  frequency_khz: 99000\n  power: 100\n  " + tc.yaml +
			"rds:\n  pi: 49665\n  ps: [X]\n"
		cfg, err := Parse([]byte(doc))
		if err != nil {
			t.Fatalf("%q: Parse err=%v", tc.yaml, err)
		}
		if cfg.RF.AntennaCap != tc.cap || cfg.RF.AntennaCap.Auto() != (tc.cap == 0) {
			t.Errorf("%q: cap = %d", tc.yaml, cfg.RF.AntennaCap)
		}
		if cfg.RDS.PI != tc.pi {
			t.Errorf("decimal pi = %v", cfg.RDS.PI)
		}
	}

	if _, err := Parse([]byte("rf:\n  antenna_cap: big\n")); err == nil {
		t.Errorf("expected a bad antenna_cap to fail")
	}
	if _, err := Parse([]byte("rds:\n  pi: 0x12345\n")); err == nil {
		t.Errorf("expected an oversize pi to fail")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	doc := station + "  frequncy: 1\n"
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatalf("unknown key accepted")
	}
}

func TestOvermodThresholdCanBeDisabled(t *testing.T) {
	cfg, err := Parse([]byte(station + "monitor:\n  overmod_ignore_below_dbfs: null\n"))
	if err != nil {
		t.Fatalf("Parse err=%v", err)
	}
	if cfg.Monitor.OvermodIgnoreBelowDBFS != nil {
		t.Fatalf("threshold = %v, want nil", *cfg.Monitor.OvermodIgnoreBelowDBFS)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(*Config)
	}{
		{"rf.frequency_khz", func(c *Config) { c.RF.FrequencyKHz = 0 }},
		{"rf.frequency_khz", func(c *Config) { c.RF.FrequencyKHz = 120000 }},
		{"rf.power", func(c *Config) { c.RF.Power = 121 }},
		{"rf.antenna_cap", func(c *Config) { c.RF.AntennaCap = 200 }},
		{"rf.preemphasis", func(c *Config) { c.RF.Preemphasis = "us60" }},
		{"rds.pi", func(c *Config) { c.RDS.PI = 0 }},
		{"rds.pty", func(c *Config) { c.RDS.PTY = 32 }},
		{"rds.ps", func(c *Config) { c.RDS.PS = nil }},
		{"rds.ps", func(c *Config) { c.RDS.PS = make([]string, 13) }},
		{"rds.rt.ab_mode", func(c *Config) { c.RDS.RT.ABMode = "flip" }},
		{"rds.rt.bank", func(c *Config) { b := 2; c.RDS.RT.Bank = &b }},
		{"monitor.interval_s", func(c *Config) { c.Monitor.IntervalS = 0 }},
		{"monitor.recovery_attempts", func(c *Config) { c.Monitor.RecoveryAttempts = 0 }},
		{"uecp", func(c *Config) { c.UECP.Enabled, c.UECP.UDP, c.UECP.TCP = true, false, false }},
		{"hardware.backend", func(c *Config) { c.Hardware.Backend = "spi" }},
		{"hardware.serial_port", func(c *Config) { c.Hardware.Backend = "serial" }},
		{"hardware.refclk_hz", func(c *Config) { c.Hardware.RefclkHz = 1000 }},
		{"api.port", func(c *Config) { c.API.Port = 70000 }},
		{"log.level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range tests {
		t.Run(tc.field, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			err := Validate(c)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected a ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("field = %q (%v), want %q", ve.Field, err, tc.field)
			}
		})
	}

	if err := Validate(valid()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestUECPModeNeedsNoLocalIdentity(t *testing.T) {
	c := valid()
	c.RDS.PI = 0
	c.RDS.PS = nil
	c.UECP.Enabled = true
	if err := Validate(c); err != nil {
		t.Fatalf("Validate err=%v", err)
	}
}

func TestValidateDoesNotMutate(t *testing.T) {
	c := valid()
	c.RDS.RT.Repeats = 0
	c.RDS.RT.SkipWords = []string{"LOUD"}
	if err := Validate(c); err != nil {
		t.Fatalf("Validate err=%v", err)
	}
	if c.RDS.RT.Repeats != 0 || c.RDS.RT.SkipWords[0] != "LOUD" {
		t.Fatalf("Validate changed the config: %+v", c.RDS.RT)
	}
}

func TestDerivedValues(t *testing.T) {
	c := valid()
	for in, want := range map[string]int{"us75": 75, "75": 75, "none": 0, "off": 0, "us50": 50, "": 50} {
		c.RF.Preemphasis = in
		if got := c.RF.PreemphasisUs(); got != want {
			t.Errorf("PreemphasisUs(%q) = %d, want %d", in, got, want)
		}
	}

	noRDS := 9000
	c.RF.AudioDeviationNoRDSHz = &noRDS
	if c.AudioDeviation() != 7500 {
		t.Errorf("deviation with RDS = %d", c.AudioDeviation())
	}
	c.RDS.Enabled = false
	if c.AudioDeviation() != 9000 {
		t.Errorf("deviation without RDS = %d", c.AudioDeviation())
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "station.yaml")
	if err := os.WriteFile(path, []byte(station), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if !filepath.IsAbs(cfg.Path) || cfg.Name() != "station" {
		t.Fatalf("Path=%q Name=%q", cfg.Path, cfg.Name())
	}
	if ModTime(path) == 0 || ModTime(filepath.Join(dir, "missing")) != 0 {
		t.Fatalf("ModTime wrong")
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("missing file loaded")
	}
	empty := filepath.Join(dir, "empty.yaml")
	os.WriteFile(empty, nil, 0o644)
	var ve *ValidationError
	if _, err := Load(empty); !errors.As(err, &ve) {
		t.Fatalf("empty file: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SI4713_BACKEND", "sim")
	t.Setenv("SI4713_RESET_PIN", "GPIO17")
	t.Setenv("GOFMTX_API_PORT", "8080")
	t.Setenv("GOFMTX_API_ENABLED", "true")
	t.Setenv("SI4713_I2C_ADDR", "0x11")

	c := valid()
	if err := ApplyEnv(c); err != nil {
		t.Fatalf("ApplyEnv err=%v", err)
	}
	h := c.Hardware
	if h.Backend != "sim" || h.ResetPin != "GPIO17" || h.I2CAddr != 0x11 {
		t.Errorf("hardware = %+v", h)
	}
	if !c.API.Enabled || c.API.Port != 8080 {
		t.Errorf("api = %+v", c.API)
	}

	t.Setenv("GOFMTX_API_PORT", "many")
	if err := ApplyEnv(valid()); err == nil {
		t.Errorf("bad port accepted")
	}
	t.Setenv("GOFMTX_API_PORT", "99999")
	var ve *ValidationError
	if err := ApplyEnv(valid()); !errors.As(err, &ve) || ve.Field != "api.port" {
		t.Errorf("out of range port: %v", err)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	os.WriteFile(path, []byte("GOFMTX_TEST_MARKER=loaded\n"), 0o644)
	t.Cleanup(func() { os.Unsetenv("GOFMTX_TEST_MARKER") })

	if err := LoadEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadEnv err=%v", err)
	}
	if got := os.Getenv("GOFMTX_TEST_MARKER"); got != "loaded" {
		t.Fatalf("marker = %q", got)
	}
}
