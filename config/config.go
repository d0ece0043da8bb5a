// Package config is the station configuration: what the transmitter should
// be putting on air, and how the process around it is wired up.
//
// A Config is loaded once, validated once and then never changed; a reload
// produces a new one.
package config

import (
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	RF       RF       `yaml:"rf"`
	RDS      RDS      `yaml:"rds"`
	Monitor  Monitor  `yaml:"monitor"`
	UECP     UECP     `yaml:"uecp"`
	Hardware Hardware `yaml:"hardware"`
	API      API      `yaml:"api"`
	Log      Log      `yaml:"log"`

	// Path is the file the config was loaded from, empty if none.
	Path string `yaml:"-"`
}

type RF struct {
	FrequencyKHz          int        `yaml:"frequency_khz"`
	Power                 int        `yaml:"power"` // dBuV, 88..120
	AntennaCap            AntennaCap `yaml:"antenna_cap"`
	AudioDeviationHz      int        `yaml:"audio_deviation_hz"`
	AudioDeviationNoRDSHz *int       `yaml:"audio_deviation_no_rds_hz"`
	Preemphasis           string     `yaml:"preemphasis"`
}

type RDS struct {
	Enabled     bool     `yaml:"enabled"`
	PI          PI       `yaml:"pi"`
	PTY         int      `yaml:"pty"`
	TP          bool     `yaml:"tp"`
	TA          bool     `yaml:"ta"`
	MSMusic     bool     `yaml:"ms_music"`
	DI          DI       `yaml:"di"`
	PS          []string `yaml:"ps"`
	PSCenter    bool     `yaml:"ps_center"`
	PSSpeed     int      `yaml:"ps_speed"`
	DeviationHz int      `yaml:"deviation_hz"` // 10 Hz units, 200 is 2 kHz
	RT          RT       `yaml:"rt"`
}

type DI struct {
	Stereo         bool `yaml:"stereo"`
	ArtificialHead bool `yaml:"artificial_head"`
	Compressed     bool `yaml:"compressed"`
	DynamicPTY     bool `yaml:"dynamic_pty"`
}

type RT struct {
	Text      string   `yaml:"text"`
	Texts     []string `yaml:"texts"`
	SpeedS    float64  `yaml:"speed_s"`
	Center    bool     `yaml:"center"`
	FilePath  string   `yaml:"file_path"`
	SkipWords []string `yaml:"skip_words"`
	ABMode    string   `yaml:"ab_mode"`
	Repeats   int      `yaml:"repeats"`
	GapMS     int      `yaml:"gap_ms"`
	Bank      *int     `yaml:"bank"`
}

type Monitor struct {
	Health           bool    `yaml:"health"`
	ASQ              bool    `yaml:"asq"`
	IntervalS        float64 `yaml:"interval_s"`
	FailureThreshold int     `yaml:"failure_threshold"`
	RecoveryAttempts int     `yaml:"recovery_attempts"`
	RecoveryBackoffS float64 `yaml:"recovery_backoff_s"`
	MacroRefreshS    float64 `yaml:"macro_refresh_s"`

	// Overmodulation reported while the input level is at or below this is
	// not worth a warning. nil warns on every overmodulation.
	OvermodIgnoreBelowDBFS *float64 `yaml:"overmod_ignore_below_dbfs"`
}

type UECP struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	UDP     bool   `yaml:"udp"`
	TCP     bool   `yaml:"tcp"`
}

type Hardware struct {
	Backend    string `yaml:"backend"`
	I2CBus     string `yaml:"i2c_bus"`
	I2CAddr    int    `yaml:"i2c_addr"`
	ResetPin   string `yaml:"reset_pin"`
	RefclkHz   int    `yaml:"refclk_hz"`
	SerialPort string `yaml:"serial_port"`
	SerialBaud int    `yaml:"serial_baud"`
}

type API struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type Log struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Defaults is a config with every optional field filled in. Only what a
// station has to decide for itself (frequency, power, PI, PTY and PS) is
// left zero.
func Defaults() *Config {
	ignore := -5.0
	return &Config{
		RF: RF{
			AntennaCap:       4,
			AudioDeviationHz: 7500,
			Preemphasis:      "us50",
		},
		RDS: RDS{
			Enabled:     true,
			TP:          true,
			MSMusic:     true,
			DI:          DI{Stereo: true},
			PSCenter:    true,
			PSSpeed:     10,
			DeviationHz: 200,
			RT: RT{
				SpeedS:  10,
				Center:  true,
				ABMode:  "auto",
				Repeats: 3,
				GapMS:   60,
			},
		},
		Monitor: Monitor{
			Health:                 true,
			ASQ:                    true,
			IntervalS:              1,
			FailureThreshold:       2,
			RecoveryAttempts:       3,
			RecoveryBackoffS:       0.5,
			MacroRefreshS:          60,
			OvermodIgnoreBelowDBFS: &ignore,
		},
		UECP: UECP{
			Host: "0.0.0.0",
			Port: 4001,
			UDP:  true,
			TCP:  true,
		},
		Hardware: Hardware{
			Backend:    "auto",
			I2CBus:     "1",
			I2CAddr:    0x63,
			ResetPin:   "GPIO5",
			RefclkHz:   32768,
			SerialBaud: 115200,
		},
		API: API{
			Host: "0.0.0.0",
			Port: 5080,
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Name is the config file's base name without its extension, used by the
// {config} macro.
func (c *Config) Name() string {
	base := filepath.Base(c.Path)
	if c.Path == "" || base == "." {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Freq10kHz is the carrier in the chip's 10 kHz units.
func (rf RF) Freq10kHz() uint16 {
	return uint16(math.Round(float64(rf.FrequencyKHz) / 10))
}

// PreemphasisUs maps the preemphasis setting to 75, 50 or 0 microseconds.
func (rf RF) PreemphasisUs() int {
	switch strings.ToLower(strings.TrimSpace(rf.Preemphasis)) {
	case "us75", "75", "us":
		return 75
	case "none", "0", "off":
		return 0
	}
	return 50
}

// AudioDeviation is the audio deviation in Hz to use given whether RDS is
// on: without RDS the subcarrier's share may go to audio.
func (c *Config) AudioDeviation() int {
	if !c.RDS.Enabled && c.RF.AudioDeviationNoRDSHz != nil {
		return *c.RF.AudioDeviationNoRDSHz
	}
	return c.RF.AudioDeviationHz
}

// PSCount is how many PS slots the chip rotates through.
func (r RDS) PSCount() int {
	if len(r.PS) < 1 {
		return 1
	}
	return len(r.PS)
}

// AntennaCap is the antenna tuning capacitor setting. Zero means the chip
// tunes it; "auto" in the file means the same.
type AntennaCap int

func (a AntennaCap) Auto() bool { return a == 0 }

func (a *AntennaCap) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: antenna_cap must be a number or \"auto\"", n.Line)
	}
	v := strings.ToLower(strings.TrimSpace(n.Value))
	if v == "auto" || v == "" || n.Tag == "!!null" {
		*a = 0
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return errors.Errorf("line %d: antenna_cap %q is not a number or \"auto\"", n.Line, n.Value)
	}
	*a = AntennaCap(i)
	return nil
}

func (a AntennaCap) MarshalYAML() (interface{}, error) {
	if a.Auto() {
		return "auto", nil
	}
	return int(a), nil
}

// PI is a program identification code, written in the file either as hex
// ("0xC201") or decimal.
type PI uint16

func (p *PI) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: pi must be a number", n.Line)
	}
	v := strings.TrimSpace(n.Value)
	u, err := strconv.ParseUint(v, 0, 16)
	if err != nil {
		return errors.Errorf("line %d: pi %q is not a 16 bit number", n.Line, n.Value)
	}
	*p = PI(u)
	return nil
}

func (p PI) MarshalYAML() (interface{}, error) {
	return "0x" + strings.ToUpper(strconv.FormatUint(uint64(p), 16)), nil
}

func (p PI) String() string {
	s := strings.ToUpper(strconv.FormatUint(uint64(p), 16))
	return strings.Repeat("0", 4-len(s)) + s
}
