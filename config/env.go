package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// LoadEnv loads .env style files into the process environment without
// overriding what is already set. Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "env file %s", f)
		}
	}
	return nil
}

// ApplyEnv overrides the hardware, API and log settings of cfg from the
// environment, then validates the result again. It is for the process that
// loaded cfg, before cfg is handed to anyone else.
func ApplyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.ParseInt(v, 0, 32)
		if err != nil {
			return errors.Errorf("invalid %s %q", key, v)
		}
		*dst = int(n)
		return nil
	}

	str("SI4713_BACKEND", &cfg.Hardware.Backend)
	str("SI4713_I2C_BUS", &cfg.Hardware.I2CBus)
	str("SI4713_RESET_PIN", &cfg.Hardware.ResetPin)
	str("SI4713_SERIAL_PORT", &cfg.Hardware.SerialPort)
	str("GOFMTX_LOG_FILE", &cfg.Log.File)
	str("GOFMTX_LOG_LEVEL", &cfg.Log.Level)
	for key, dst := range map[string]*int{
		"SI4713_I2C_ADDR":  &cfg.Hardware.I2CAddr,
		"SI4713_REFCLK_HZ": &cfg.Hardware.RefclkHz,
		"SI4713_BAUD":      &cfg.Hardware.SerialBaud,
		"GOFMTX_API_PORT":  &cfg.API.Port,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if v := strings.TrimSpace(os.Getenv("GOFMTX_API_ENABLED")); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Errorf("invalid GOFMTX_API_ENABLED %q", v)
		}
		cfg.API.Enabled = on
	}

	if err := Validate(cfg); err != nil {
		return err
	}
	Normalize(cfg)
	return nil
}
