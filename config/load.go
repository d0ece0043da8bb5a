package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML station config on top of Defaults, validates and
// normalizes it. Unknown keys are an error: a typo must not silently leave a
// default on air.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	cfg.Path = path
	return cfg, nil
}

// Parse is Load without the file.
func Parse(b []byte) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil, &ValidationError{Field: "", Reason: "empty configuration"}
		}
		return nil, errors.Wrap(err, "yaml")
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	Normalize(cfg)
	return cfg, nil
}

// ModTime is the config file's modification time in nanoseconds, 0 when it
// cannot be read.
func ModTime(path string) int64 {
	if path == "" {
		return 0
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.ModTime().UnixNano()
}
