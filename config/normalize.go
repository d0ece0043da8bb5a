package config

import "strings"

// Normalize tidies a validated config: settings that only have a sensible
// floor are raised to it, and text lists are cleaned up.
// It must only be called after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.RDS.PSSpeed < 1 {
		cfg.RDS.PSSpeed = 1
	}

	rt := &cfg.RDS.RT
	rt.ABMode = strings.ToLower(strings.TrimSpace(rt.ABMode))
	if rt.ABMode == "" {
		rt.ABMode = "auto"
	}
	if rt.Repeats < 1 {
		rt.Repeats = 1
	}
	rt.FilePath = strings.TrimSpace(rt.FilePath)

	texts := rt.Texts[:0:0]
	for _, t := range rt.Texts {
		if strings.TrimSpace(t) != "" {
			texts = append(texts, t)
		}
	}
	rt.Texts = texts

	words := rt.SkipWords[:0:0]
	for _, w := range rt.SkipWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	rt.SkipWords = words

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Log.Level == "warning" {
		cfg.Log.Level = "warn"
	}
}
