package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
	"github.com/pkg/errors"

	"github.com/bartgrantham/gofmtx/config"
	"github.com/bartgrantham/gofmtx/si4713"
)

const (
	sourceFile     = "file"
	sourceFallback = "fallback"
	sourceUECP     = "uecp"
	sourceDisabled = "disabled"

	maxRTFile = 8 << 10
)

var macroRE = regexp.MustCompile(`(?i)\{(time|date|datetime|config)\}`)

var macroFormats = map[string]string{
	"time":     "%H:%M",
	"date":     "%Y-%m-%d",
	"datetime": "%Y-%m-%d %H:%M:%S",
}

func hasMacros(text string) bool {
	return macroRE.MatchString(text)
}

func psHasMacros(cfg *config.Config) bool {
	for _, ps := range cfg.RDS.PS {
		if hasMacros(ps) {
			return true
		}
	}
	return false
}

// expand replaces {time}, {date}, {datetime} and {config} in text.
func expand(text, name string, now time.Time) string {
	if text == "" {
		return ""
	}
	return macroRE.ReplaceAllStringFunc(text, func(m string) string {
		key := strings.ToLower(m[1 : len(m)-1])
		if key == "config" {
			return name
		}
		out, err := strftime.Format(macroFormats[key], now)
		if err != nil {
			return m
		}
		return out
	})
}

func renderPS(cfg *config.Config, now time.Time) []string {
	out := make([]string, len(cfg.RDS.PS))
	for i, ps := range cfg.RDS.PS {
		out[i] = si4713.FormatPS(expand(ps, cfg.Name(), now), cfg.RDS.PSCenter)
	}
	return out
}

// readRTFile returns the first non-blank line of the RT file with its
// whitespace collapsed, or false when the file is missing, empty, or
// carries one of the skip words.
func readRTFile(cfg *config.Config, now time.Time) (string, bool, error) {
	rt := cfg.RDS.RT
	if rt.FilePath == "" {
		return "", false, nil
	}
	f, err := os.Open(rt.FilePath)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "RT file")
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, maxRTFile))
	if err != nil {
		return "", false, errors.Wrap(err, "RT file")
	}

	raw := strings.ToValidUTF8(string(b), "?")
	raw = strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(raw)
	raw = expand(raw, cfg.Name(), now)
	line := ""
	for _, l := range strings.Split(raw, "\n") {
		if strings.TrimSpace(l) != "" {
			line = l
			break
		}
	}
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return "", false, nil
	}
	lower := strings.ToLower(line)
	for _, w := range rt.SkipWords {
		if strings.Contains(lower, w) {
			return "", false, nil
		}
	}
	return line, true, nil
}

// resolveRT picks the RadioText to put on air: the RT file, else entry idx
// of the rotation list, else the single fallback text.
func (s *Supervisor) resolveRT(cfg *config.Config, idx int, now time.Time) (string, string) {
	switch {
	case cfg.UECP.Enabled:
		return "", sourceUECP
	case !cfg.RDS.Enabled:
		return "", sourceDisabled
	}
	text, ok, err := readRTFile(cfg, now)
	if err != nil {
		s.log.Error("RT file read failed", "path", cfg.RDS.RT.FilePath, "err", err)
	}
	if ok {
		return text, sourceFile
	}
	if texts := cfg.RDS.RT.Texts; len(texts) > 0 {
		i := idx % len(texts)
		return expand(texts[i], cfg.Name(), now), fmt.Sprintf("list[%d]", i)
	}
	return expand(cfg.RDS.RT.Text, cfg.Name(), now), sourceFallback
}

// refreshRT resolves RadioText again and bursts it when the text or its
// source changed, or when force is set.
func (s *Supervisor) refreshRT(ctx context.Context, cfg *config.Config, force bool) error {
	text, src := s.resolveRT(cfg, s.rt.idx, s.Now())
	if src == sourceUECP || src == sourceDisabled {
		s.rt.text, s.rt.source = "", src
		return nil
	}
	if !force && text == s.rt.text && src == s.rt.source {
		return nil
	}
	if s.rt.source != "" && src != s.rt.source {
		s.log.Info("RT source switch", "from", s.rt.source, "to", src)
	}
	if err := s.burst(ctx, cfg, text, force); err != nil {
		return err
	}
	s.rt.text, s.rt.source = text, src
	return nil
}

// burst sends text, then repeats it rt.repeats-1 more times rt.gap_ms
// apart. With header set the segments are resent at least once even if the
// text itself was already on air.
func (s *Supervisor) burst(ctx context.Context, cfg *config.Config, text string, header bool) error {
	rt := cfg.RDS.RT
	mode, _ := si4713.ParseABMode(rt.ABMode)
	opts := si4713.RTOptions{Mode: mode, CRTerminate: rt.Center}
	if mode == si4713.ABBank && rt.Bank != nil {
		b := *rt.Bank
		opts.Bank = &b
	}
	bank, err := s.tx.SetRT(ctx, text, opts)
	if err != nil {
		return errors.Wrap(err, "RT")
	}
	s.hooks.RTChanged(text, bank)
	s.log.Info("RT send", "bank", bankName(bank), "text", text)

	n := rt.Repeats - 1
	if header && n < 1 {
		n = 1
	}
	gap := time.Duration(rt.GapMS) * time.Millisecond
	for i := 0; i < n; i++ {
		if err := s.Sleep(ctx, gap); err != nil {
			return err
		}
		if err := s.tx.ResendRT(ctx); err != nil {
			return errors.Wrap(err, "RT repeat")
		}
	}
	return nil
}

func bankName(b int) string {
	if b == 1 {
		return "B"
	}
	return "A"
}

func (s *Supervisor) logErr(err error, msg string) {
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error(msg, "err", err)
	}
}

func (s *Supervisor) pollRTFile(ctx context.Context, cfg *config.Config) {
	if cfg.RDS.RT.FilePath == "" || cfg.UECP.Enabled {
		return
	}
	mod := config.ModTime(cfg.RDS.RT.FilePath)
	if mod == s.rt.fileMod {
		return
	}
	s.rt.fileMod = mod
	s.logErr(s.refreshRT(ctx, cfg, false), "RT file update")
}

func (s *Supervisor) rotateRT(ctx context.Context, cfg *config.Config, now time.Time) {
	texts := cfg.RDS.RT.Texts
	if len(texts) == 0 || now.Before(s.rt.next) {
		return
	}
	s.rt.next = now.Add(atLeastHalfSecond(cfg.RDS.RT.SpeedS))
	switch s.rt.source {
	case sourceFile, sourceUECP, sourceDisabled:
		return
	}
	s.rt.idx = (s.rt.idx + 1) % len(texts)
	s.logErr(s.refreshRT(ctx, cfg, false), "RT rotate")
}

// rotatePS only moves what is reported as displayed; the chip cycles the
// slots on its own.
func (s *Supervisor) rotatePS(cfg *config.Config, now time.Time) {
	if len(s.ps.rendered) < 2 || cfg.UECP.Enabled || now.Before(s.ps.next) {
		return
	}
	s.ps.idx = (s.ps.idx + 1) % len(s.ps.rendered)
	s.ps.next = now.Add(atLeastHalfSecond(float64(cfg.RDS.PSSpeed)))
	current := s.ps.rendered[s.ps.idx]
	s.log.Debug("PS rotate", "index", s.ps.idx, "ps", current)
	s.hooks.PSChanged(s.ps.rendered, current)
}

// refreshMacros re-renders PS and RadioText so {time} and friends stay
// current.
func (s *Supervisor) refreshMacros(ctx context.Context, cfg *config.Config) {
	now := s.Now()
	s.ps.nextMacro = now.Add(macroRefresh(cfg))
	if cfg.UECP.Enabled {
		return
	}
	if s.ps.macros {
		rendered := renderPS(cfg, now)
		for slot, text := range rendered {
			if err := s.tx.SetPS(ctx, text, slot); err != nil {
				s.logErr(err, "PS macro refresh")
				return
			}
		}
		s.ps.rendered = rendered
		s.hooks.PSChanged(rendered, rendered[s.ps.idx%len(rendered)])
	}
	s.logErr(s.refreshRT(ctx, cfg, false), "RT macro refresh")
}
