// Package console draws the transmitter's on-air state on a terminal: the
// carrier in large FIGlet digits, the PS being displayed, RadioText and the
// last health measurement.
package console

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gdamore/tcell"
	"github.com/pkg/errors"

	"github.com/bartgrantham/gofmtx/telemetry"
)

// ErrQuit is returned by Run when the operator asks to quit.
var ErrQuit = errors.New("console: quit")

// Fonts are optional; a nil font draws plain text.
type Fonts struct {
	Big    *FIGfont
	Medium *FIGfont
}

type Console struct {
	scr    tcell.Screen
	status *telemetry.Status
	fonts  Fonts

	freqStyle tcell.Style
	textStyle tcell.Style
	warnStyle tcell.Style
}

// New takes an initialised screen; the caller owns Init and Fini.
func New(scr tcell.Screen, status *telemetry.Status, fonts Fonts) *Console {
	black := tcell.Color(232)
	white := tcell.Color(255)
	return &Console{
		scr:       scr,
		status:    status,
		fonts:     fonts,
		freqStyle: tcell.StyleDefault.Foreground(white).Background(black).Bold(true),
		textStyle: tcell.StyleDefault,
		warnStyle: tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true),
	}
}

// Run redraws on every status change until ctx is done (nil) or the
// operator presses q, Esc or Ctrl-C (ErrQuit).
func (c *Console) Run(ctx context.Context) error {
	updates := c.status.Subscribe()
	events := make(chan tcell.Event, 1)
	go func() {
		for {
			ev := c.scr.PollEvent()
			if ev == nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	c.scr.Clear()
	c.Draw(c.status.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			c.Draw(c.status.Snapshot())
		case ev := <-events:
			switch ev := ev.(type) {
			case *tcell.EventKey:
				if quitKey(ev) {
					return ErrQuit
				}
			case *tcell.EventResize:
				c.scr.Sync()
				c.Draw(c.status.Snapshot())
			}
		}
	}
}

func quitKey(ev *tcell.EventKey) bool {
	switch ev.Key() {
	case tcell.KeyCtrlC, tcell.KeyEscape:
		return true
	case tcell.KeyRune:
		return ev.Rune() == 'q' || ev.Rune() == 'Q'
	}
	return false
}

// Draw paints one snapshot and shows it.
func (c *Console) Draw(snap telemetry.Snapshot) {
	w, h := c.scr.Size()
	Clear(c.scr, 0, 0, h, w, ' ', c.textStyle)

	tx := "TX OFF"
	if snap.TXEnabled {
		tx = "TX ON"
	}
	DrawLines(c.scr, 0, 0, c.textStyle, []string{fmt.Sprintf("gofmtx  %-8s %s", snap.State, tx)})

	y := 2
	freq := "--.-"
	if snap.Frequency > 0 {
		freq = fmt.Sprintf("%.1f", float64(snap.Frequency)/1000)
	}
	y = c.block(y, w, c.fonts.Big, freq, freq+" MHz", c.freqStyle)

	y++
	y = c.block(y, w, c.fonts.Medium, strings.TrimSpace(snap.PSCurrent), snap.PSCurrent, c.textStyle)

	y++
	if snap.RT != "" {
		rt := "- - - = = =  " + snap.RT + "  = = = - - -"
		DrawLines(c.scr, center(w, rt), y, c.textStyle, []string{rt})
	}
	y++
	if len(snap.PS) > 1 {
		all := "(" + strings.Join(snap.PS, "|") + ")"
		DrawLines(c.scr, center(w, all), y, c.textStyle, []string{all})
	}

	y += 2
	m := snap.Last
	if !m.At.IsZero() {
		line := fmt.Sprintf("power %d dBuV  cap %d  input %d dBFS  overmod %d",
			m.Power, m.AntennaCap, m.InputLevel, snap.Overmods)
		style := c.textStyle
		if m.Overmod {
			style = c.warnStyle
			line += "  OVERMOD"
		}
		DrawLines(c.scr, center(w, line), y, style, []string{line})
	}
	c.scr.Show()
}

// block draws text in font, or plain when there is no font, centered on
// row y. It returns the first free row below it.
func (c *Console) block(y, w int, font *FIGfont, text, plain string, style tcell.Style) int {
	if font == nil || text == "" {
		DrawLines(c.scr, center(w, plain), y, style, []string{plain})
		return y + 1
	}
	lines := font.Render(text)
	x := (w - Width(lines)) / 2
	if x < 0 {
		x = 0
	}
	DrawLines(c.scr, x, y, style, lines)
	return y + font.Height
}

func center(w int, s string) int {
	x := (w - utf8.RuneCountInString(s)) / 2
	if x < 0 {
		return 0
	}
	return x
}

// Clear fills an h by w rectangle, clipped to the screen.
func Clear(scr tcell.Screen, x, y, h, w int, c rune, style tcell.Style) {
	sw, sh := scr.Size()
	for j := max(y, 0); j < y+h && j < sh; j++ {
		for i := max(x, 0); i < x+w && i < sw; i++ {
			scr.SetContent(i, j, c, nil, style)
		}
	}
}

// DrawLines writes lines from (x, y) down, clipped to the screen.
func DrawLines(scr tcell.Screen, x, y int, style tcell.Style, lines []string) {
	sw, sh := scr.Size()
	for j, line := range lines {
		if y+j < 0 || y+j >= sh {
			continue
		}
		i := 0
		for _, c := range line {
			if x+i >= 0 && x+i < sw {
				scr.SetContent(x+i, y+j, c, nil, style)
			}
			i++
		}
	}
}
