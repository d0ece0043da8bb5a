package console

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// See: figfont.txt

type FIGfont struct {
	Name      string
	Height    int
	hardblank rune
	baseline  int
	maxlen    int
	oldlayout int
	comments  int
	chars     map[rune][]string
}

var (
	ErrInvalidFont = errors.New("invalid FIGfont")
	ErrParse       = errors.New("couldn't parse FIGfont")
)

// Every font carries the printable ASCII set; the German letters after it
// are optional.
const asciiOrder = ` !"#$%&'()*+,-./` + `0123456789:;<=>?` + `@ABCDEFGHIJKLMNO` +
	`PQRSTUVWXYZ[\]^_` + "`abcdefghijklmno" + "pqrstuvwxyz{|}~"

const germanOrder = "ÄÖÜäöüß"

func (f *FIGfont) String() string {
	return f.Name
}

// LoadFIGfont reads a .flf file from disk.
func LoadFIGfont(path string) (*FIGfont, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	f, err := NewFIGfont(r)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	f.Name = strings.TrimSuffix(filepath.Base(path), ".flf")
	return f, nil
}

func NewFIGfont(r io.Reader) (*FIGfont, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read FIGfont")
	}
	if len(lines) == 0 {
		return nil, errors.Wrap(ErrParse, "empty file")
	}

	header := strings.Fields(lines[0])
	if len(header) < 2 || !strings.HasPrefix(header[0], "flf2a") || len(header[0]) < 6 {
		return nil, errors.Wrap(ErrParse, "missing flf2a signature")
	}

	var params []int
	for _, s := range header[1:] {
		i, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrapf(ErrParse, "header field %q", s)
		}
		params = append(params, i)
	}
	param := func(i int) int {
		if i < len(params) {
			return params[i]
		}
		return 0
	}

	f := &FIGfont{
		Height:    param(0),
		baseline:  param(1),
		maxlen:    param(2),
		oldlayout: param(3),
		comments:  param(4),
		chars:     map[rune][]string{},
	}
	f.hardblank, _ = utf8.DecodeRuneInString(header[0][5:])
	if f.Height < 1 || f.comments < 0 {
		return nil, errors.Wrapf(ErrInvalidFont, "height %d, %d comment lines", f.Height, f.comments)
	}

	idx := 1 + f.comments
	for _, c := range asciiOrder + germanOrder {
		if idx+f.Height > len(lines) {
			if strings.ContainsRune(germanOrder, c) {
				break
			}
			return nil, errors.Wrapf(ErrInvalidFont, "font ends before %q", c)
		}
		glyph, err := f.glyph(lines[idx : idx+f.Height])
		if err != nil {
			return nil, errors.Wrapf(err, "character %q", c)
		}
		f.chars[c] = glyph
		idx += f.Height
	}
	return f, nil
}

// glyph strips the end marks off one character's lines. The end mark is
// whatever the first line ends with.
func (f *FIGfont) glyph(lines []string) ([]string, error) {
	if lines[0] == "" {
		return nil, ErrInvalidFont
	}
	endmark := lines[0][len(lines[0])-1:]
	out := make([]string, len(lines))
	for j, line := range lines {
		out[j] = strings.TrimRight(line, endmark)
	}
	return out, nil
}

// Render lays the characters of s side by side. It does not smush or kern;
// characters missing from the font are skipped.
func (f *FIGfont) Render(s string) []string {
	out := make([]string, f.Height)
	hb := string(f.hardblank)
	for _, c := range s {
		if c == 0 {
			break
		}
		fig, ok := f.chars[c]
		if !ok {
			continue
		}
		for i := 0; i < f.Height; i++ {
			out[i] += strings.ReplaceAll(fig[i], hb, " ")
		}
	}
	for i := range out {
		out[i] = strings.TrimRight(out[i], " ")
	}
	return out
}

// Width is the widest of the rendered lines, in runes.
func Width(lines []string) int {
	w := 0
	for _, l := range lines {
		if n := utf8.RuneCountInString(l); n > w {
			w = n
		}
	}
	return w
}
