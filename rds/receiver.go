// Package rds decodes RDS groups the way a receiver does. The simulated
// chip runs what the encoder sends through a Receiver, so tests can check
// what a radio would actually show.
package rds

/*
* block A: 16 bit PI code; NA: encoded call sign, EU: country/coverage/program reference
* block B:
    * Group Type      : xxxx_...._...._....
    * Version         : ...._x..._...._....
    * Traffic Program : ...._.x.._...._....
    * Program Type    : ...._..xx_xxx._....
    * GT-dependent    : ...._...._...x_xxxx
* block C: GT-dependent (version B groups repeat PI here)
* block D: GT-dependent
*/

import "strings"

type Receiver struct {
	// every group
	PI       uint16
	CallSign string // confirmed call letters, "" when PI doesn't encode any
	PTY      int
	TP       bool

	// 0A/0B
	TA             bool
	Music          bool
	Stereo         bool
	ArtificialHead bool
	Compressed     bool
	DynamicPTY     bool
	PS             string
	AltFreqs       map[int]bool // kHz
	NumAltFreqs    int

	// 2A/2B
	RT     string
	RTBank int

	// Groups counts groups seen by type, 2*type for A and 2*type+1 for B.
	Groups [32]int

	// double buffering: a value is only taken once seen twice in a row
	cs     string
	ps1    [8]byte
	ps2    [8]byte
	rt1    [64]byte
	rt2    [64]byte
	rtSeen bool
}

// Update takes one group.
func (r *Receiver) Update(a, b, c, d uint16) {
	r.updatePI(a)

	gt := int(b >> 12)
	versionB := b&0x0800 != 0
	idx := gt * 2
	if versionB {
		idx++
	}
	r.Groups[idx]++
	r.TP = b&0x0400 != 0
	r.PTY = int((b >> 5) & 0x1f)

	switch gt {
	case 0:
		r.updatePS(b, c, d, versionB)
	case 2:
		r.updateRT(b, c, d, versionB)
	}
}

// groupName describes a group type, e.g. groupName(2, false) for 2A.
func groupName(gt int, versionB bool) string {
	if gt < 0 || gt > 15 {
		return ""
	}
	if versionB {
		return groupTypesB[gt]
	}
	return groupTypesA[gt]
}

// CallSign derives call letters from a PI code.
// See: U.S. RBDS Standard - April 1998, pg 80-90
func CallSign(pi uint16) string {
	var cs [4]byte
	switch {
	case pi&0x0f00 == 0:
		// _0__ : European local (unique) broadcast
		cs = [4]byte{'A', 'A' + byte(pi>>12&0xf), 'A' + byte(pi>>4&0xf), 'A' + byte(pi&0xf)}
	case pi&0x00ff == 0:
		// __00 : European test modes
		cs = [4]byte{'A', 'F', 'A' + byte(pi>>12&0xf), 'A' + byte(pi>>8&0xf)}
	case pi >= 4096 && pi <= 39247:
		// North American 4 letter "W" and "K" stations
		tmp := pi - 4096
		cs[0] = 'K'
		if pi >= 21672 {
			cs[0] = 'W'
			tmp = pi - 21672
		}
		cs[1] = 'A' + byte(tmp/676)
		tmp %= 676
		cs[2] = 'A' + byte(tmp/26)
		cs[3] = 'A' + byte(tmp%26)
	default:
		return ""
	}
	return string(cs[:])
}

func (r *Receiver) updatePI(a uint16) {
	r.PI = a
	cs := CallSign(a)
	if cs == r.cs {
		r.CallSign = cs
	}
	r.cs = cs
}

func (r *Receiver) updatePS(b, c, d uint16, versionB bool) {
	r.Music = b&0x0008 != 0
	r.TA = b&0x0010 != 0

	seg := int(b & 0x3)
	r.ps1[seg*2] = byte(d >> 8)
	r.ps1[seg*2+1] = byte(d)
	if seg == 0 {
		if r.ps1 == r.ps2 {
			r.PS = latin1(r.ps2[:])
		}
		r.ps2 = r.ps1
	}

	// one DI bit per segment, d3 first
	on := b&0x4 != 0
	switch seg {
	case 0:
		r.DynamicPTY = on
	case 1:
		r.Compressed = on
	case 2:
		r.ArtificialHead = on
	case 3:
		r.Stereo = on
	}

	if versionB {
		return // block C repeats PI
	}
	if r.AltFreqs == nil {
		r.AltFreqs = map[int]bool{}
	}
	for _, f := range []uint16{c >> 8, c & 0xff} {
		switch {
		case f >= 1 && f <= 204:
			r.AltFreqs[87500+int(f)*100] = true
		case f >= 224 && f <= 249:
			r.NumAltFreqs = int(f - 224)
		}
		// 0 is "not to be used", 205 filler, the rest unassigned or LF/MF
	}
}

func (r *Receiver) updateRT(b, c, d uint16, versionB bool) {
	ab := int(b>>4) & 1
	if r.rtSeen && ab != r.RTBank {
		// a flipped A/B flag means a new message: start over
		r.rt1, r.rt2 = [64]byte{}, [64]byte{}
	}
	r.rtSeen = true
	r.RTBank = ab

	seg := int(b & 0xf)
	var chars []byte
	if versionB {
		seg *= 2
		chars = []byte{byte(d >> 8), byte(d)}
	} else {
		seg *= 4
		chars = []byte{byte(c >> 8), byte(c), byte(d >> 8), byte(d)}
	}
	cr := -1
	for i, ch := range chars {
		r.rt1[seg+i] = ch
		if ch == '\r' {
			cr = seg + i
		}
	}
	// received a CR, clear everything afterwards
	if cr != -1 {
		for i := cr + 1; i < len(r.rt1); i++ {
			r.rt1[i] = ' '
		}
	}

	if seg == 0 {
		if r.rt1 == r.rt2 {
			end := 0
			for end < len(r.rt2) && r.rt2[end] != '\r' && r.rt2[end] != 0 {
				end++
			}
			r.RT = strings.TrimRight(latin1(r.rt2[:end]), " ")
		}
		r.rt2 = r.rt1
	}
}

func latin1(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

// Clone returns a copy that shares nothing with r.
func (r *Receiver) Clone() Receiver {
	out := *r
	if r.AltFreqs != nil {
		out.AltFreqs = make(map[int]bool, len(r.AltFreqs))
		for k, v := range r.AltFreqs {
			out.AltFreqs[k] = v
		}
	}
	return out
}

var groupTypesA = [16]string{
	"Basic Tuning and Switching Information only",
	"Program Item Number and Slow Labeling Codes only",
	"Radio Text only",
	"Applications Identification for ODA only",
	"Clock Time and Date only",
	"Transparent Data Channels (32 channels) or ODA",
	"In-House Applications of ODA",
	"Radio Paging of ODA",
	"Traffic Message Channel or ODA",
	"Emergency Warning System or ODA",
	"Program Type Name",
	"Open Data Applications",
	"Open Data Applications",
	"Enhanced Radio Paging or ODA",
	"Enhanced Other Networks Information Only",
	"Defined in RBDS only",
}

var groupTypesB = [16]string{
	"Basic Tuning and Switching Information only",
	"Program Item Number",
	"Radio Text only",
	"Open Data Applications",
	"Open Data Applications",
	"Transparent Data Channels (32 channels) or ODA",
	"In-House Applications of ODA",
	"Radio Paging of ODA",
	"Open Data Applications",
	"Open Data Applications",
	"Open Data Applications",
	"Open Data Applications",
	"Open Data Applications",
	"Open Data Applications",
	"Enhanced Other Networks Information Only",
	"Fast Switching Information only",
}
