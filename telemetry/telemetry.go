// Package telemetry carries what the transmitter is doing to whoever is
// watching: the console, the status API, logs.
package telemetry

import "time"

// Hooks is called by the supervisor and the UECP decoder whenever the
// corresponding on-air state changes. Implementations must not block.
type Hooks interface {
	FrequencyChanged(khz int)
	PSChanged(list []string, current string)
	RTChanged(text string, bank int)
	TXEnabledChanged(on bool)
	StateChanged(state string)
	Measured(m Measurement)
}

// Measurement is one health/ASQ poll of the chip.
type Measurement struct {
	At         time.Time `json:"at"`
	Power      int       `json:"power"` // dBuV
	AntennaCap int       `json:"antenna_cap"`
	Overmod    bool      `json:"overmod"`
	InputLevel int       `json:"input_level"` // dBFS
}

type Nop struct{}

func (Nop) FrequencyChanged(int) {}
func (Nop) PSChanged([]string, string) {}
func (Nop) RTChanged(string, int) {}
func (Nop) TXEnabledChanged(bool) {}
func (Nop) StateChanged(string) {}
func (Nop) Measured(Measurement) {}

// Multi fans every call out to each of its hooks in order.
type Multi []Hooks

func (m Multi) FrequencyChanged(khz int) {
	for _, h := range m {
		h.FrequencyChanged(khz)
	}
}

func (m Multi) PSChanged(list []string, current string) {
	for _, h := range m {
		h.PSChanged(list, current)
	}
}

func (m Multi) RTChanged(text string, bank int) {
	for _, h := range m {
		h.RTChanged(text, bank)
	}
}

func (m Multi) TXEnabledChanged(on bool) {
	for _, h := range m {
		h.TXEnabledChanged(on)
	}
}

func (m Multi) StateChanged(state string) {
	for _, h := range m {
		h.StateChanged(state)
	}
}

func (m Multi) Measured(ms Measurement) {
	for _, h := range m {
		h.Measured(ms)
	}
}
