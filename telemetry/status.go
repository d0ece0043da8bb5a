package telemetry

import (
	"sync"
	"time"
)

// Snapshot is the last known on-air state.
type Snapshot struct {
	State     string      `json:"state"`
	TXEnabled bool        `json:"tx_enabled"`
	Frequency int         `json:"frequency_khz"`
	PS        []string    `json:"ps"`
	PSCurrent string      `json:"ps_current"`
	RT        string      `json:"rt"`
	RTBank    string      `json:"rt_bank"`
	Last      Measurement `json:"last_measurement"`
	Overmods  int         `json:"overmod_count"`
	UpdatedAt time.Time   `json:"updated_at"`
	StartedAt time.Time   `json:"started_at,omitempty"`
}

// Status implements Hooks by keeping a Snapshot. Subscribers get a
// non-blocking nudge on every change and read the Snapshot themselves.
type Status struct {
	sync.Mutex
	snap Snapshot
	subs []chan struct{}
	now  func() time.Time
}

func NewStatus() *Status {
	return &Status{now: time.Now, snap: Snapshot{State: "STOPPED"}}
}

// Subscribe returns a channel that receives a value after changes. Missed
// nudges are coalesced.
func (s *Status) Subscribe() <-chan struct{} {
	c := make(chan struct{}, 1)
	s.Lock()
	s.subs = append(s.subs, c)
	s.Unlock()
	return c
}

// Unsubscribe stops nudges to a channel returned by Subscribe.
func (s *Status) Unsubscribe(c <-chan struct{}) {
	s.Lock()
	defer s.Unlock()
	for i, sub := range s.subs {
		if sub == c {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Status) Snapshot() Snapshot {
	s.Lock()
	defer s.Unlock()
	out := s.snap
	out.PS = append([]string(nil), s.snap.PS...)
	return out
}

func (s *Status) update(f func(*Snapshot)) {
	s.Lock()
	f(&s.snap)
	s.snap.UpdatedAt = s.now()
	subs := s.subs
	s.Unlock()
	for _, c := range subs {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func (s *Status) FrequencyChanged(khz int) {
	s.update(func(sn *Snapshot) { sn.Frequency = khz })
}

func (s *Status) PSChanged(list []string, current string) {
	list = append([]string(nil), list...)
	s.update(func(sn *Snapshot) {
		sn.PS = list
		sn.PSCurrent = current
	})
}

func (s *Status) RTChanged(text string, bank int) {
	s.update(func(sn *Snapshot) {
		sn.RT = text
		sn.RTBank = "A"
		if bank == 1 {
			sn.RTBank = "B"
		}
	})
}

func (s *Status) TXEnabledChanged(on bool) {
	s.update(func(sn *Snapshot) {
		if on && !sn.TXEnabled {
			sn.StartedAt = s.now()
		}
		sn.TXEnabled = on
	})
}

func (s *Status) StateChanged(state string) {
	s.update(func(sn *Snapshot) { sn.State = state })
}

func (s *Status) Measured(m Measurement) {
	s.update(func(sn *Snapshot) {
		sn.Last = m
		if m.Overmod {
			sn.Overmods++
		}
	})
}
