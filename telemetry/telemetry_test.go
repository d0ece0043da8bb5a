package telemetry

import (
	"testing"
	"time"
)

type countingHooks struct {
	Nop
	freq int
	rt   string
}

func (c *countingHooks) FrequencyChanged(khz int)     { c.freq = khz }
func (c *countingHooks) RTChanged(text string, _ int) { c.rt = text }

func TestMultiFansOut(t *testing.T) {
	a, b := &countingHooks{}, &countingHooks{}
	m := Multi{a, b, Nop{}}

	m.FrequencyChanged(98700)
	m.RTChanged("NOW PLAYING", 1)
	m.PSChanged([]string{"GOFMTX"}, "GOFMTX")

	for i, h := range []*countingHooks{a, b} {
		if h.freq != 98700 || h.rt != "NOW PLAYING" {
			t.Fatalf("hook %d got freq=%d rt=%q", i, h.freq, h.rt)
		}
	}
}

func TestStatusSnapshot(t *testing.T) {
	s := NewStatus()
	at := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	s.StateChanged("running")
	s.FrequencyChanged(98700)
	s.TXEnabledChanged(true)
	s.RTChanged("HELLO", 1)
	list := []string{"  ONE   ", "  TWO   "}
	s.PSChanged(list, list[1])
	s.Measured(Measurement{Power: 115, Overmod: true})
	s.Measured(Measurement{Power: 115})

	list[0] = "mutated"
	snap := s.Snapshot()
	if snap.State != "running" || !snap.TXEnabled || snap.Frequency != 98700 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.RT != "HELLO" || snap.RTBank != "B" {
		t.Fatalf("rt = %q/%s", snap.RT, snap.RTBank)
	}
	if snap.PS[0] != "  ONE   " || snap.PSCurrent != "  TWO   " {
		t.Fatalf("ps = %q current %q", snap.PS, snap.PSCurrent)
	}
	if snap.Overmods != 1 || snap.Last.Power != 115 {
		t.Fatalf("measurements = %d, %+v", snap.Overmods, snap.Last)
	}
	if !snap.StartedAt.Equal(at) || !snap.UpdatedAt.Equal(at) {
		t.Fatalf("times = %v %v", snap.StartedAt, snap.UpdatedAt)
	}
}

func TestStatusNotifiesWithoutBlocking(t *testing.T) {
	s := NewStatus()
	c := s.Subscribe()

	// nobody reading: the second change must not block
	s.FrequencyChanged(1)
	s.FrequencyChanged(2)

	select {
	case <-c:
	default:
		t.Fatalf("expected a pending notification")
	}
	select {
	case <-c:
		t.Fatalf("notifications weren't coalesced")
	default:
	}
	if got := s.Snapshot().Frequency; got != 2 {
		t.Fatalf("frequency = %d", got)
	}
}

func TestStatusUnsubscribe(t *testing.T) {
	s := NewStatus()
	a, b := s.Subscribe(), s.Subscribe()
	s.Unsubscribe(a)
	s.StateChanged("RUNNING")

	select {
	case <-a:
		t.Fatalf("unsubscribed channel notified")
	default:
	}
	select {
	case <-b:
	default:
		t.Fatalf("remaining subscriber not notified")
	}
}
