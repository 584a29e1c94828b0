package main

import "testing"

const (
	quiet = 0.0
	loud  = 0.5
)

func feedN(m *silenceMonitor, lvl float64, n int) SilenceEvent {
	var last SilenceEvent
	for i := 0; i < n; i++ {
		last = m.Tick(lvl)
	}
	return last
}

func TestSilenceWarnAfter8s(t *testing.T) {
	m := newSilenceMonitor(false)
	// 79 ticks of silence, no warning yet
	for i := 0; i < 79; i++ {
		if ev := m.Tick(quiet); ev != SilenceNone {
			t.Fatalf("unexpected event at tick %d: %d", i, ev)
		}
	}
	// 80th tick triggers warning (8s)
	if ev := m.Tick(quiet); ev != SilenceWarn {
		t.Fatalf("expected SilenceWarn at tick 80, got %d", ev)
	}
}

func TestSilenceWarnClearsOnSpeech(t *testing.T) {
	m := newSilenceMonitor(false)
	feedN(m, quiet, 80) // triggers warn

	// Sustained speech clears the warning (need 25% of the 80-tick window)
	for i := 0; i < 80; i++ {
		if ev := m.Tick(loud); ev == SilenceWarnClear {
			return
		}
	}
	t.Fatal("expected SilenceWarnClear after speech")
}

func TestNoWarnDuringSpeech(t *testing.T) {
	m := newSilenceMonitor(false)
	for i := 0; i < 200; i++ {
		if ev := m.Tick(loud); ev == SilenceWarn {
			t.Fatalf("unexpected warn during speech at tick %d", i)
		}
	}
}

func TestLevelBelowThresholdIsSilence(t *testing.T) {
	m := newSilenceMonitor(false)
	// Just under the speech level still counts as silence
	if ev := feedN(m, speechLevel-0.001, 80); ev != SilenceWarn {
		t.Fatalf("expected SilenceWarn for sub-threshold levels, got %d", ev)
	}
}

func TestAutoStopAfter30s(t *testing.T) {
	m := newSilenceMonitor(true)
	for i := 0; i < 400; i++ {
		if ev := m.Tick(quiet); ev == SilenceStop {
			return
		}
	}
	t.Fatal("expected SilenceStop within 400 ticks")
}

func TestNoAutoStopWhenDisabled(t *testing.T) {
	m := newSilenceMonitor(false)
	for i := 0; i < 400; i++ {
		if ev := m.Tick(quiet); ev == SilenceStop {
			t.Fatalf("unexpected auto-stop at tick %d", i)
		}
	}
}

func TestAutoStopPreventedBySpeech(t *testing.T) {
	m := newSilenceMonitor(true)
	for i := 0; i < 500; i++ {
		lvl := quiet
		if i%10 < 7 {
			lvl = loud
		}
		if ev := m.Tick(lvl); ev == SilenceStop {
			t.Fatalf("unexpected auto-stop with speech at tick %d", i)
		}
	}
}

func TestWarnOnlyOnce(t *testing.T) {
	m := newSilenceMonitor(false)
	warns := 0
	for i := 0; i < 300; i++ {
		if ev := m.Tick(quiet); ev == SilenceWarn {
			warns++
		}
	}
	if warns != 1 {
		t.Fatalf("expected exactly 1 SilenceWarn, got %d", warns)
	}
}

func TestWarnStaysDuringNoise(t *testing.T) {
	m := newSilenceMonitor(false)
	feedN(m, quiet, 80) // triggers warn

	// Occasional blips (< 25% speech) should NOT clear the warning
	clears := 0
	for i := 0; i < 80; i++ {
		lvl := quiet
		if i%10 == 0 { // 10% speech, below the clear threshold
			lvl = loud
		}
		if ev := m.Tick(lvl); ev == SilenceWarnClear {
			clears++
		}
	}
	if clears > 0 {
		t.Fatalf("expected warning to stay with 10%% speech, got %d clears", clears)
	}
}
