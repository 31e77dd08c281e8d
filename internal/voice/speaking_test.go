package voice

import (
	"sync"
	"testing"
)

type fakeLevels struct {
	mu    sync.Mutex
	level float64
}

func (f *fakeLevels) Level() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}

func (f *fakeLevels) set(v float64) {
	f.mu.Lock()
	f.level = v
	f.mu.Unlock()
}

type emitRecorder struct {
	mu    sync.Mutex
	emits []bool
}

func (e *emitRecorder) record(speaking bool) {
	e.mu.Lock()
	e.emits = append(e.emits, speaking)
	e.mu.Unlock()
}

func (e *emitRecorder) all() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.emits...)
}

func TestDetectorEmitsOnTransitionsOnly(t *testing.T) {
	levels := &fakeLevels{}
	rec := &emitRecorder{}
	d := NewDetector(levels, 0.05, 0, rec.record)

	levels.set(0.5)
	d.sample()
	d.sample()
	d.sample()
	levels.set(0.0)
	d.sample()
	d.sample()

	got := rec.all()
	want := []bool{true, false}
	if len(got) != len(want) {
		t.Fatalf("emits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("emits = %v, want %v", got, want)
		}
	}
}

func TestDetectorMuteForcesNotSpeaking(t *testing.T) {
	levels := &fakeLevels{}
	rec := &emitRecorder{}
	d := NewDetector(levels, 0.05, 0, rec.record)

	levels.set(0.9)
	d.sample()
	if !d.Speaking() {
		t.Fatal("expected speaking after loud sample")
	}

	// Muting emits the falling edge synchronously, before any tick.
	d.SetMuted(true)
	if d.Speaking() {
		t.Error("still speaking after mute")
	}
	got := rec.all()
	if len(got) != 2 || got[1] != false {
		t.Fatalf("emits = %v, want [true false]", got)
	}

	// High amplitude while muted never reports speaking.
	for i := 0; i < 5; i++ {
		d.sample()
	}
	if d.Speaking() {
		t.Error("muted detector reported speaking")
	}
	if len(rec.all()) != 2 {
		t.Errorf("muted detector emitted: %v", rec.all())
	}

	// Unmuting alone emits nothing; the next loud sample does.
	d.SetMuted(false)
	if len(rec.all()) != 2 {
		t.Error("unmute emitted without a sample")
	}
	d.sample()
	got = rec.all()
	if len(got) != 3 || got[2] != true {
		t.Fatalf("emits = %v, want rising edge after unmute", got)
	}
}

func TestDetectorMuteWhileSilentEmitsNothing(t *testing.T) {
	rec := &emitRecorder{}
	d := NewDetector(&fakeLevels{}, 0.05, 0, rec.record)

	d.SetMuted(true)
	d.SetMuted(false)
	if len(rec.all()) != 0 {
		t.Errorf("emits = %v, want none", rec.all())
	}
}
