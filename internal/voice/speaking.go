package voice

import (
	"context"
	"sync"
	"time"

	"github.com/halcyonchat/huddle/internal/media"
)

// Detector samples the local audio amplitude on a fixed interval and reports
// speaking-state transitions. It never reports on every sample: the emit
// callback fires only when the state flips, so the transport is not flooded.
//
// Muting forces not-speaking synchronously: SetMuted(true) emits the falling
// edge immediately instead of waiting for the next tick, and the sampling
// loop holds the state down until unmuted.
type Detector struct {
	levels    media.LevelSource
	threshold float64
	interval  time.Duration
	emit      func(speaking bool)

	mu       sync.Mutex
	muted    bool
	speaking bool
}

// NewDetector wires a detector; emit is called with the new state on each
// transition, from either the sampling goroutine or SetMuted's caller.
func NewDetector(levels media.LevelSource, threshold float64, interval time.Duration, emit func(bool)) *Detector {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Detector{
		levels:    levels,
		threshold: threshold,
		interval:  interval,
		emit:      emit,
	}
}

// Run samples until the context is cancelled. Cancellation is the only way
// the loop stops; the owning session cancels it during teardown.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sample()
		}
	}
}

func (d *Detector) sample() {
	if d.levels == nil {
		return
	}
	loud := d.levels.Level() >= d.threshold

	d.mu.Lock()
	if d.muted {
		d.mu.Unlock()
		return
	}
	if loud == d.speaking {
		d.mu.Unlock()
		return
	}
	d.speaking = loud
	d.mu.Unlock()

	if d.emit != nil {
		d.emit(loud)
	}
}

// SetMuted updates the mute flag. Muting while speaking emits the falling
// edge before returning.
func (d *Detector) SetMuted(muted bool) {
	d.mu.Lock()
	d.muted = muted
	wasSpeaking := d.speaking
	if muted {
		d.speaking = false
	}
	d.mu.Unlock()

	if muted && wasSpeaking && d.emit != nil {
		d.emit(false)
	}
}

// Speaking returns the current state.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}
