// Package media wraps local capture behind a small interface so sessions can
// acquire camera/microphone tracks without knowing the driver stack. The
// concrete implementation uses pion/mediadevices (V4L2 + malgo on Linux);
// other platforms get a receive-only fallback.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrAccessDenied: the platform refused capture permission.
	ErrAccessDenied = errors.New("media access denied")

	// ErrDeviceNotFound: no capture device matches the constraints.
	ErrDeviceNotFound = errors.New("media device not found")

	// ErrDeviceBusy: the device exists but is held by another process.
	ErrDeviceBusy = errors.New("media device busy")
)

// Constraints selects which kinds of local media to acquire. Audio is
// required for any voice session; video is optional.
type Constraints struct {
	Audio bool
	Video bool
}

// Local is an acquired set of local tracks. Owned by exactly one session and
// released once on teardown.
type Local interface {
	// AudioTrack returns the local audio track, or nil if audio was not
	// captured.
	AudioTrack() webrtc.TrackLocal
	// VideoTrack returns the local video track, or nil if video was not
	// captured.
	VideoTrack() webrtc.TrackLocal
	// Levels reports the local audio amplitude for speaking detection, or
	// nil when no audio was captured.
	Levels() LevelSource
	// Close stops all tracks. Idempotent.
	Close()
}

// LevelSource exposes the most recent normalized amplitude estimate of the
// local audio, in [0, 1]. Safe for concurrent use.
type LevelSource interface {
	Level() float64
}

// Source acquires local media. Implemented by Devices; sessions accept the
// interface so tests can substitute a fake.
type Source interface {
	Acquire(c Constraints) (Local, error)
}
