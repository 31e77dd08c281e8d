//go:build !linux

package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Devices is a stub on non-Linux platforms. Camera/mic capture via
// pion/mediadevices needs platform drivers (V4L2/malgo), which this build
// does not carry; sessions started here fail media acquisition and the
// caller decides whether receive-only operation makes sense.
type Devices struct{}

func NewDevices() (*Devices, error) {
	return &Devices{}, nil
}

// Codecs registers the default codec set so negotiation still produces valid
// m-lines for receiving remote media.
func (d *Devices) Codecs(engine *webrtc.MediaEngine) {
	_ = engine.RegisterDefaultCodecs()
}

func (d *Devices) Acquire(Constraints) (Local, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrDeviceNotFound)
}
