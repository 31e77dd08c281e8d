//go:build linux

package media

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Devices captures local camera/microphone via pion/mediadevices.
type Devices struct {
	codecs *mediadevices.CodecSelector
}

// NewDevices builds the VP8+Opus codec selector used for all captured tracks.
func NewDevices() (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	return &Devices{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Codecs populates a webrtc MediaEngine with the capture codecs. The peer
// connection API must be built from the same engine the tracks encode for.
func (d *Devices) Codecs(engine *webrtc.MediaEngine) {
	d.codecs.Populate(engine)
}

// Acquire captures local media for the given constraints. Audio is mandatory:
// when both kinds are requested and the camera fails, capture degrades to
// audio-only, but an audio failure is returned as one of the package error
// values.
func (d *Devices) Acquire(c Constraints) (Local, error) {
	if !c.Audio {
		return nil, fmt.Errorf("%w: audio capture is required", ErrDeviceNotFound)
	}

	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{c.Video, constraintLabel(c)}}
	if c.Video {
		attempts = append(attempts, attempt{false, "audio-only"})
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = classifyCaptureErr(err)
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		local := newDeviceStream(stream)
		log.Printf("MEDIA: local media captured (%s), %d tracks", a.label, len(stream.GetTracks()))
		return local, nil
	}

	return nil, lastErr
}

func constraintLabel(c Constraints) string {
	if c.Video {
		return "video+audio"
	}
	return "audio-only"
}

// classifyCaptureErr maps opaque driver errors onto the package taxonomy.
// pion/mediadevices surfaces raw V4L2/ALSA errors, so this is string matching
// by necessity.
func classifyCaptureErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
}

// deviceStream is the Local implementation over a mediadevices stream.
type deviceStream struct {
	stream mediadevices.MediaStream
	audio  mediadevices.Track
	video  mediadevices.Track
	meter  *levelMeter

	closeOnce sync.Once
}

func newDeviceStream(stream mediadevices.MediaStream) *deviceStream {
	ds := &deviceStream{stream: stream}
	for _, t := range stream.GetTracks() {
		track := t
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local track ended: %v", err)
			}
		})
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			ds.audio = track
		case webrtc.RTPCodecTypeVideo:
			ds.video = track
		}
	}
	if at, ok := ds.audio.(*mediadevices.AudioTrack); ok {
		ds.meter = newLevelMeter(at)
	}
	return ds
}

func (ds *deviceStream) AudioTrack() webrtc.TrackLocal {
	if ds.audio == nil {
		return nil
	}
	return ds.audio
}

func (ds *deviceStream) VideoTrack() webrtc.TrackLocal {
	if ds.video == nil {
		return nil
	}
	return ds.video
}

func (ds *deviceStream) Levels() LevelSource {
	if ds.meter == nil {
		return nil
	}
	return ds.meter
}

func (ds *deviceStream) Close() {
	ds.closeOnce.Do(func() {
		for _, t := range ds.stream.GetTracks() {
			t.Close()
		}
	})
}
