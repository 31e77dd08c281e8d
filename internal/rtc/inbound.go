package rtc

import (
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested for each remote video
// track. Without periodic PLIs a late joiner can wait a long time for the
// first decodable frame.
const pliInterval = 3 * time.Second

// drainTrack reads inbound RTP until the track ends, keeping per-kind
// counters. Remote tracks must be read continuously or Pion's internal
// buffers stall the connection. Video tracks additionally get a PLI loop.
func (m *Manager) drainTrack(c *conn, track *webrtc.TrackRemote) {
	kind := track.Kind()

	c.statsMu.Lock()
	stats, ok := c.stats[kind]
	if !ok {
		stats = &TrackStats{}
		c.stats[kind] = stats
	}
	c.statsMu.Unlock()

	if kind == webrtc.RTPCodecTypeVideo {
		done := make(chan struct{})
		defer close(done)
		go m.pliLoop(c, uint32(track.SSRC()), done)
	}

	var pkt *rtp.Packet
	for {
		var err error
		pkt, _, err = track.ReadRTP()
		if err != nil {
			return // track closed with the connection
		}
		c.statsMu.Lock()
		stats.Packets++
		stats.Bytes += uint64(len(pkt.Payload))
		c.statsMu.Unlock()
	}
}

// pliLoop periodically asks the sender for a keyframe until the track drain
// loop exits.
func (m *Manager) pliLoop(c *conn, ssrc uint32, done <-chan struct{}) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := c.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: ssrc},
			})
			if err != nil {
				log.Printf("RTC [%s]: pli: %v", c.remoteID, err)
				return
			}
		}
	}
}
