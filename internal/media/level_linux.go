//go:build linux

package media

import (
	"math"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/wave"
)

// levelMeter taps the local audio track with an independent raw reader
// (mediadevices broadcasts frames to multiple consumers) and keeps the most
// recent RMS amplitude, normalized to [0, 1]. The pump goroutine exits when
// the track is closed and its reader returns an error.
type levelMeter struct {
	level atomic.Uint64 // math.Float64bits
}

func newLevelMeter(track *mediadevices.AudioTrack) *levelMeter {
	m := &levelMeter{}
	reader := track.NewReader(false)

	go func() {
		for {
			chunk, release, err := reader.Read()
			if err != nil {
				m.store(0)
				return
			}
			m.store(chunkRMS(chunk))
			if release != nil {
				release()
			}
		}
	}()

	return m
}

func (m *levelMeter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

func (m *levelMeter) store(v float64) {
	m.level.Store(math.Float64bits(v))
}

// chunkRMS computes the normalized root-mean-square amplitude of one audio
// chunk. Unrecognized buffer layouts report zero rather than guessing.
func chunkRMS(chunk wave.Audio) float64 {
	switch buf := chunk.(type) {
	case *wave.Int16Interleaved:
		return rmsInt16(buf.Data)
	case *wave.Int16NonInterleaved:
		var sum float64
		var n int
		for _, ch := range buf.Data {
			sum += sumSquaresInt16(ch)
			n += len(ch)
		}
		if n == 0 {
			return 0
		}
		return math.Sqrt(sum/float64(n)) / 32768
	case *wave.Float32Interleaved:
		var sum float64
		for _, s := range buf.Data {
			sum += float64(s) * float64(s)
		}
		if len(buf.Data) == 0 {
			return 0
		}
		return math.Sqrt(sum / float64(len(buf.Data)))
	default:
		return 0
	}
}

func rmsInt16(data []int16) float64 {
	if len(data) == 0 {
		return 0
	}
	return math.Sqrt(sumSquaresInt16(data)/float64(len(data))) / 32768
}

func sumSquaresInt16(data []int16) float64 {
	var sum float64
	for _, s := range data {
		f := float64(s)
		sum += f * f
	}
	return sum
}
