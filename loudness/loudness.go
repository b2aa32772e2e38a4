// Package loudness derives ReplayGain levels from integrated loudness
// measurements, and drives the external measurement process.
package loudness

import (
	"errors"
	"math"
	"time"
)

// Reference levels which stored gain values are computed against.
const (
	ReplayGainRef = -18.0 // LUFS, ReplayGain 2.0
	R128Ref       = -23.0 // LUFS, EBU R128 / Ogg Opus R128 tags
)

// Measurement is the raw result of measuring one track.
type Measurement struct {
	LUFS     float64       // integrated loudness
	Peak     float64       // linear sample (or true) peak
	Duration time.Duration // programme length, 0 if unknown
}

// Level is a computed gain/peak pair, ready for tagging.
type Level struct {
	GaindB, Peak float64
}

// TrackLevel computes the gain which brings a track to the ReplayGain 2.0
// reference level.
func TrackLevel(m Measurement) Level {
	return Level{GaindB: ReplayGainRef - m.LUFS, Peak: max(m.Peak, 0)}
}

// LUFS recovers the loudness a stored gain value was computed from.
func LUFS(gaindB float64) float64 {
	return ReplayGainRef - gaindB
}

var ErrEmptyAlbum = errors.New("no included tracks in album")

// AlbumLevel combines track measurements into one equivalent level for the
// whole album. Loudness values combine in the energy domain weighted by
// duration, which is the integrated loudness of the concatenated
// programme. The peak is the maximum track peak. Order of tracks doesn't
// matter.
func AlbumLevel(ms []Measurement) (Level, error) {
	if len(ms) == 0 {
		return Level{}, ErrEmptyAlbum
	}

	weighted := true
	for _, m := range ms {
		if m.Duration <= 0 {
			weighted = false // unknown durations, fall back to an unweighted mean
			break
		}
	}

	var energy, weight, peak float64
	for _, m := range ms {
		w := 1.0
		if weighted {
			w = m.Duration.Seconds()
		}
		energy += w * math.Pow(10, m.LUFS/10)
		weight += w
		peak = max(peak, m.Peak)
	}

	lufs := 10 * math.Log10(energy/weight)
	return Level{GaindB: ReplayGainRef - lufs, Peak: max(peak, 0)}, nil
}
