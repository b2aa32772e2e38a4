// Package rgtag maps computed loudness levels to the tag fields each
// container format expects, and parses previously stored values back.
package rgtag

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.senan.xyz/regain/loudness"
)

// Tag keys shared by the comment style formats. For MP3 these become TXXX
// descriptions, for M4A freeform atoms under the com.apple.iTunes mean.
const (
	TrackGain         = "REPLAYGAIN_TRACK_GAIN"
	TrackPeak         = "REPLAYGAIN_TRACK_PEAK"
	AlbumGain         = "REPLAYGAIN_ALBUM_GAIN"
	AlbumPeak         = "REPLAYGAIN_ALBUM_PEAK"
	ReferenceLoudness = "REPLAYGAIN_REFERENCE_LOUDNESS"

	// Ogg Opus only, Q7.8 fixed point at the R128 reference level.
	R128TrackGain = "R128_TRACK_GAIN"
	R128AlbumGain = "R128_ALBUM_GAIN"
)

type Format uint8

const (
	FormatMP3 Format = iota
	FormatFLAC
	FormatOggVorbis
	FormatOggOpus
	FormatMP4
)

func (f Format) String() string {
	switch f {
	case FormatMP3:
		return "mp3"
	case FormatFLAC:
		return "flac"
	case FormatOggVorbis:
		return "vorbis"
	case FormatOggOpus:
		return "opus"
	case FormatMP4:
		return "mp4"
	}
	return "unknown"
}

var ErrUnsupportedFormat = errors.New("unsupported format")

func DetectFormat(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3", ".mp2":
		return FormatMP3, nil
	case ".flac":
		return FormatFLAC, nil
	case ".ogg", ".oga", ".spx":
		return FormatOggVorbis, nil
	case ".opus":
		return FormatOggOpus, nil
	case ".m4a", ".m4b", ".mp4":
		return FormatMP4, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
}

// Fields is the complete set of tag writes for one file. Either all of it
// is persisted or none of it.
type Fields struct {
	Set   map[string]string // textual fields
	Clear []string          // keys to remove beyond the stale variants swept on write
	RVA2  []RVA2            // binary relative volume frames, ID3v2 only
}

// Encode produces the fields for one file. A nil album means the file has
// no album membership and any album fields are cleared. path is only used
// for log context.
func Encode(path string, f Format, track loudness.Level, album *loudness.Level) (Fields, error) {
	fields := Fields{Set: map[string]string{}}
	fields.Clear = append(fields.Clear, ReferenceLoudness)

	switch f {
	case FormatFLAC, FormatOggVorbis, FormatMP4:
		encodeComments(&fields, track, album)
		fields.Clear = append(fields.Clear, R128TrackGain, R128AlbumGain)

	case FormatOggOpus:
		// both schemes so that players reading either end up at the same
		// volume. the OpusHead output gain stays untouched.
		encodeComments(&fields, track, album)
		fields.Set[R128TrackGain] = fmtOpusGain(path, "track", track.GaindB)
		if album != nil {
			fields.Set[R128AlbumGain] = fmtOpusGain(path, "album", album.GaindB)
		} else {
			fields.Clear = append(fields.Clear, R128AlbumGain)
		}

	case FormatMP3:
		encodeComments(&fields, track, album)
		fields.Clear = append(fields.Clear, R128TrackGain, R128AlbumGain)
		fields.RVA2 = append(fields.RVA2, RVA2{Ident: "track", GaindB: track.GaindB, Peak: track.Peak})
		if album != nil {
			fields.RVA2 = append(fields.RVA2, RVA2{Ident: "album", GaindB: album.GaindB, Peak: album.Peak})
		}

	default:
		return Fields{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
	}

	return fields, nil
}

func encodeComments(fields *Fields, track loudness.Level, album *loudness.Level) {
	fields.Set[TrackGain] = fmtdB(track.GaindB)
	fields.Set[TrackPeak] = fmtFloat(track.Peak, 6)
	if album != nil {
		fields.Set[AlbumGain] = fmtdB(album.GaindB)
		fields.Set[AlbumPeak] = fmtFloat(album.Peak, 6)
	} else {
		fields.Clear = append(fields.Clear, AlbumGain, AlbumPeak)
	}
}

// Info is what the persistence layer reads back from a file before
// processing.
type Info struct {
	Length time.Duration
	Raw    map[string]string // existing gain related fields, normalised keys
	RVA2   []RVA2
	Stored Stored
}

// Stored holds measurements recovered from existing tags. Nil means the
// field was absent or unparseable.
type Stored struct {
	Loudness, Peak           *float64
	AlbumLoudness, AlbumPeak *float64
}

// ParseStored recovers measurements from existing tag values by inverting
// the reference level formula. The textual fields win over R128 and RVA2
// variants, matching the precedence they are written with.
func ParseStored(f Format, raw map[string]string, rva2 []RVA2) Stored {
	var s Stored
	if g, ok := parseNum(raw[TrackGain]); ok {
		s.Loudness = opt(loudness.LUFS(g))
	}
	if p, ok := parseNum(raw[TrackPeak]); ok {
		s.Peak = opt(max(p, 0))
	}
	if g, ok := parseNum(raw[AlbumGain]); ok {
		s.AlbumLoudness = opt(loudness.LUFS(g))
	}
	if p, ok := parseNum(raw[AlbumPeak]); ok {
		s.AlbumPeak = opt(max(p, 0))
	}

	if f == FormatOggOpus {
		if s.Loudness == nil {
			if q, ok := parseNum(raw[R128TrackGain]); ok {
				s.Loudness = opt(loudness.R128Ref - q/256)
			}
		}
		if s.AlbumLoudness == nil {
			if q, ok := parseNum(raw[R128AlbumGain]); ok {
				s.AlbumLoudness = opt(loudness.R128Ref - q/256)
			}
		}
	}

	for _, fr := range rva2 {
		switch fr.Ident {
		case "track":
			if s.Loudness == nil {
				s.Loudness = opt(loudness.LUFS(fr.GaindB))
			}
			if s.Peak == nil {
				s.Peak = opt(fr.Peak)
			}
		case "album":
			if s.AlbumLoudness == nil {
				s.AlbumLoudness = opt(loudness.LUFS(fr.GaindB))
			}
			if s.AlbumPeak == nil {
				s.AlbumPeak = opt(fr.Peak)
			}
		}
	}

	return s
}

// GainKey reports whether an existing tag key stores gain information in
// any known variant or namespace, eg. "replaygain_track_gain" or
// "----:ORG.HYDROGENAUDIO.REPLAYGAIN:REPLAYGAIN_TRACK_GAIN".
func GainKey(k string) bool {
	k = strings.ToUpper(k)
	return strings.Contains(k, "REPLAYGAIN_") || strings.HasPrefix(k, "R128_")
}

// NormKey strips any freeform namespace prefix and upper-cases, so legacy
// namespace values are still recognised on read.
func NormKey(k string) string {
	k = strings.ToUpper(k)
	if i := strings.LastIndex(k, ":"); i >= 0 {
		k = k[i+1:]
	}
	return k
}

var numExpr = regexp.MustCompile(`^\s*([+-]?\d+(?:\.\d+)?)`)

func parseNum(v string) (float64, bool) {
	m := numExpr.FindStringSubmatch(v)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func fmtdB(v float64) string {
	return fmt.Sprintf("%.2f dB", v)
}

func fmtFloat(v float64, p int) string {
	return strconv.FormatFloat(v, 'f', p, 64)
}

func fmtOpusGain(path, context string, gaindB float64) string {
	// Q7.8 relative to the R128 reference, not the ReplayGain one
	v := int(math.Round((gaindB - (loudness.ReplayGainRef - loudness.R128Ref)) * 256))
	clamped := min(max(v, math.MinInt16), math.MaxInt16)
	if v != clamped {
		slog.Warn("clamping R128 gain", "file", path, "which", context,
			"from", float64(v)/256, "to", float64(clamped)/256)
	}
	return strconv.Itoa(clamped)
}

func opt(v float64) *float64 {
	return &v
}
