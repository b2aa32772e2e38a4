package rgtag

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"math"
)

// RVA2 is the semantic content of an ID3v2 relative volume adjustment
// frame, one per identification string.
type RVA2 struct {
	Ident  string // "track" or "album"
	GaindB float64
	Peak   float64 // linear
}

const (
	rva2ChannelMaster = 0x01
	rva2PeakBits      = 16
)

// Body renders the binary frame body: identification, the master volume
// channel, gain in 1/512 dB steps and a 16 bit peak.
func (r RVA2) Body() []byte {
	var b bytes.Buffer
	b.WriteString(r.Ident)
	b.WriteByte(0)
	b.WriteByte(rva2ChannelMaster)

	gain := int(math.Round(r.GaindB * 512))
	gain = min(max(gain, math.MinInt16), math.MaxInt16)
	_ = binary.Write(&b, binary.BigEndian, int16(gain))

	b.WriteByte(rva2PeakBits)
	peak := int(math.RoundToEven(r.Peak * 32768))
	if peak > math.MaxUint16 {
		slog.Warn("clamping RVA2 peak", "which", r.Ident,
			"from", float64(peak)/32768, "to", float64(math.MaxUint16)/32768)
		peak = math.MaxUint16
	}
	_ = binary.Write(&b, binary.BigEndian, uint16(peak))

	return b.Bytes()
}

// ParseRVA2Body decodes a frame body written by Body or any other tagger
// using a master volume channel and a 16 bit peak.
func ParseRVA2Body(body []byte) (RVA2, bool) {
	ident, rest, ok := bytes.Cut(body, []byte{0})
	if !ok || len(rest) < 4 {
		return RVA2{}, false
	}
	if rest[0] != rva2ChannelMaster {
		return RVA2{}, false
	}

	var r RVA2
	r.Ident = string(ident)
	r.GaindB = float64(int16(binary.BigEndian.Uint16(rest[1:3]))) / 512

	switch bits := rest[3]; {
	case bits == 0:
	case bits == 16 && len(rest) >= 6:
		r.Peak = float64(binary.BigEndian.Uint16(rest[4:6])) / 32768
	case bits == 8 && len(rest) >= 5:
		r.Peak = float64(rest[4]) / 128
	default:
		return RVA2{}, false
	}

	return r, true
}
