package loudness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `[Parsed_ebur128_0 @ 0x5581] Summary:

  Integrated loudness:
    I:         -20.0 LUFS
    Threshold: -30.6 LUFS

  Loudness range:
    LRA:         2.4 LU
    Threshold: -40.5 LUFS
    LRA low:   -21.6 LUFS
    LRA high:  -19.2 LUFS

  Sample peak:
    Peak:       -0.9 dBFS
`

func TestParseEBUR128(t *testing.T) {
	t.Parallel()

	m, err := parseEBUR128(sampleOutput)
	require.NoError(t, err)
	assert.Equal(t, -20.0, m.LUFS)
	assert.InDelta(t, 0.9016, m.Peak, 1e-4) // 10^(-0.9/20)
}

func TestParseEBUR128TakesLast(t *testing.T) {
	t.Parallel()

	// frame logs repeat the running I value, the summary wins
	out := "    I:          -7.0 LUFS\n" + sampleOutput
	m, err := parseEBUR128(out)
	require.NoError(t, err)
	assert.Equal(t, -20.0, m.LUFS)
}

func TestParseEBUR128Silence(t *testing.T) {
	t.Parallel()

	// digital silence has no finite loudness, so no tags can be derived
	out := `  Integrated loudness:
    I:         -inf LUFS

  Sample peak:
    Peak:       -inf dBFS
`
	_, err := parseEBUR128(out)
	require.ErrorIs(t, err, ErrSilence)
}

func TestParseEBUR128Garbage(t *testing.T) {
	t.Parallel()

	_, err := parseEBUR128("error while decoding stream\n")
	require.Error(t, err)
}

func TestNewFFmpeg(t *testing.T) {
	t.Parallel()

	f, err := NewFFmpeg(`ffmpeg -threads 1`)
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg", f.command)
	assert.Equal(t, []string{"-threads", "1"}, f.args)

	f, err = NewFFmpeg(`"/opt/ff mpeg/ffmpeg"`)
	require.NoError(t, err)
	assert.Equal(t, "/opt/ff mpeg/ffmpeg", f.command)
	assert.Empty(t, f.args)

	_, err = NewFFmpeg("")
	require.Error(t, err)
}
