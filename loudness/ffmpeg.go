package loudness

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/google/shlex"
)

var (
	ErrNoFFmpeg = fmt.Errorf("ffmpeg not found in PATH")
	ErrSilence  = fmt.Errorf("programme is silent, no integrated loudness")
)

const FFmpegCommand = "ffmpeg"

// FFmpeg measures tracks with ffmpeg's ebur128 filter.
type FFmpeg struct {
	TruePeak bool

	command string
	args    []string
}

// NewFFmpeg parses a command string like "ffmpeg -threads 1" into a
// scanner. Extra arguments are passed before the input file.
func NewFFmpeg(conf string) (*FFmpeg, error) {
	parts, err := shlex.Split(conf)
	if err != nil {
		return nil, fmt.Errorf("split command: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no command provided")
	}
	return &FFmpeg{command: parts[0], args: parts[1:]}, nil
}

func (f *FFmpeg) ScanTrack(ctx context.Context, path string) (Measurement, error) {
	command := f.command
	if command == "" {
		command = FFmpegCommand
	}
	if _, err := exec.LookPath(command); err != nil {
		return Measurement{}, fmt.Errorf("%w: %w", ErrNoFFmpeg, err)
	}

	peakMode := "sample"
	if f.TruePeak {
		peakMode = "true"
	}

	args := []string{"-nostats", "-nostdin", "-hide_banner", "-vn", "-loglevel", "info"}
	args = append(args, f.args...)
	args = append(args,
		"-i", "file:"+path,
		"-filter_complex", "ebur128=framelog=verbose:peak="+peakMode+"[out]",
		"-map", "[out]",
		"-f", "null", "-",
	)

	cmd := exec.CommandContext(ctx, command, args...)

	// the ebur128 summary goes to stderr along with everything else
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Measurement{}, fmt.Errorf("run %s: %w: stderr: %q", command, err, tail(stderr.String(), 512))
	}

	m, err := parseEBUR128(stderr.String())
	if err != nil {
		return Measurement{}, fmt.Errorf("parse %s output: %w", command, err)
	}
	return m, nil
}

var (
	integratedExpr = regexp.MustCompile(`(?m)^\s+I:\s+(-?(?:inf|\d+(?:\.\d+)?)) LUFS$`)
	peakExpr       = regexp.MustCompile(`(?m)^\s+Peak:\s+(-?(?:inf|\d+(?:\.\d+)?)) dBFS$`)
)

func parseEBUR128(out string) (Measurement, error) {
	var m Measurement

	// per-frame lines repeat the I: value, the summary block comes last
	lufs := integratedExpr.FindAllStringSubmatch(out, -1)
	if len(lufs) == 0 {
		return Measurement{}, fmt.Errorf("no integrated loudness in output")
	}
	l, err := strconv.ParseFloat(lufs[len(lufs)-1][1], 64)
	if err != nil {
		return Measurement{}, fmt.Errorf("parse loudness: %w", err)
	}
	if math.IsInf(l, 0) {
		// digital silence, there is no finite gain which normalises it
		return Measurement{}, ErrSilence
	}
	m.LUFS = l

	peaks := peakExpr.FindAllStringSubmatch(out, -1)
	if len(peaks) == 0 {
		return Measurement{}, fmt.Errorf("no peak in output")
	}
	p, err := strconv.ParseFloat(peaks[len(peaks)-1][1], 64)
	if err != nil {
		return Measurement{}, fmt.Errorf("parse peak: %w", err)
	}
	m.Peak = math.Pow(10, p/20) // dBFS to linear

	return m, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
