package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.senan.xyz/table/table"

	"go.senan.xyz/regain"
	"go.senan.xyz/regain/cmd/internal/regainflag"
	"go.senan.xyz/regain/loudness"
	"go.senan.xyz/regain/tags"
)

func init() {
	flag := flag.CommandLine
	flag.Usage = func() {
		fmt.Fprintf(flag.Output(), "Usage:\n")
		fmt.Fprintf(flag.Output(), "  $ %s [<options>] [<file>...] [-a <file>...] [-t <file>...] [-e <file>...]\n", flag.Name())
		fmt.Fprintf(flag.Output(), "\n")
		fmt.Fprintf(flag.Output(), "  -a starts a new album with the files that follow\n")
		fmt.Fprintf(flag.Output(), "  -t switches back to loose track-only files\n")
		fmt.Fprintf(flag.Output(), "  -e adds files to the current album without affecting its aggregate\n")
		fmt.Fprintf(flag.Output(), "\n")
		fmt.Fprintf(flag.Output(), "Options:\n")
		flag.PrintDefaults()
	}
}

var dmp = diffmatchpatch.New()

func main() {
	exit := regainflag.Logging()
	defer exit()

	var (
		dryRun        = flag.Bool("dry-run", false, "Calculate and print values without writing any tags")
		force         = flag.Bool("force", false, "Re-measure even when files already have valid tags")
		jobs          = flag.Int("jobs", runtime.NumCPU(), "Number of parallel jobs")
		truePeak      = flag.Bool("true-peak", false, "Measure true peak instead of sample peak")
		ffmpegCommand = flag.String("ffmpeg", loudness.FFmpegCommand, "Command used for loudness measurement")
	)

	flagArgs, stream := regain.SplitArgs(os.Args[1:])
	regainflag.Parse(flagArgs)
	stream = append(flag.Args(), stream...)

	plan := regain.ParseArgs(stream)
	if len(plan.Albums) == 0 && len(plan.Tracks) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	scanner, err := loudness.NewFFmpeg(*ffmpegCommand)
	if err != nil {
		slog.Error("parse ffmpeg command", "err", err)
		return
	}
	scanner.TruePeak = *truePeak

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	p := regain.Processor{
		Scanner: scanner,
		Tags:    tags.TagLib{},
		Force:   *force,
		DryRun:  *dryRun,
		Jobs:    *jobs,
	}
	// per track errors are reported below, the join adds nothing here
	results, _ := p.Process(ctx, plan)

	printResults(results, *dryRun)

	for _, album := range plan.Albums {
		switch {
		case errors.Is(album.Err(), loudness.ErrEmptyAlbum):
			slog.Warn("album has no included tracks, skipping album tags", "first", album.Tracks[0].Path)
		case album.Err() != nil:
			slog.Warn("album aggregate not computed", "first", album.Tracks[0].Path, "err", album.Err())
		}
	}

	var errN int
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		errN++
		if *dryRun {
			slog.Warn("processing track", "path", r.Track.Path, "err", r.Err)
		} else {
			slog.Error("processing track", "path", r.Track.Path, "err", r.Err)
		}
	}

	slog.Info("done", "took", time.Since(start), "tracks", len(results), "errs", errN)
}

func printResults(results []regain.Result, dryRun bool) {
	t := table.NewStringWriter()
	for _, r := range results {
		var level, album *loudness.Level
		if r.Err == nil {
			level, album = &r.Level, r.Album
		}
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Track.Path, fmtGain(level), fmtPeak(level), fmtGain(album), fmtPeak(album), note(r, dryRun))
	}
	for _, row := range strings.Split(strings.TrimRight(t.String(), "\n"), "\n") {
		fmt.Println(row)
	}

	if dryRun {
		printDiffs(results)
	}
}

func printDiffs(results []regain.Result) {
	for _, r := range results {
		if !r.Updated || r.Err != nil {
			continue
		}
		raw := r.Track.Info().Raw
		for _, k := range slices.Sorted(maps.Keys(r.Fields.Set)) {
			before, after := raw[k], r.Fields.Set[k]
			if before == after {
				continue
			}
			fmt.Printf("%s: %s: %s\n", r.Track.Path, k, fmtDiff(dmp.DiffMain(before, after, false)))
		}
	}
}

func fmtDiff(diff []diffmatchpatch.Diff) string {
	if d := dmp.DiffPrettyText(diff); d != "" {
		return d
	}
	return "[empty]"
}

func fmtGain(l *loudness.Level) string {
	if l == nil {
		return "-"
	}
	return fmt.Sprintf("%+.2f dB", l.GaindB)
}

func fmtPeak(l *loudness.Level) string {
	if l == nil {
		return "-"
	}
	return strconv.FormatFloat(l.Peak, 'f', 6, 64)
}

func note(r regain.Result, dryRun bool) string {
	switch {
	case r.Err != nil:
		return "failed"
	case r.Updated && dryRun:
		return "needs update"
	case r.Updated && r.Rescanned:
		return "rescanned"
	case r.Updated:
		return "updated"
	}
	return "up to date"
}
