package regain

import (
	"slices"

	"go.senan.xyz/regain/rgtag"
)

// markers recognised in the positional argument stream, matching the
// original regainer CLI.
const (
	markerAlbum   = "-a"
	markerTrack   = "-t"
	markerExclude = "-e"
)

func isMarker(arg string) bool {
	switch arg {
	case markerAlbum, "--album", markerTrack, "--track", markerExclude, "--exclude":
		return true
	}
	return false
}

// SplitArgs splits raw command line arguments at the first grouping
// marker, so flag parsing never sees the marker stream.
func SplitArgs(args []string) (flags, stream []string) {
	for i, arg := range args {
		if isMarker(arg) {
			return args[:i], args[i:]
		}
	}
	return args, nil
}

// ParseArgs folds the argument stream into an immutable plan. "-a" closes
// the current album and opens a new one, "-t" switches back to loose
// track-only files, "-e" adds the following files to the current album
// without including them in its aggregate. Files before any marker are
// track-only since no album is open yet. Albums left with no files are
// dropped.
func ParseArgs(args []string) *Plan {
	var plan Plan
	var album *Album
	var exclude bool

	for _, arg := range args {
		switch arg {
		case markerAlbum, "--album":
			album = &Album{}
			plan.Albums = append(plan.Albums, album)
			exclude = false
		case markerTrack, "--track":
			album = nil
			exclude = false
		case markerExclude, "--exclude":
			exclude = true
		default:
			t := &Track{Path: arg}
			t.Format, t.formatErr = rgtag.DetectFormat(arg)
			if album != nil {
				t.Excluded = exclude
				t.album = album
				album.Tracks = append(album.Tracks, t)
			} else {
				plan.Tracks = append(plan.Tracks, t)
			}
		}
	}

	plan.Albums = slices.DeleteFunc(plan.Albums, func(a *Album) bool {
		return len(a.Tracks) == 0
	})
	return &plan
}
