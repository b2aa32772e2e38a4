// Package regain computes ReplayGain 2.0 track and album gain for groups
// of audio files and writes the format appropriate tags.
package regain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"go.senan.xyz/regain/loudness"
	"go.senan.xyz/regain/rgtag"
)

var (
	ErrMeasurement    = errors.New("measurement failed")
	ErrTagWrite       = errors.New("tag write failed")
	ErrAlbumAggregate = errors.New("album aggregate failed, a required track could not be measured")
)

// Scanner measures one file. Implementations drive an external process
// and are expected to block.
type Scanner interface {
	ScanTrack(ctx context.Context, path string) (loudness.Measurement, error)
}

// TagIO reads and writes the persisted gain fields for one file.
type TagIO interface {
	ReadInfo(path string, format rgtag.Format) (rgtag.Info, error)
	Save(path string, fields rgtag.Fields) error
}

type Status uint8

const (
	StatusPending Status = iota
	StatusMeasuring
	StatusMeasured
	StatusWaiting // measured, waiting on the album barrier
	StatusTagging
	StatusSkipped // existing tags reused instead of measuring, tagging follows
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusMeasuring:
		return "measuring"
	case StatusMeasured:
		return "measured"
	case StatusWaiting:
		return "waiting"
	case StatusTagging:
		return "tagging"
	case StatusSkipped:
		return "skipped"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

type Track struct {
	Path     string
	Format   rgtag.Format
	Excluded bool // member of its album for tagging only, not the aggregate

	album     *Album
	formatErr error

	status    Status
	info      rgtag.Info
	meas      loudness.Measurement
	rescanned bool
	err       error
}

func (t *Track) Status() Status   { return t.status }
func (t *Track) Info() rgtag.Info { return t.info }
func (t *Track) Err() error       { return t.err }

type Album struct {
	Tracks []*Track

	// write once at the barrier
	level *loudness.Level
	err   error
}

func (a *Album) Err() error { return a.err }

// Plan is the grouped, immutable form of the positional arguments.
type Plan struct {
	Albums []*Album
	Tracks []*Track // loose files with no album membership
}

// Result is the outcome for one track.
type Result struct {
	Track     *Track
	Level     loudness.Level
	Album     *loudness.Level // nil when the track has none
	Fields    rgtag.Fields
	Rescanned bool
	Updated   bool // tags were written, or would have been on a dry run
	Err       error
}

type Processor struct {
	Scanner Scanner
	Tags    TagIO
	Force   bool // re-measure even when valid tags exist
	DryRun  bool
	Jobs    int // 0 means host parallelism

	mu      sync.Mutex
	results map[*Track]Result
}

// Process runs the whole plan. Per track failures are isolated, the
// returned error joins them all and is nil only when every track
// succeeded.
func (p *Processor) Process(ctx context.Context, plan *Plan) ([]Result, error) {
	jobs := p.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	sem := semaphore.NewWeighted(int64(jobs))

	p.results = map[*Track]Result{}

	var wg sync.WaitGroup
	for _, album := range plan.Albums {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.processAlbum(ctx, sem, album)
		}()
	}
	for _, track := range plan.Tracks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.measure(ctx, sem, track)
			if track.status != StatusFailed {
				p.tag(ctx, sem, track, nil)
			}
		}()
	}
	wg.Wait()

	var results []Result
	var errs []error
	collect := func(t *Track) {
		r := p.results[t]
		r.Track = t
		r.Err = t.err
		results = append(results, r)
		if t.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Path, t.err))
		}
	}
	for _, album := range plan.Albums {
		for _, t := range album.Tracks {
			collect(t)
		}
	}
	for _, t := range plan.Tracks {
		collect(t)
	}
	return results, errors.Join(errs...)
}

func (p *Processor) processAlbum(ctx context.Context, sem *semaphore.Weighted, a *Album) {
	var wg sync.WaitGroup
	for _, t := range a.Tracks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.measure(ctx, sem, t)
			if t.status != StatusFailed {
				t.status = StatusWaiting
			}
		}()
	}
	// the album barrier: no member is tagged with album gain before every
	// included sibling has been measured
	wg.Wait()

	var included []loudness.Measurement
	var failed bool
	for _, t := range a.Tracks {
		if t.Excluded {
			continue
		}
		if t.status == StatusFailed {
			failed = true
			continue
		}
		included = append(included, t.meas)
	}

	switch {
	case failed:
		a.err = ErrAlbumAggregate
	case len(included) == 0:
		a.err = loudness.ErrEmptyAlbum
	default:
		lev, err := loudness.AlbumLevel(included)
		if err != nil {
			a.err = err
			break
		}
		a.level = &lev
	}

	for _, t := range a.Tracks {
		if t.status == StatusFailed {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.tag(ctx, sem, t, a.level)
		}()
	}
	wg.Wait()
}

// measure brings a track to measured or skipped. Without force, tracks
// whose tags already hold a loudness and peak reuse them so only the
// missing siblings of an album are re-measured.
func (p *Processor) measure(ctx context.Context, sem *semaphore.Weighted, t *Track) {
	if t.formatErr != nil {
		t.fail(t.formatErr)
		return
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		t.fail(err)
		return
	}
	info, err := p.Tags.ReadInfo(t.Path, t.Format)
	sem.Release(1)
	if err != nil {
		t.fail(fmt.Errorf("read tags: %w", err))
		return
	}
	t.info = info

	if stored := info.Stored; !p.Force && stored.Loudness != nil && stored.Peak != nil {
		t.meas = loudness.Measurement{LUFS: *stored.Loudness, Peak: *stored.Peak, Duration: info.Length}
		t.status = StatusSkipped
		return
	}

	t.status = StatusMeasuring
	if err := sem.Acquire(ctx, 1); err != nil {
		t.fail(err)
		return
	}
	m, err := p.Scanner.ScanTrack(ctx, t.Path)
	sem.Release(1)
	if err != nil {
		t.fail(fmt.Errorf("%w: %w", ErrMeasurement, err))
		return
	}
	if math.IsInf(m.LUFS, 0) || math.IsNaN(m.LUFS) {
		// no finite gain exists for silence, and a non finite value would
		// corrupt every fixed point tag scheme downstream
		t.fail(fmt.Errorf("%w: non-finite loudness %v", ErrMeasurement, m.LUFS))
		return
	}
	m.Duration = info.Length
	t.meas = m
	t.rescanned = true
	t.status = StatusMeasured
}

func (p *Processor) tag(ctx context.Context, sem *semaphore.Weighted, t *Track, album *loudness.Level) {
	level := loudness.TrackLevel(t.meas)

	fields, err := rgtag.Encode(t.Path, t.Format, level, album)
	if err != nil {
		t.fail(err)
		return
	}

	needSave := t.rescanned || albumChanged(t.info.Stored, album)
	p.setResult(t, Result{Level: level, Album: album, Fields: fields, Rescanned: t.rescanned, Updated: needSave})

	if !needSave {
		t.status = StatusDone
		return
	}
	if p.DryRun {
		t.status = StatusDone
		return
	}

	t.status = StatusTagging
	if err := sem.Acquire(ctx, 1); err != nil {
		t.fail(err)
		return
	}
	err = p.Tags.Save(t.Path, fields)
	sem.Release(1)
	if err != nil {
		t.fail(fmt.Errorf("%w: %w", ErrTagWrite, err))
		return
	}
	t.status = StatusDone
}

func (p *Processor) setResult(t *Track, r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[t] = r
}

func (t *Track) fail(err error) {
	t.status = StatusFailed
	t.err = err
}

// albumChanged reports whether the stored album values disagree with the
// computed aggregate beyond the precision they are written with.
func albumChanged(s rgtag.Stored, album *loudness.Level) bool {
	if album == nil {
		return s.AlbumLoudness != nil || s.AlbumPeak != nil
	}
	if s.AlbumLoudness == nil || s.AlbumPeak == nil {
		return true
	}
	gain := loudness.ReplayGainRef - *s.AlbumLoudness
	return math.Abs(gain-album.GaindB) > 0.005 || math.Abs(*s.AlbumPeak-album.Peak) > 0.000001
}
