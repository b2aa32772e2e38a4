// Package tags persists gain fields into tag containers. Textual fields
// go through taglib's property map, ID3v2 RVA2 frames are written
// directly.
package tags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sentriz/audiotags"

	"go.senan.xyz/regain/rgtag"
)

var ErrWrite = errors.New("error writing tags")

// TagLib reads and writes files through taglib.
type TagLib struct{}

func (TagLib) ReadInfo(path string, format rgtag.Format) (rgtag.Info, error) {
	f, err := audiotags.Open(path)
	if err != nil {
		return rgtag.Info{}, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	raw := f.ReadTags()

	var info rgtag.Info
	info.Raw = map[string]string{}
	// canonical keys first, then legacy namespace or case variants
	for k, vs := range raw {
		if k == rgtag.NormKey(k) && rgtag.GainKey(k) && len(vs) > 0 {
			info.Raw[k] = vs[0]
		}
	}
	for k, vs := range raw {
		if !rgtag.GainKey(k) || len(vs) == 0 {
			continue
		}
		if k := rgtag.NormKey(k); info.Raw[k] == "" {
			info.Raw[k] = vs[0]
		}
	}

	if props := f.ReadAudioProperties(); props != nil {
		info.Length = time.Duration(props.LengthMs) * time.Millisecond
	}

	if format == rgtag.FormatMP3 {
		info.RVA2 = readRVA2(path)
	}

	info.Stored = rgtag.ParseStored(format, info.Raw, info.RVA2)
	return info, nil
}

// Save writes the fields to path. The write is all or nothing: everything
// is applied to a temp copy which then replaces the original, so a failure
// mid-write never leaves partially updated tags.
func (TagLib) Save(path string, fields rgtag.Fields) error {
	tmp, err := tmpCopy(path)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := apply(tmp, fields); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace original: %w", err)
	}
	return nil
}

func apply(path string, fields rgtag.Fields) error {
	f, err := audiotags.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	raw := f.ReadTags()
	for k := range raw {
		// sweep every known variant and namespace before writing the
		// canonical set, so obsolete fields are superseded, not kept
		if rgtag.GainKey(k) {
			delete(raw, k)
		}
	}
	for _, k := range fields.Clear {
		delete(raw, k)
	}
	for k, v := range fields.Set {
		raw[k] = []string{v}
	}

	ok := f.WriteTags(raw)
	f.Close()
	if !ok {
		return ErrWrite
	}

	if len(fields.RVA2) > 0 {
		if err := writeRVA2(path, fields.RVA2); err != nil {
			return fmt.Errorf("write rva2: %w", err)
		}
	}
	return nil
}

// tmpCopy copies path to a hidden sibling which keeps the original
// extension, since taglib resolves the container type from it.
func tmpCopy(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open original: %w", err)
	}
	defer src.Close()

	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".*"+filepath.Ext(base))
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("copy original: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp: %w", err)
	}
	if info, err := src.Stat(); err == nil {
		_ = os.Chmod(tmp.Name(), info.Mode())
	}
	return tmp.Name(), nil
}
