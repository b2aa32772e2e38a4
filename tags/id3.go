package tags

import (
	"fmt"
	"log/slog"

	id3v2 "github.com/bogem/id3v2/v2"

	"go.senan.xyz/regain/rgtag"
)

const rva2FrameID = "RVA2"

// readRVA2 is best effort, legacy frames only matter as a fallback source
// of stored measurements.
func readRVA2(path string) []rgtag.RVA2 {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true, ParseFrames: []string{rva2FrameID}})
	if err != nil {
		slog.Debug("parse id3", "file", path, "err", err)
		return nil
	}
	defer tag.Close()

	var frames []rgtag.RVA2
	for _, f := range tag.GetFrames(rva2FrameID) {
		unknown, ok := f.(id3v2.UnknownFrame)
		if !ok {
			continue
		}
		if r, ok := rgtag.ParseRVA2Body(unknown.Body); ok {
			frames = append(frames, r)
		}
	}
	return frames
}

func writeRVA2(path string, frames []rgtag.RVA2) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("open id3: %w", err)
	}
	defer tag.Close()

	tag.SetVersion(4) // normalise whatever minor version was present
	tag.DeleteFrames(rva2FrameID)
	for _, fr := range frames {
		tag.AddFrame(rva2FrameID, id3v2.UnknownFrame{Body: fr.Body()})
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}
