package detect

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
)

// DebugFrameInfo describes one exported debug frame.
type DebugFrameInfo struct {
	Index       int     `json:"index"`
	Path        string  `json:"path"`
	PTS         float64 `json:"pts"`
	R           float64 `json:"r"`
	TriggersAt  string  `json:"triggersAt"`
}

// DebugExport is the manifest returned by ExportDebugFrames.
type DebugExport struct {
	Frames            []DebugFrameInfo `json:"frames"`
	FrameWidth        int              `json:"frameWidth"`
	FrameHeight       int              `json:"frameHeight"`
	GateLineX         float64          `json:"gateLineX"`
	GatePixelX        int              `json:"gatePixelX"`
	TriggerFrameIndex int              `json:"triggerFrameIndex"`
}

// ExportDebugFrames writes every buffered debug frame as an indexed PNG
// under baseDir/debug_frames_<unixMs>/ and returns a manifest describing
// what was written. unixMs should be the caller's current wall-clock time in
// milliseconds (DET has no wall-clock dependency of its own).
func (d *Detector) ExportDebugFrames(baseDir string, unixMs int64) (*DebugExport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.debugRing.len() == 0 {
		return nil, ErrNoDebugFrames
	}

	dir := filepath.Join(baseDir, fmt.Sprintf("debug_frames_%d", unixMs))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("detect: failed to create debug frame dir: %w", err)
	}

	export := &DebugExport{
		FrameWidth:        d.w,
		FrameHeight:       d.h,
		GateLineX:         d.lineX,
		GatePixelX:        gatePixelX(d.lineX, d.w),
		TriggerFrameIndex: -1,
	}

	for i, entry := range d.debugRing.entries {
		name := fmt.Sprintf("frame_%04d.png", i)
		path := filepath.Join(dir, name)

		img := image.NewGray(image.Rect(0, 0, entry.w, entry.h))
		copy(img.Pix, entry.pix)
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("detect: failed to create debug frame file: %w", err)
		}
		if err := png.Encode(f, img); err != nil {
			f.Close()
			return nil, fmt.Errorf("detect: failed to encode debug frame: %w", err)
		}
		f.Close()

		triggersAt := ""
		if entry.isTrigger {
			triggersAt = "TRIGGER"
			export.TriggerFrameIndex = i
		}

		export.Frames = append(export.Frames, DebugFrameInfo{
			Index:      i,
			Path:       path,
			PTS:        entry.pts,
			R:          entry.r,
			TriggersAt: triggersAt,
		})
	}

	return export, nil
}

// MarshalJSON-friendly access: DebugExport already carries json tags so
// callers can encoding/json.Marshal it directly when handing the manifest
// to a transport or writing it alongside the frames.
