package detect

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
)

// buildComposite assembles an 8-bit grayscale image from a sequence of
// slits, oldest first: width = len(slits), height = len(slits[0]) (bandH).
// Column 0 is the oldest slit, matching the external interface's contract.
func buildComposite(slits [][]float64) *image.Gray {
	if len(slits) == 0 {
		return image.NewGray(image.Rect(0, 0, 0, 0))
	}
	bandH := len(slits[0])
	img := image.NewGray(image.Rect(0, 0, len(slits), bandH))
	for col, slit := range slits {
		for row, v := range slit {
			img.SetGray(col, row, grayOf(v))
		}
	}
	return img
}

func grayOf(v float64) color.Gray {
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return color.Gray{Y: uint8(v)}
}

// writeComposite encodes img as PNG to dir/composite_<unixMs>.png and
// returns the written path.
func writeComposite(img *image.Gray, dir string, unixMs int64) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("detect: failed to create composite dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("composite_%d.png", unixMs))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("detect: failed to create composite file: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return "", fmt.Errorf("detect: failed to encode composite: %w", err)
	}
	return path, nil
}
