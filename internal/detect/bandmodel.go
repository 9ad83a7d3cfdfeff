package detect

import "math"

// Geometry and detection constants. These are the device-orientation and
// algorithm conventions from the component design, not user settings.
const (
	bandTopFrac    = 0.30
	bandBottomFrac = 0.85

	// slitWidth is the number of columns averaged per row at the gate.
	slitWidth = 3

	// foregroundDelta is the minimum |slit-bg| luma difference counted as
	// foreground.
	foregroundDelta = 30.0

	// nCal is the number of calibration frames averaged into the background model.
	nCal = 45

	thrOn  = 0.20
	thrOff = 0.10

	// cooldownLowFrames is the number of consecutive below-thrOff frames
	// required to rearm out of cooldown.
	cooldownLowFrames = 5

	// minLineX, maxLineX clamp the configurable gate column fraction.
	minLineX = 0.1
	maxLineX = 0.9

	// defaultMinRunPixels is the literal from the minimum-run noise filter;
	// see SetMinRunPixels for why it's parameterized instead of hardcoded.
	defaultMinRunPixels = 60
	minRunFraction      = 0.15

	// expectedFrameInterval is the reference inter-frame interval used only
	// for advisory frame-drop reporting.
	expectedFrameInterval = 1.0 / 240.0
	dropIntervalFactor    = 1.5

	fpsWindowSize = 30

	debugRingCapacity = 360
)

// computeBand returns the detection band rows [top, bottom) and its height
// for a frame of height h.
func computeBand(h int) (top, bottom, bandH int) {
	top = int(math.Floor(bandTopFrac * float64(h)))
	bottom = int(math.Floor(bandBottomFrac * float64(h)))
	return top, bottom, bottom - top
}

// minRunThreshold returns the minimum contiguous foreground run (in rows)
// below which occupancy is reported as 0.
func minRunThreshold(bandH, minRunPixels int) int {
	fractional := int(math.Floor(minRunFraction * float64(bandH)))
	if minRunPixels > fractional {
		return minRunPixels
	}
	return fractional
}

// gatePixelX maps a configured gate fraction to a clamped pixel column.
func gatePixelX(lineX float64, w int) int {
	x := int(lineX * float64(w))
	if x < 0 {
		return 0
	}
	if x > w-1 {
		return w - 1
	}
	return x
}

// clampLineX clamps a requested gate fraction to [minLineX, maxLineX].
func clampLineX(lineX float64) float64 {
	if lineX < minLineX {
		return minLineX
	}
	if lineX > maxLineX {
		return maxLineX
	}
	return lineX
}

// backgroundModel accumulates per-row luma sums over nCal calibration frames and
// produces a frozen background vector once complete.
type backgroundModel struct {
	accum []float64
	count int
	bg    []float64 // nil until complete
}

func newBackgroundModel(bandH int) *backgroundModel {
	return &backgroundModel{accum: make([]float64, bandH)}
}

// add folds one frame's slit into the accumulator. It reports complete=true
// exactly once, on the nCal-th sample, at which point bg() becomes valid.
func (m *backgroundModel) add(slit []float64) (complete bool) {
	for i, v := range slit {
		m.accum[i] += v
	}
	m.count++
	if m.count == nCal {
		m.bg = make([]float64, len(m.accum))
		for i, sum := range m.accum {
			m.bg[i] = sum / float64(nCal)
		}
		return true
	}
	return false
}

func (m *backgroundModel) valid() bool {
	return m.bg != nil
}
