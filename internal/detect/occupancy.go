package detect

import "math"

// foregroundMask reports, per band row, whether the slit differs from the
// frozen background by at least foregroundDelta.
func foregroundMask(slit, bg []float64) []bool {
	mask := make([]bool, len(slit))
	for i := range slit {
		mask[i] = math.Abs(slit[i]-bg[i]) >= foregroundDelta
	}
	return mask
}

// longestRun returns the length of the longest contiguous run of true
// values in mask.
func longestRun(mask []bool) int {
	best, cur := 0, 0
	for _, v := range mask {
		if v {
			cur++
			if cur > best {
				best = cur
			}
		} else {
			cur = 0
		}
	}
	return best
}

// occupancy computes r = longestRun/bandH, reporting 0 if the run is
// shorter than the minimum-run noise filter.
func occupancy(mask []bool, bandH, minRunPixels int) float64 {
	run := longestRun(mask)
	if run < minRunThreshold(bandH, minRunPixels) {
		return 0
	}
	return float64(run) / float64(bandH)
}

// detectionPoints maps foreground rows to normalized y positions in [0,1],
// i.e. (row + bandTop) / h, for visualization.
func detectionPoints(mask []bool, bandTop, h int) []float64 {
	var points []float64
	for i, v := range mask {
		if v {
			points = append(points, float64(i+bandTop)/float64(h))
		}
	}
	return points
}
