package detect

import "testing"

func TestForegroundMask(t *testing.T) {
	bg := []float64{0, 0, 0, 0}
	slit := []float64{0, 29, 30, 200}
	mask := foregroundMask(slit, bg)
	want := []bool{false, false, true, true}
	for i := range want {
		if mask[i] != want[i] {
			t.Fatalf("mask[%d] = %v, want %v", i, mask[i], want[i])
		}
	}
}

func TestLongestRun(t *testing.T) {
	cases := []struct {
		mask []bool
		want int
	}{
		{[]bool{}, 0},
		{[]bool{false, false}, 0},
		{[]bool{true, true, true}, 3},
		{[]bool{true, false, true, true, true, false, true}, 3},
		{[]bool{true, true, false, true, true, true}, 3},
	}
	for _, c := range cases {
		if got := longestRun(c.mask); got != c.want {
			t.Errorf("longestRun(%v) = %d, want %d", c.mask, got, c.want)
		}
	}
}

func TestOccupancy_FiltersShortRuns(t *testing.T) {
	bandH := 100
	mask := make([]bool, bandH)
	for i := 40; i < 55; i++ { // 15-row run, below the 60-pixel floor
		mask[i] = true
	}
	if r := occupancy(mask, bandH, 60); r != 0 {
		t.Fatalf("expected filtered occupancy 0, got %v", r)
	}
}

func TestOccupancy_ReportsFractionAboveFloor(t *testing.T) {
	bandH := 100
	mask := make([]bool, bandH)
	for i := 10; i < 80; i++ { // 70-row run
		mask[i] = true
	}
	got := occupancy(mask, bandH, 60)
	want := 0.70
	if got != want {
		t.Fatalf("occupancy = %v, want %v", got, want)
	}
}

func TestMinRunThreshold_UsesLarger(t *testing.T) {
	if got := minRunThreshold(100, 5); got != 15 {
		t.Fatalf("expected fractional floor 15, got %d", got)
	}
	if got := minRunThreshold(100, 80); got != 80 {
		t.Fatalf("expected explicit floor 80, got %d", got)
	}
}

func TestDetectionPoints_NormalizesToFrameHeight(t *testing.T) {
	mask := []bool{false, true, false, true}
	points := detectionPoints(mask, 10, 100)
	want := []float64{11.0 / 100, 13.0 / 100}
	if len(points) != len(want) {
		t.Fatalf("len(points) = %d, want %d", len(points), len(want))
	}
	for i := range want {
		if points[i] != want[i] {
			t.Errorf("points[%d] = %v, want %v", i, points[i], want[i])
		}
	}
}
