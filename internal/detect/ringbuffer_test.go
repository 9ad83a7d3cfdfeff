package detect

import "testing"

func TestSlitRing_TrimsToTarget(t *testing.T) {
	r := newSlitRing()
	r.setTarget(3)
	for i := 0; i < 5; i++ {
		r.push([]float64{float64(i)}, float64(i))
	}
	if r.len() != 3 {
		t.Fatalf("expected len 3, got %d", r.len())
	}
	// oldest-first: after trimming, entries[0] should be the 3rd pushed (index 2).
	if r.entries[0].pts != 2 {
		t.Fatalf("expected oldest retained pts=2, got %v", r.entries[0].pts)
	}
}

func TestSlitRing_GrowsTargetUp(t *testing.T) {
	r := newSlitRing()
	r.setTarget(2)
	for i := 0; i < 2; i++ {
		r.push([]float64{float64(i)}, float64(i))
	}
	r.setTarget(5)
	for i := 2; i < 5; i++ {
		r.push([]float64{float64(i)}, float64(i))
	}
	if r.len() != 5 {
		t.Fatalf("expected len 5 after target grows, got %d", r.len())
	}
}

func TestSlitRing_Reset(t *testing.T) {
	r := newSlitRing()
	r.setTarget(4)
	r.push([]float64{1}, 1)
	r.reset()
	if r.len() != 0 {
		t.Fatalf("expected empty ring after reset, got %d", r.len())
	}
}

func TestDebugFrameRing_FIFOCapacity(t *testing.T) {
	r := newDebugFrameRing()
	for i := 0; i < debugRingCapacity+20; i++ {
		r.push(Frame{W: 64, H: 64, Pix: make([]byte, 64*64), PTS: float64(i)}, 0, false)
	}
	if r.len() != debugRingCapacity {
		t.Fatalf("expected len capped at %d, got %d", debugRingCapacity, r.len())
	}
	oldestPTS := r.entries[0].pts
	if oldestPTS != 20 {
		t.Fatalf("expected oldest retained pts=20, got %v", oldestPTS)
	}
}

func TestDebugFrameRing_CopiesPixelData(t *testing.T) {
	r := newDebugFrameRing()
	pix := []byte{1, 2, 3, 4}
	r.push(Frame{W: 2, H: 2, Pix: pix, PTS: 0}, 0, false)
	pix[0] = 99
	if r.entries[0].pix[0] == 99 {
		t.Fatalf("expected debug ring to own a copy of the pixel buffer")
	}
}
