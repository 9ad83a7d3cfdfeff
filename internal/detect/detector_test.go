package detect

import (
	"math"
	"testing"

	"github.com/sondregut/trackspeed-core/test/testutil"
)

const (
	testW = 64  // minimum width accepted by Frame.Valid
	testH = 128 // bandTop=38, bandBottom=108, bandH=70 for these dimensions
)

func frameAt(pix []byte, pts float64) Frame {
	return Frame{W: testW, H: testH, Pix: pix, PTS: pts}
}

func TestCalibration_CompletesAfterNCalFrames(t *testing.T) {
	d := New(nil, nil)
	frame := frameAt(testutil.SolidLumaFrame(testW, testH, 120), 0)
	if err := d.StartCalibration(frame); err != nil {
		t.Fatalf("StartCalibration: %v", err)
	}
	if d.State() != StateCalibrating {
		t.Fatalf("expected calibrating, got %s", d.State())
	}

	var complete bool
	var err error
	for i := 0; i < nCal; i++ {
		complete, err = d.Calibrate(frameAt(testutil.SolidLumaFrame(testW, testH, 120), float64(i)/60))
		if err != nil {
			t.Fatalf("Calibrate frame %d: %v", i, err)
		}
		if i < nCal-1 && complete {
			t.Fatalf("calibration reported complete early at frame %d", i)
		}
	}
	if !complete {
		t.Fatalf("expected calibration complete on the %d-th frame", nCal)
	}
	if d.State() != StateIdle {
		t.Fatalf("expected idle after calibration, got %s", d.State())
	}
	for i, v := range d.bgModel.bg {
		if v != 120 {
			t.Fatalf("bg[%d] = %v, want 120", i, v)
		}
	}

	if err := d.Arm(frameAt(testutil.SolidLumaFrame(testW, testH, 120), 1.0)); err != nil {
		t.Fatalf("Arm after calibration: %v", err)
	}
	if d.State() != StateArmed {
		t.Fatalf("expected armed, got %s", d.State())
	}
}

func TestArm_WithoutCalibration_Fails(t *testing.T) {
	d := New(nil, nil)
	err := d.Arm(frameAt(testutil.SolidLumaFrame(testW, testH, 0), 0))
	if err != ErrNotCalibrated {
		t.Fatalf("expected ErrNotCalibrated, got %v", err)
	}
}

// TestEvaluateTrigger_Interpolation exercises the 2-frame confirmation and
// linear interpolation math directly against the values from spec.md's
// trigger-interpolation scenario: r=0.05@1.000s (prior, below threshold),
// r=0.35@1.010s (first above-threshold frame), r=0.40@1.020s (confirming
// frame). Expected triggerPts ~= 1.005s.
func TestEvaluateTrigger_Interpolation(t *testing.T) {
	d := New(nil, nil)
	d.w, d.h = testW, testH
	d.bandTop, d.bandBottom, d.bandH = computeBand(testH)
	d.state = StateArmed

	d.lastR, d.lastPTS, d.havePrev = 0.05, 1.000, true
	d.debugRing.push(frameAt(testutil.SolidLumaFrame(testW, testH, 0), 1.000), 0.05, false)

	var result Result
	d.evaluateTrigger(frameAt(testutil.SolidLumaFrame(testW, testH, 0), 1.010), 0.35, &result)
	if result.Crossed {
		t.Fatalf("expected no trigger on first above-threshold frame")
	}
	if d.aboveCount != 1 {
		t.Fatalf("expected aboveCount=1, got %d", d.aboveCount)
	}
	d.lastR, d.lastPTS = 0.35, 1.010
	d.debugRing.push(frameAt(testutil.SolidLumaFrame(testW, testH, 0), 1.010), 0.35, false)

	d.evaluateTrigger(frameAt(testutil.SolidLumaFrame(testW, testH, 0), 1.020), 0.40, &result)
	if !result.Crossed {
		t.Fatalf("expected trigger on confirming frame")
	}
	want := 1.000 + ((0.20 - 0.05) / (0.35 - 0.05) * 0.010)
	if math.Abs(result.TriggerPTS-want) > 1e-9 {
		t.Fatalf("triggerPTS = %.9f, want %.9f", result.TriggerPTS, want)
	}
	if d.state != StateTriggered {
		t.Fatalf("expected triggered state, got %s", d.state)
	}
}

// TestHysteresis_RequiresFiveConsecutiveLows follows spec.md's hysteresis
// scenario: after a trigger, cooldown requires 5 consecutive r<thrOff
// frames to rearm. Feeding 4 low + 1 high + 5 low must stay in cooldown
// until the final low of the second run.
func TestHysteresis_RequiresFiveConsecutiveLows(t *testing.T) {
	d := New(nil, nil)
	calibFrame := frameAt(testutil.SolidLumaFrame(testW, testH, 0), 0)
	if err := d.StartCalibration(calibFrame); err != nil {
		t.Fatalf("StartCalibration: %v", err)
	}
	for i := 0; i < nCal; i++ {
		if _, err := d.Calibrate(frameAt(testutil.SolidLumaFrame(testW, testH, 0), float64(i)/60)); err != nil {
			t.Fatalf("Calibrate: %v", err)
		}
	}
	if err := d.Arm(frameAt(testutil.SolidLumaFrame(testW, testH, 0), 1.0)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	d.state = StateCooldown

	low := testutil.SolidLumaFrame(testW, testH, 0)
	high := testutil.LumaFrameWithBand(testW, testH, d.bandTop, d.bandBottom, 0, 200)

	pts := 1.0
	feed := func(pix []byte) Result {
		pts += 1.0 / 60
		return d.Process(frameAt(pix, pts))
	}

	for i := 0; i < 4; i++ {
		r := feed(low)
		if r.State != StateCooldown {
			t.Fatalf("frame %d: expected still cooldown, got %s", i, r.State)
		}
	}
	if r := feed(high); r.State != StateCooldown {
		t.Fatalf("high frame: expected still cooldown, got %s", r.State)
	}
	for i := 0; i < 4; i++ {
		r := feed(low)
		if r.State != StateCooldown {
			t.Fatalf("post-high low %d: expected still cooldown, got %s", i, r.State)
		}
	}
	final := feed(low)
	if final.State != StateArmed {
		t.Fatalf("expected rearm on 5th consecutive low, got %s", final.State)
	}
}

func TestSnapshot_ReflectsCurrentState(t *testing.T) {
	d := New(nil, nil)
	snap := d.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("expected idle snapshot, got %s", snap.State)
	}
}

func TestReset_PreservesGateLineAndMinRun(t *testing.T) {
	d := New(nil, nil)
	d.Configure(0.7)
	d.SetMinRunPixels(42)
	d.Reset()
	if d.lineX != 0.7 {
		t.Fatalf("expected lineX preserved at 0.7, got %v", d.lineX)
	}
	if d.minRunPixels != 42 {
		t.Fatalf("expected minRunPixels preserved at 42, got %v", d.minRunPixels)
	}
	if d.State() != StateIdle {
		t.Fatalf("expected idle after reset, got %s", d.State())
	}
}
