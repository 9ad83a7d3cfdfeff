// Package detect implements DET, the slit-scan crossing detector: a
// per-frame state machine that calibrates a background strip, computes a
// foreground occupancy ratio over a narrow band at the gate column, and
// produces a sub-frame-accurate crossing timestamp via 2-frame confirmation
// and linear interpolation.
package detect

import (
	"image"
	"math"
	"sync"

	"github.com/sondregut/trackspeed-core/internal/clocksync"
	"github.com/sondregut/trackspeed-core/internal/events"
	"github.com/sondregut/trackspeed-core/internal/logging"
)

// Result is returned by every Process call.
type Result struct {
	R               float64
	Crossed         bool
	State           State
	ElapsedSeconds  float64
	FPS             float64
	FrameDrops      int
	DetectionPoints []float64

	PostTriggerCount int
	PostTriggerTotal int

	// Populated only when Crossed is true.
	TriggerPTS  float64
	PTSSeconds  float64
	UptimeNanos int64
}

// Detector is DET's per-session state machine. The camera thread owns a
// Detector exclusively for Process calls; Configure may be called from any
// thread. Every exported method takes the same short-lived lock.
type Detector struct {
	logger *logging.Logger
	events events.Emitter

	mu    sync.Mutex
	lineX float64

	state State

	w, h                       int
	bandTop, bandBottom, bandH int

	bgModel      *backgroundModel
	minRunPixels int

	// Trigger confirmation tracking.
	aboveCount int
	havePrev   bool
	lastR      float64
	lastPTS    float64
	snapRPrev  float64
	snapPPrev  float64
	snapRCurr  float64
	snapPCurr  float64

	lowCount int // consecutive below-thrOff frames during cooldown

	postTriggerTotal int
	postTriggerCount int
	postTriggerSlits [][]float64

	sessionStartPts float64
	frameIndex      uint64

	fps *fpsTracker

	preRing   *slitRing
	debugRing *debugFrameRing

	triggerFrameIdx int // index into debugRing.entries of the retained trigger frame, -1 if none
	lastComposite   *image.Gray
}

// New creates a Detector. logger and emitter may be nil-safe zero values
// (logging.NewLogger, events.NopEmitter{}) if the caller doesn't want
// diagnostics.
func New(logger *logging.Logger, emitter events.Emitter) *Detector {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = logging.NewLogger(logging.LevelInfo)
	}
	return &Detector{
		logger:          logger,
		events:          emitter,
		lineX:           0.5,
		state:           StateIdle,
		minRunPixels:    defaultMinRunPixels,
		fps:             newFPSTracker(),
		preRing:         newSlitRing(),
		debugRing:       newDebugFrameRing(),
		triggerFrameIdx: -1,
	}
}

// SetMinRunPixels parameterizes the minimum-run noise filter's absolute
// pixel floor (the component design's literal is 60). Safe to call at any
// time; takes effect on the next Process call.
func (d *Detector) SetMinRunPixels(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 1 {
		n = 1
	}
	d.minRunPixels = n
}

// Configure sets the gate column as a fraction of frame width, clamped to
// [0.1, 0.9]. Idempotent; may be called in any state.
func (d *Detector) Configure(lineX float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineX = clampLineX(lineX)
}

// State returns the detector's current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// TriggerFrameIndex returns the debug-ring index of the frame that produced
// the most recent crossing, or -1 if none has occurred since the last Arm.
func (d *Detector) TriggerFrameIndex() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggerFrameIdx
}

// StartCalibration latches W,H from frame, sizes all buffers, and begins
// accumulating the background model.
func (d *Detector) StartCalibration(frame Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !frame.Valid() {
		return ErrInvalidFrame
	}

	d.w, d.h = frame.W, frame.H
	d.bandTop, d.bandBottom, d.bandH = computeBand(d.h)
	d.bgModel = newBackgroundModel(d.bandH)
	d.state = StateCalibrating
	return nil
}

// Calibrate folds one frame into the background accumulator. It returns
// complete=true exactly once, on the nCal-th call, at which point the
// detector returns to idle ready to be armed.
func (d *Detector) Calibrate(frame Frame) (complete bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateCalibrating {
		return false, ErrWrongState
	}
	if !frame.matches(d.w, d.h) {
		return false, ErrInvalidFrame
	}

	gx := gatePixelX(d.lineX, d.w)
	slit := extractSlit(frame, gx, d.bandTop, d.bandBottom)
	complete = d.bgModel.add(slit)
	if complete {
		d.state = StateIdle
		d.logger.Info("calibration complete: bandH=%d meanLuma=%.1f", d.bandH, meanOf(d.bgModel.bg))
		d.events.Emit(events.EventCalibration, events.CalibrationData{
			FramesUsed: nCal,
			BandTop:    d.bandTop,
			BandBottom: d.bandBottom,
			MeanLuma:   meanOf(d.bgModel.bg),
		})
	}
	return complete, nil
}

// Arm requires a valid background model and transitions idle or cooldown
// into armed, resetting ring buffers, counters, and the fps tracker.
func (d *Detector) Arm(frame Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bgModel == nil || !d.bgModel.valid() {
		return ErrNotCalibrated
	}
	if d.state != StateIdle && d.state != StateCooldown {
		return ErrWrongState
	}
	if !frame.matches(d.w, d.h) {
		return ErrInvalidFrame
	}

	d.sessionStartPts = frame.PTS
	d.frameIndex = 0
	d.resetTriggerTracking()
	d.fps.reset()
	d.preRing.reset()
	d.debugRing.reset()
	d.triggerFrameIdx = -1
	d.state = StateArmed
	d.logger.Debug("armed at gateX=%.3f", d.lineX)
	return nil
}

func (d *Detector) resetTriggerTracking() {
	d.aboveCount = 0
	d.havePrev = false
	d.lowCount = 0
	d.postTriggerTotal = 0
	d.postTriggerCount = 0
	d.postTriggerSlits = nil
}

// Reset clears all session state except the configured gate line and the
// minimum-run pixel floor.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = StateIdle
	d.w, d.h = 0, 0
	d.bandTop, d.bandBottom, d.bandH = 0, 0, 0
	d.bgModel = nil
	d.resetTriggerTracking()
	d.lastR, d.lastPTS = 0, 0
	d.snapRPrev, d.snapPPrev, d.snapRCurr, d.snapPCurr = 0, 0, 0, 0
	d.sessionStartPts = 0
	d.frameIndex = 0
	d.fps = newFPSTracker()
	d.preRing = newSlitRing()
	d.debugRing = newDebugFrameRing()
	d.triggerFrameIdx = -1
	d.lastComposite = nil
}

// Process is DET's main per-frame routine. Outside the active states
// (armed, triggered, cooldown) it returns a zero-valued Result carrying the
// current state name; it never blocks and never panics.
func (d *Detector) Process(frame Frame) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateArmed && d.state != StateTriggered && d.state != StateCooldown {
		return Result{State: d.state}
	}
	if !frame.matches(d.w, d.h) {
		return Result{State: d.state}
	}

	d.frameIndex++
	fps := d.fps.observe(frame.PTS)
	if fps > 0 {
		d.preRing.setTarget(int(math.Ceil(0.5 * fps)))
	}

	gx := gatePixelX(d.lineX, d.w)
	slit := extractSlit(frame, gx, d.bandTop, d.bandBottom)
	mask := foregroundMask(slit, d.bgModel.bg)
	r := occupancy(mask, d.bandH, d.minRunPixels)

	result := Result{
		R:                r,
		State:            d.state,
		ElapsedSeconds:   frame.PTS - d.sessionStartPts,
		FPS:              fps,
		FrameDrops:       d.fps.frameDrops(),
		DetectionPoints:  detectionPoints(mask, d.bandTop, d.h),
		PostTriggerCount: d.postTriggerCount,
		PostTriggerTotal: d.postTriggerTotal,
	}

	switch d.state {
	case StateArmed:
		d.preRing.push(slit, frame.PTS)
		d.debugRing.push(frame, r, false)
		d.evaluateTrigger(frame, r, &result)
	case StateTriggered:
		d.postTriggerSlits = append(d.postTriggerSlits, slit)
		d.postTriggerCount++
		d.debugRing.push(frame, r, false)
		result.PostTriggerCount = d.postTriggerCount
		if d.postTriggerCount >= d.postTriggerTotal {
			d.finishTrigger()
			result.State = d.state
		}
	case StateCooldown:
		d.debugRing.push(frame, r, false)
		if r < thrOff {
			d.lowCount++
			if d.lowCount >= cooldownLowFrames {
				d.state = StateArmed
				d.lowCount = 0
				result.State = d.state
				d.logger.Debug("rearmed after hysteresis")
			}
		} else {
			d.lowCount = 0
		}
	}

	d.lastR = r
	d.lastPTS = frame.PTS
	d.havePrev = true
	return result
}

// evaluateTrigger runs the 2-frame confirmation + interpolation algorithm.
// Only called while armed.
func (d *Detector) evaluateTrigger(frame Frame, r float64, result *Result) {
	if r < thrOn {
		d.aboveCount = 0
		return
	}

	d.aboveCount++
	if d.aboveCount == 1 {
		if d.havePrev {
			d.snapRPrev, d.snapPPrev = d.lastR, d.lastPTS
		} else {
			d.snapRPrev, d.snapPPrev = r, frame.PTS
		}
		d.snapRCurr, d.snapPCurr = r, frame.PTS
		return
	}

	triggerPts := d.snapPCurr
	if d.snapRCurr > d.snapRPrev && d.snapRCurr > thrOn {
		alpha := (thrOn - d.snapRPrev) / (d.snapRCurr - d.snapRPrev)
		if alpha < 0 {
			alpha = 0
		}
		if alpha > 1 {
			alpha = 1
		}
		triggerPts = d.snapPPrev + alpha*(d.snapPCurr-d.snapPPrev)
	}

	fps := d.fps.fps()
	d.postTriggerTotal = int(math.Floor(0.5 * fps))
	if d.postTriggerTotal < 0 {
		d.postTriggerTotal = 0
	}
	d.postTriggerCount = 0
	d.postTriggerSlits = nil

	d.debugRing.entries[len(d.debugRing.entries)-1].isTrigger = true
	d.triggerFrameIdx = len(d.debugRing.entries) - 1

	d.state = StateTriggered
	result.Crossed = true
	result.TriggerPTS = triggerPts
	result.PTSSeconds = frame.PTS
	result.UptimeNanos = clocksync.NowNanos()
	result.State = d.state
	result.PostTriggerTotal = d.postTriggerTotal

	d.logger.Info("crossing detected at pts=%.6f (r %.3f -> %.3f)", triggerPts, d.snapRPrev, d.snapRCurr)
	d.events.Emit(events.EventTrigger, events.TriggerData{
		FrameIndex:     d.frameIndex,
		TriggerPTSNs:   int64(triggerPts * 1e9),
		OccupancyOn:    d.snapRCurr,
		OccupancyPrior: d.snapRPrev,
	})
}

// finishTrigger assembles the crossing composite and transitions into
// cooldown once enough post-trigger frames have been collected.
func (d *Detector) finishTrigger() {
	slits := make([][]float64, 0, d.preRing.len()+len(d.postTriggerSlits))
	for _, e := range d.preRing.entries {
		slits = append(slits, e.slit)
	}
	slits = append(slits, d.postTriggerSlits...)

	d.lastComposite = buildComposite(slits)
	d.state = StateCooldown
	d.lowCount = 0
}

// ExportComposite writes the most recently assembled crossing composite to
// dir/composite_<unixMs>.png. Returns ErrNoDebugFrames if no crossing has
// completed yet.
func (d *Detector) ExportComposite(dir string, unixMs int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastComposite == nil {
		return "", ErrNoDebugFrames
	}
	return writeComposite(d.lastComposite, dir, unixMs)
}

// DetectorSnapshot is a read-only copy of a Detector's current state, safe to
// hand to a status line or diagnostic event without touching the hot
// Process path.
type DetectorSnapshot struct {
	State      State
	R          float64
	AboveCount int
	FrameIndex uint64
	FPS        float64
	FrameDrops int
}

// Snapshot returns the detector's current state for diagnostics, independent
// of Process's hot path.
func (d *Detector) Snapshot() DetectorSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DetectorSnapshot{
		State:      d.state,
		R:          d.lastR,
		AboveCount: d.aboveCount,
		FrameIndex: d.frameIndex,
		FPS:        d.fps.fps(),
		FrameDrops: d.fps.frameDrops(),
	}
}

func meanOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
