package detect

import "errors"

// Errors returned by Detector operations. DET never panics; every failure
// mode surfaces as one of these sentinels so a caller can branch on errors.Is.
var (
	// ErrNotCalibrated is returned by Arm when no background model has been
	// computed yet.
	ErrNotCalibrated = errors.New("detect: not calibrated")
	// ErrWrongState is returned when an operation is invalid for the
	// detector's current state.
	ErrWrongState = errors.New("detect: operation invalid for current state")
	// ErrInvalidFrame is returned when a frame's dimensions don't match the
	// session's latched W,H, or the pixel buffer is the wrong length.
	ErrInvalidFrame = errors.New("detect: invalid frame")
	// ErrNoDebugFrames is returned by ExportDebugFrames when the debug ring
	// is empty.
	ErrNoDebugFrames = errors.New("detect: no debug frames buffered")
)
