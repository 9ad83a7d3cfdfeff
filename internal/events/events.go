// Package events provides structured event emission for diagnostics.
package events

import "time"

// EventType identifies the kind of event.
type EventType string

const (
	// EventCalibration fires when DET finishes background calibration; an
	// abandoned calibration emits nothing.
	EventCalibration EventType = "calibration"
	// EventTrigger fires when DET confirms a crossing and interpolates a trigger time.
	EventTrigger EventType = "trigger"
	// EventFrameDrop names a dropped-frame event. DET does not emit it: its
	// frame-interval tracker only counts drops, reported as Result.FrameDrops.
	EventFrameDrop EventType = "frame_drop"
	// EventSyncSample fires after SYNC folds a new four-tuple sample into its window.
	EventSyncSample EventType = "sync_sample"
	// EventSessionState fires on every SESS state transition.
	EventSessionState EventType = "session_state"
	// EventSplitResult fires when SESS computes a start/finish split.
	EventSplitResult EventType = "split_result"
	// EventError is a catch-all for non-fatal errors worth surfacing to a log consumer.
	EventError EventType = "error"
)

// Envelope wraps every emitted event with type and timestamp.
type Envelope struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// CalibrationData is the payload for calibration events.
type CalibrationData struct {
	FramesUsed int     `json:"frames_used"`
	BandTop    int     `json:"band_top"`
	BandBottom int     `json:"band_bottom"`
	MeanLuma   float64 `json:"mean_luma"`
	Aborted    bool    `json:"aborted,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// TriggerData is the payload for trigger events.
type TriggerData struct {
	FrameIndex     uint64  `json:"frame_index"`
	TriggerPTSNs   int64   `json:"trigger_pts_ns"`
	OccupancyOn    float64 `json:"occupancy_on"`
	OccupancyPrior float64 `json:"occupancy_prior"`
}

// FrameDropData is the payload for frame_drop events.
type FrameDropData struct {
	ExpectedIntervalMs float64 `json:"expected_interval_ms"`
	ActualIntervalMs   float64 `json:"actual_interval_ms"`
	FPSEstimate        float64 `json:"fps_estimate"`
}

// SyncSampleData is the payload for sync_sample events.
type SyncSampleData struct {
	SampleCount   int     `json:"sample_count"`
	RTTMs         float64 `json:"rtt_ms"`
	OffsetMs      float64 `json:"offset_ms"`
	UncertaintyMs float64 `json:"uncertainty_ms"`
	Quality       string  `json:"quality"`
	Ready         bool    `json:"ready"`
}

// SessionStateData is the payload for session_state events.
type SessionStateData struct {
	State    string `json:"state"`
	RoomCode string `json:"room_code,omitempty"`
	Role     string `json:"role,omitempty"`
}

// SplitResultData is the payload for split_result events.
type SplitResultData struct {
	ElapsedMs     float64 `json:"elapsed_ms"`
	StartLocalNs  int64   `json:"start_local_ns"`
	FinishLocalNs int64   `json:"finish_local_ns"`
	UncertaintyMs float64 `json:"uncertainty_ms"`
	Implausible   bool    `json:"implausible,omitempty"`
}

// ErrorData is the payload for error events.
type ErrorData struct {
	Subsystem string `json:"subsystem"`
	Message   string `json:"message"`
}

// Emitter is the interface for emitting structured events.
type Emitter interface {
	Emit(eventType EventType, data interface{})
	Close() error
}
