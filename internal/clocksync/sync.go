// Package clocksync implements SYNC, an NTP-style monotonic clock
// synchronizer: it turns a bounded window of four-timestamp ping/pong
// samples into a robust offset and uncertainty estimate between two
// devices' monotonic clocks.
package clocksync

import (
	"sort"
	"sync"
	"time"

	"github.com/sondregut/trackspeed-core/internal/events"
	"github.com/sondregut/trackspeed-core/internal/logging"
)

// Quality grades how trustworthy the current offset estimate is, based on
// uncertaintyMs.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityOK        Quality = "ok"
	QualityPoor      Quality = "poor"
)

const (
	maxSamples       = 100
	minSamplesToRead = 10

	qualityExcellentMs = 3.0
	qualityGoodMs      = 5.0
	qualityOKMs        = 10.0
	notReadyUncertainty = 999.0

	// PingBurstCount and PingBurstInterval are the sync-burst parameters
	// SESS uses when driving the ping/pong exchange on entering syncing.
	PingBurstCount    = 100
	PingBurstInterval = 30 * time.Millisecond
)

// Status is the read-only view of SYNC's current estimate, returned by both
// status() (spec name) and the Snapshot() alias.
type Status struct {
	OffsetNanos   int64
	UncertaintyMs float64
	SampleCount   int
	Quality       Quality
	IsReady       bool
}

// Synchronizer accumulates Samples in a bounded FIFO window and recomputes
// a robust offset/uncertainty estimate after every insertion.
type Synchronizer struct {
	logger *logging.Logger
	events events.Emitter

	mu      sync.Mutex
	samples []Sample
	status  Status

	anchorEnabled bool
	anchorPTS     float64
	anchorUptime  int64
}

// New creates a Synchronizer. logger and emitter may be nil (defaults are
// substituted), matching internal/detect.New's convention.
func New(logger *logging.Logger, emitter events.Emitter) *Synchronizer {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = logging.NewLogger(logging.LevelInfo)
	}
	return &Synchronizer{
		logger: logger,
		events: emitter,
		status: Status{Quality: QualityPoor, UncertaintyMs: notReadyUncertainty},
	}
}

// processStart pins NowNanos to the wall clock once, at package init.
var processStart = time.Now()

// NowNanos returns the current monotonic time in nanoseconds: the wall-clock
// time at process start plus the monotonic time elapsed since then
// (time.Since uses time.Now's monotonic reading). It never jumps backward and
// is unaffected by later wall-clock adjustments.
func NowNanos() int64 {
	return processStart.UnixNano() + int64(time.Since(processStart))
}

// HandlePing is the responder side of the exchange: t2 is captured on
// entry, t3 immediately before return. The caller is responsible for
// wiring t1 (received from the peer) and the returned (t2, t3) into a
// syncPong reply.
func HandlePing(t1 int64) (t2, t3 int64) {
	t2 = NowNanos()
	t3 = NowNanos()
	return t2, t3
}

// AddSample is the initiator side: called after a syncPong arrives at t4.
// Malformed samples (t4 < t1 or t3 < t2) are rejected silently, matching
// the failure semantics; the sample counter does not advance.
func (s *Synchronizer) AddSample(t1, t2, t3, t4 int64) error {
	sample := Sample{T1: t1, T2: t2, T3: t3, T4: t4}
	if !sample.valid() {
		return ErrMalformedSample
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, sample)
	if excess := len(s.samples) - maxSamples; excess > 0 {
		s.samples = s.samples[excess:]
	}
	s.recompute()

	s.logger.Debug("sync sample added: rtt=%dns offset=%dns n=%d", sample.RTT(), sample.Offset(), len(s.samples))
	s.events.Emit(events.EventSyncSample, events.SyncSampleData{
		SampleCount:   s.status.SampleCount,
		RTTMs:         float64(sample.RTT()) / 1e6,
		OffsetMs:      float64(s.status.OffsetNanos) / 1e6,
		UncertaintyMs: s.status.UncertaintyMs,
		Quality:       string(s.status.Quality),
		Ready:         s.status.IsReady,
	})
	return nil
}

// recompute implements the offset/uncertainty recomputation: sort by RTT
// ascending, take the best max(10, ceil(0.30*N)) samples, derive
// medianOffset/medianRtt/MAD from that subset. Caller must hold s.mu.
func (s *Synchronizer) recompute() {
	n := len(s.samples)
	s.status.SampleCount = n
	if n < minSamplesToRead {
		s.status.IsReady = false
		s.status.Quality = QualityPoor
		s.status.UncertaintyMs = notReadyUncertainty
		return
	}

	sorted := make([]Sample, n)
	copy(sorted, s.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RTT() < sorted[j].RTT() })

	bestN := minSamplesToRead
	if ceil30 := (n*30 + 99) / 100; ceil30 > bestN { // ceil(0.30*n)
		bestN = ceil30
	}
	if bestN > n {
		bestN = n
	}
	best := sorted[:bestN]

	offsets := make([]int64, bestN)
	rtts := make([]int64, bestN)
	for i, sample := range best {
		offsets[i] = sample.Offset()
		rtts[i] = sample.RTT()
	}

	medianOffset := medianInt64(offsets)
	medianRTT := medianInt64(rtts)

	deviations := make([]int64, bestN)
	for i, off := range offsets {
		deviations[i] = abs64(off - medianOffset)
	}
	mad := medianInt64(deviations)

	s.status.OffsetNanos = medianOffset
	s.status.UncertaintyMs = (float64(mad) + float64(medianRTT)/2) / 1e6
	s.status.IsReady = true
	s.status.Quality = gradeQuality(s.status.UncertaintyMs)
}

func gradeQuality(uncertaintyMs float64) Quality {
	switch {
	case uncertaintyMs <= qualityExcellentMs:
		return QualityExcellent
	case uncertaintyMs <= qualityGoodMs:
		return QualityGood
	case uncertaintyMs <= qualityOKMs:
		return QualityOK
	default:
		return QualityPoor
	}
}

// medianInt64 returns the median of a non-empty slice without mutating the
// caller's slice ordering expectations (it sorts a private copy).
func medianInt64(values []int64) int64 {
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Status returns the current offset/uncertainty estimate.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot is an alias for Status kept identical in meaning, so SESS can
// poll synchronously from its own goroutine without a channel round-trip.
func (s *Synchronizer) Snapshot() Status {
	return s.Status()
}

// Reset clears all samples and returns to the not-ready state.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = nil
	s.status = Status{Quality: QualityPoor, UncertaintyMs: notReadyUncertainty}
	s.anchorEnabled = false
}

// ConvertRemoteToLocal converts a timestamp in the remote clock's domain to
// the local domain: remoteNanos - offsetNanos.
func ConvertRemoteToLocal(remoteNanos, offsetNanos int64) int64 {
	return remoteNanos - offsetNanos
}

// EnableAnchor turns on periodic re-anchoring, addressing the open question
// about PTS/monotonic rate drift over long sessions: SESS may call Anchor
// every few seconds while running instead of relying solely on the pair
// captured at arm time.
func (s *Synchronizer) EnableAnchor(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchorEnabled = enabled
}

// Anchor records a fresh (ptsNow, uptimeNow) pair when anchoring is
// enabled; it is a no-op otherwise so single-anchor behavior is unchanged
// by default.
func (s *Synchronizer) Anchor(ptsNow float64, uptimeNow int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.anchorEnabled {
		return
	}
	s.anchorPTS = ptsNow
	s.anchorUptime = uptimeNow
}

// LatestAnchor returns the most recently recorded (ptsNow, uptimeNow) pair
// and whether one has been recorded. Nothing in DET or SESS reads it: DET
// stamps crossings with NowNanos and Session.OnCrossing uses the uptime it is
// given.
func (s *Synchronizer) LatestAnchor() (pts float64, uptime int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.anchorEnabled || s.anchorUptime == 0 {
		return 0, 0, false
	}
	return s.anchorPTS, s.anchorUptime, true
}
