// Package session implements SESS, the race session coordinator: room
// pairing over a thin broadcast-bus adapter, an NTP-style sync burst
// driven through SYNC, and the start/finish split pipeline between a
// start device and a finish device.
package session

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sondregut/trackspeed-core/internal/clocksync"
	"github.com/sondregut/trackspeed-core/internal/events"
	"github.com/sondregut/trackspeed-core/internal/logging"
)

const (
	heartbeatInterval  = 2 * time.Second
	maxMissedHeartbeats = 3
)

// Result is the outcome of a finished session.
type Result struct {
	SplitNanos    int64
	StartLocalNs  int64
	FinishLocalNs int64
	UncertaintyMs float64
	Implausible   bool
	Aborted       bool
}

// Snapshot is a read-only view of a Session's current state for status
// lines and diagnostics, mirroring internal/detect.DetectorSnapshot and
// internal/clocksync.Status.
type Snapshot struct {
	State            State
	Role             Role
	RoomCode         string
	SessionID        string
	PartnerConnected bool
	Sync             clocksync.Status
}

// Config configures a new Session.
type Config struct {
	Bus      Bus
	SenderID string // defaults to a fresh UUID if empty
	Logger   *logging.Logger
	Events   events.Emitter
}

// Session is SESS's single-threaded cooperative coordinator. All of its
// public methods lock an internal mutex; the camera thread boundary is
// OnCrossing, the only method DET's result is expected to flow through.
type Session struct {
	bus      Bus
	sync     *clocksync.Synchronizer
	logger   *logging.Logger
	events   events.Emitter
	senderID string

	mu               sync.Mutex
	state            State
	role             Role
	sessionID        string
	roomCode         string
	dedup            *dedup
	seq              uint64
	partnerConnected bool
	partnerSenderID  string

	lastHeartbeatRecv time.Time
	missedHeartbeats  int

	tStartLocal int64
	result      Result

	unsubMsg   func()
	unsubState func()

	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextCbID  int
	stateSubs map[int]func(Snapshot)
	connSubs  map[int]func(bool)
	syncSubs  map[int]func(clocksync.Status)
}

// New creates a Session bound to bus. If cfg.SenderID is empty, a fresh
// one is generated.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.LevelInfo)
	}
	emitter := cfg.Events
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	senderID := cfg.SenderID
	if senderID == "" {
		senderID = NewSenderID()
	}
	return &Session{
		bus:       cfg.Bus,
		sync:      clocksync.New(logger, emitter),
		logger:    logger,
		events:    emitter,
		senderID:  senderID,
		state:     StateIdle,
		stateSubs: make(map[int]func(Snapshot)),
		connSubs:  make(map[int]func(bool)),
		syncSubs:  make(map[int]func(clocksync.Status)),
	}
}

// OnStateChange registers cb to be called, from the control thread context,
// with the session's snapshot (state, role, room code, partner, and sync
// status) on every session state transition. A partner or sync-status change
// on its own does not fire it; OnConnectionState and OnSyncStatus report
// those. The returned func unsubscribes.
func (s *Session) OnStateChange(cb func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextCbID
	s.nextCbID++
	s.stateSubs[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.stateSubs, id)
		s.mu.Unlock()
	}
}

// OnConnectionState registers cb to be called whenever the partner's
// connected/missing status changes, mirroring spec.md's connectionState
// observable side effect. The returned func unsubscribes.
func (s *Session) OnConnectionState(cb func(connected bool)) func() {
	s.mu.Lock()
	id := s.nextCbID
	s.nextCbID++
	s.connSubs[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.connSubs, id)
		s.mu.Unlock()
	}
}

// OnSyncStatus registers cb to be called whenever SYNC's offset estimate is
// updated by a sync-burst sample, mirroring spec.md's syncStatus observable
// side effect. The returned func unsubscribes.
func (s *Session) OnSyncStatus(cb func(clocksync.Status)) func() {
	s.mu.Lock()
	id := s.nextCbID
	s.nextCbID++
	s.syncSubs[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.syncSubs, id)
		s.mu.Unlock()
	}
}

func (s *Session) notifyStateSubs(snap Snapshot) {
	s.mu.Lock()
	cbs := make([]func(Snapshot), 0, len(s.stateSubs))
	for _, cb := range s.stateSubs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(snap)
	}
}

func (s *Session) notifyConnSubs(connected bool) {
	s.mu.Lock()
	cbs := make([]func(bool), 0, len(s.connSubs))
	for _, cb := range s.connSubs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(connected)
	}
}

func (s *Session) notifySyncSubs(status clocksync.Status) {
	s.mu.Lock()
	cbs := make([]func(clocksync.Status), 0, len(s.syncSubs))
	for _, cb := range s.syncSubs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(status)
	}
}

// setPartnerConnected updates partner connectivity and fires OnConnectionState
// subscribers only when the value actually changes.
func (s *Session) setPartnerConnected(connected bool) {
	s.mu.Lock()
	changed := s.partnerConnected != connected
	s.partnerConnected = connected
	s.mu.Unlock()
	if changed {
		s.notifyConnSubs(connected)
	}
}

// Snapshot returns a read-only copy of the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:            s.state,
		Role:             s.role,
		RoomCode:         s.roomCode,
		SessionID:        s.sessionID,
		PartnerConnected: s.partnerConnected,
		Sync:             s.sync.Snapshot(),
	}
}

// CreateRoom generates a fresh room code, connects the bus to race-<code>,
// and announces role via roleConfirm. The room code itself doubles as the
// wire sessionId: both peers know it before exchanging a single message,
// so dedup tracking can start correctly from the very first roleConfirm
// instead of needing a handshake to agree on a session identifier first.
func (s *Session) CreateRoom(ctx context.Context, role Role) (string, error) {
	code, err := NewRoomCode()
	if err != nil {
		return "", err
	}
	if err := s.pair(ctx, code, role); err != nil {
		return "", err
	}
	return code, nil
}

// JoinRoom uppercases code, connects the bus, and announces role.
func (s *Session) JoinRoom(ctx context.Context, code string, role Role) error {
	normalized, err := NormalizeRoomCode(code)
	if err != nil {
		return err
	}
	return s.pair(ctx, normalized, role)
}

func (s *Session) pair(ctx context.Context, roomCode string, role Role) error {
	s.mu.Lock()
	s.roomCode = roomCode
	s.sessionID = roomCode
	s.role = role
	s.dedup = newDedup(roomCode)
	s.state = StatePairing
	s.mu.Unlock()
	s.emitState()

	if err := s.bus.Connect(ctx, ChannelName(roomCode)); err != nil {
		return err
	}
	s.unsubMsg = s.bus.SubscribeMessages(s.handleRaw)
	s.unsubState = s.bus.SubscribeState(s.handleConnectionState)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.wg.Add(1)
	go s.heartbeatLoop(runCtx)

	return s.sendRoleConfirm()
}

func (s *Session) sendRoleConfirm() error {
	header := s.nextHeader()
	msg, err := EncodeRoleConfirm(header, s.currentRole())
	if err != nil {
		return err
	}
	return s.sendMessage(msg)
}

func (s *Session) currentRole() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) nextHeader() Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return Message{SessionID: s.sessionID, SenderID: s.senderID, Seq: s.seq}
}

func (s *Session) sendMessage(msg Message) error {
	raw, err := Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.bus.Send(raw); err != nil {
		return ErrTransportUnavailable
	}
	return nil
}

func (s *Session) handleConnectionState(connected bool) {
	s.logger.Debug("bus connection state: %v", connected)
	s.events.Emit(events.EventSessionState, events.SessionStateData{
		State: s.Snapshot().State.String(), RoomCode: s.roomCodeUnsafe(), Role: string(s.currentRole()),
	})
}

func (s *Session) roomCodeUnsafe() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCode
}

func (s *Session) handleRaw(payload []byte) {
	msg, err := Unmarshal(payload)
	if err != nil {
		s.logger.Debug("dropping unparsable message: %v", err)
		return
	}

	s.mu.Lock()
	accepted := s.dedup != nil && s.dedup.accept(msg)
	s.mu.Unlock()
	if !accepted {
		return
	}
	if msg.SenderID == s.senderID {
		return
	}

	switch msg.Type {
	case MsgRoleConfirm:
		s.onRoleConfirm(msg)
	case MsgHeartbeat:
		s.onHeartbeat(msg)
	case MsgSyncPing:
		s.onSyncPing(msg)
	case MsgSyncPong:
		s.onSyncPong(msg)
	case MsgStartEvent:
		s.onStartEvent(msg)
	case MsgFinishResult:
		s.onFinishResult(msg)
	}
}

func (s *Session) onRoleConfirm(msg Message) {
	s.mu.Lock()
	s.partnerSenderID = msg.SenderID
	s.lastHeartbeatRecv = time.Now()
	shouldStartSync := s.state == StatePairing
	if shouldStartSync {
		s.state = StateSyncing
	}
	s.mu.Unlock()
	s.setPartnerConnected(true)

	s.emitState()
	if shouldStartSync {
		go s.runSyncBurst(context.Background())
	}
}

func (s *Session) onHeartbeat(msg Message) {
	s.mu.Lock()
	s.lastHeartbeatRecv = time.Now()
	s.missedHeartbeats = 0
	s.mu.Unlock()
}

// onSyncPing is the responder side: captures t2/t3 via
// clocksync.HandlePing and replies with syncPong.
func (s *Session) onSyncPing(msg Message) {
	t1, err := msg.DecodeSyncPing()
	if err != nil {
		return
	}
	t2, t3 := clocksync.HandlePing(t1)
	reply, err := EncodeSyncPong(s.nextHeader(), t1, t2, t3)
	if err != nil {
		return
	}
	_ = s.sendMessage(reply)
}

// onSyncPong is the initiator side: captures t4 on receipt and feeds the
// four-tuple into SYNC.
func (s *Session) onSyncPong(msg Message) {
	t1, t2, t3, err := msg.DecodeSyncPong()
	if err != nil {
		return
	}
	t4 := clocksync.NowNanos()
	if err := s.sync.AddSample(t1, t2, t3, t4); err != nil {
		return
	}

	status := s.sync.Status()
	s.notifySyncSubs(status)
	if !status.IsReady {
		return
	}
	s.mu.Lock()
	becameReady := s.state == StateSyncing
	if becameReady {
		s.state = StateReady
	}
	s.mu.Unlock()
	if becameReady {
		s.emitState()
	}
}

// runSyncBurst sends up to PingBurstCount syncPing messages at
// PingBurstInterval, stopping early once SYNC reports ready. It has an
// implicit timeout of roughly PingBurstCount*PingBurstInterval; if not
// ready by then, the session remains in syncing with poor quality and the
// caller may retry via StartSync.
func (s *Session) runSyncBurst(ctx context.Context) {
	ticker := time.NewTicker(clocksync.PingBurstInterval)
	defer ticker.Stop()

	for i := 0; i < clocksync.PingBurstCount; i++ {
		if s.sync.Status().IsReady {
			return
		}
		header := s.nextHeader()
		t1 := clocksync.NowNanos()
		msg, err := EncodeSyncPing(header, t1)
		if err == nil {
			_ = s.sendMessage(msg)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StartSync resets SYNC and re-runs the sync burst, for the caller to
// retry after the implicit burst timeout leaves quality at poor.
func (s *Session) StartSync(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateSyncing && s.state != StateReady {
		s.mu.Unlock()
		return ErrWrongState
	}
	s.state = StateSyncing
	s.mu.Unlock()

	s.sync.Reset()
	s.emitState()
	go s.runSyncBurst(ctx)
	return nil
}

// Arm transitions ready -> armed, readying the session for a crossing.
// Requires a confirmed partner.
func (s *Session) Arm() error {
	s.mu.Lock()
	if !s.partnerConnected {
		s.mu.Unlock()
		return ErrPartnerMissing
	}
	if s.state != StateReady {
		s.mu.Unlock()
		return ErrWrongState
	}
	s.state = StateArmed
	s.mu.Unlock()
	s.emitState()
	return nil
}

// OnCrossing is the camera-thread boundary: DET reports a crossing as
// (triggerPts, ptsSeconds, uptimeNanos). It computes tCrossLocal and runs
// the start or finish half of the pipeline depending on role and state.
func (s *Session) OnCrossing(triggerPts, ptsSeconds float64, uptimeNanos int64) error {
	tCrossLocal := uptimeNanos + int64(math.Round((triggerPts-ptsSeconds)*1e9))

	s.mu.Lock()
	role := s.role
	state := s.state
	s.mu.Unlock()

	if state != StateArmed && state != StateRunning {
		return ErrWrongState
	}

	if role == RoleStart {
		return s.onStartCrossing(tCrossLocal)
	}
	return s.onFinishCrossing(tCrossLocal)
}

func (s *Session) onStartCrossing(tCrossLocal int64) error {
	header := s.nextHeader()
	msg, err := EncodeStartEvent(header, tCrossLocal)
	if err != nil {
		return err
	}
	if err := s.sendMessage(msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.tStartLocal = tCrossLocal
	s.state = StateRunning
	s.mu.Unlock()
	s.emitState()
	return nil
}

func (s *Session) onStartEvent(msg Message) {
	tStartRemote, err := msg.DecodeStartEvent()
	if err != nil {
		return
	}
	status := s.sync.Status()

	s.mu.Lock()
	if s.state == StateFinished {
		// A startEvent arriving after our own finishResult is ignored.
		s.mu.Unlock()
		return
	}
	s.tStartLocal = clocksync.ConvertRemoteToLocal(tStartRemote, status.OffsetNanos)
	s.state = StateRunning
	s.mu.Unlock()
	s.emitState()
}

func (s *Session) onFinishCrossing(tFinishLocal int64) error {
	s.mu.Lock()
	tStartLocal := s.tStartLocal
	s.mu.Unlock()

	if !s.sync.Status().IsReady {
		return ErrSyncNotReady
	}

	var splitNanos int64
	implausible := tFinishLocal <= tStartLocal
	if !implausible {
		splitNanos = tFinishLocal - tStartLocal
	}

	uncertaintyMs := s.sync.Status().UncertaintyMs
	header := s.nextHeader()
	msg, err := EncodeFinishResult(header, splitNanos, uncertaintyMs)
	if err != nil {
		return err
	}
	if err := s.sendMessage(msg); err != nil {
		return err
	}

	s.finish(Result{
		SplitNanos: splitNanos, StartLocalNs: tStartLocal, FinishLocalNs: tFinishLocal,
		UncertaintyMs: uncertaintyMs, Implausible: implausible,
	})
	if implausible {
		return ErrImplausibleSplit
	}
	return nil
}

func (s *Session) onFinishResult(msg Message) {
	splitNanos, uncertaintyMs, err := msg.DecodeFinishResult()
	if err != nil {
		return
	}
	s.finish(Result{SplitNanos: splitNanos, UncertaintyMs: uncertaintyMs, Implausible: splitNanos == 0})
}

func (s *Session) finish(result Result) {
	s.mu.Lock()
	s.state = StateFinished
	s.result = result
	s.mu.Unlock()

	s.events.Emit(events.EventSplitResult, events.SplitResultData{
		ElapsedMs:     float64(result.SplitNanos) / 1e6,
		StartLocalNs:  result.StartLocalNs,
		FinishLocalNs: result.FinishLocalNs,
		UncertaintyMs: result.UncertaintyMs,
		Implausible:   result.Implausible,
	})
	s.emitState()
}

// Result returns the outcome of a finished session.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Reset returns to ready, clearing the last result and crossing timestamps
// but keeping pairing and sync state intact.
func (s *Session) Reset() {
	s.mu.Lock()
	s.state = StateReady
	s.tStartLocal = 0
	s.result = Result{}
	s.mu.Unlock()
	s.emitState()
}

// Abort cancels a running session; it yields finished with no result,
// surfaced as Aborted to the caller.
func (s *Session) Abort() error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateArmed {
		s.mu.Unlock()
		return ErrWrongState
	}
	s.state = StateFinished
	s.result = Result{Aborted: true}
	s.mu.Unlock()
	s.emitState()
	return ErrAborted
}

// Disconnect is idempotent: it cancels the heartbeat loop, unsubscribes
// from the bus, closes it, and resets DET-adjacent SYNC state, returning
// to idle.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	if s.unsubMsg != nil {
		s.unsubMsg()
		s.unsubMsg = nil
	}
	if s.unsubState != nil {
		s.unsubState()
		s.unsubState = nil
	}

	var err error
	if s.bus != nil {
		err = s.bus.Close()
	}
	s.sync.Reset()

	s.mu.Lock()
	s.state = StateIdle
	s.partnerSenderID = ""
	s.dedup = nil
	s.mu.Unlock()
	s.setPartnerConnected(false)
	s.emitState()
	return err
}

// heartbeatLoop sends heartbeat{} every heartbeatInterval once paired, and
// tracks missed intervals from the partner using an errgroup-style
// cancellable ticker loop.
func (s *Session) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	var eg errgroup.Group
	eg.Go(func() error {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.mu.Lock()
				paired := s.state != StateIdle && s.state != StatePairing
				missedFor := time.Since(s.lastHeartbeatRecv)
				s.mu.Unlock()
				if paired {
					header := s.nextHeader()
					if msg, err := EncodeHeartbeat(header); err == nil {
						_ = s.sendMessage(msg)
					}
					if missedFor > maxMissedHeartbeats*heartbeatInterval {
						s.setPartnerConnected(false)
					}
				}
			}
		}
	})
	_ = eg.Wait()
}

func (s *Session) emitState() {
	snap := s.Snapshot()
	s.events.Emit(events.EventSessionState, events.SessionStateData{
		State: snap.State.String(), RoomCode: snap.RoomCode, Role: string(snap.Role),
	})
	s.notifyStateSubs(snap)
}
