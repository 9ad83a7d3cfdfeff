package session

import (
	"context"
	"testing"
	"time"

	"github.com/sondregut/trackspeed-core/test/testutil"
)

// waitForState polls a session's Snapshot until it reaches want, failing
// the test if deadline elapses first.
func waitForState(t *testing.T, s *Session, want State, deadline time.Duration) {
	t.Helper()
	if testutil.WaitFor(deadline, func() bool { return s.Snapshot().State == want }) {
		return
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, s.Snapshot().State)
}

func TestSession_PairingThroughReady(t *testing.T) {
	startSess := New(Config{Bus: NewLoopbackBus()})
	finishSess := New(Config{Bus: NewLoopbackBus()})

	ctx := context.Background()
	code, err := startSess.CreateRoom(ctx, RoleStart)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := finishSess.JoinRoom(ctx, code, RoleFinish); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	defer startSess.Disconnect()
	defer finishSess.Disconnect()

	waitForState(t, startSess, StateReady, 5*time.Second)
	waitForState(t, finishSess, StateReady, 5*time.Second)

	if !startSess.Snapshot().PartnerConnected {
		t.Fatal("start session should see partner connected once ready")
	}
	if !finishSess.Snapshot().PartnerConnected {
		t.Fatal("finish session should see partner connected once ready")
	}
	if startSess.Snapshot().SessionID != finishSess.Snapshot().SessionID {
		t.Fatal("both sides should agree on sessionId")
	}
}

func TestSession_FullRaceProducesPlausibleSplit(t *testing.T) {
	startSess := New(Config{Bus: NewLoopbackBus()})
	finishSess := New(Config{Bus: NewLoopbackBus()})

	ctx := context.Background()
	code, err := startSess.CreateRoom(ctx, RoleStart)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := finishSess.JoinRoom(ctx, code, RoleFinish); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	defer startSess.Disconnect()
	defer finishSess.Disconnect()

	waitForState(t, startSess, StateReady, 5*time.Second)
	waitForState(t, finishSess, StateReady, 5*time.Second)

	if err := startSess.Arm(); err != nil {
		t.Fatalf("start Arm: %v", err)
	}
	if err := finishSess.Arm(); err != nil {
		t.Fatalf("finish Arm: %v", err)
	}

	const tStartUptime = int64(1_000_000_000)
	if err := startSess.OnCrossing(1.0, 1.0, tStartUptime); err != nil {
		t.Fatalf("start OnCrossing: %v", err)
	}

	waitForState(t, finishSess, StateRunning, 2*time.Second)

	const tFinishUptime = int64(2_010_000_000)
	if err := finishSess.OnCrossing(2.0, 2.0, tFinishUptime); err != nil {
		t.Fatalf("finish OnCrossing: %v", err)
	}

	waitForState(t, startSess, StateFinished, 2*time.Second)
	waitForState(t, finishSess, StateFinished, 2*time.Second)

	result := finishSess.Result()
	if result.Implausible {
		t.Fatal("expected a plausible split")
	}
	// The two sessions run in the same test process, so SYNC's estimated
	// offset between them should be within a few hundred microseconds of
	// zero; the split should land close to the 1.01s uptime delta with
	// generous slack for that offset error and goroutine scheduling.
	const wantSplitNanos = tFinishUptime - tStartUptime
	const toleranceNanos = int64(5 * time.Millisecond)
	diff := result.SplitNanos - wantSplitNanos
	if diff < -toleranceNanos || diff > toleranceNanos {
		t.Fatalf("splitNanos = %d, want within %dns of %d", result.SplitNanos, toleranceNanos, wantSplitNanos)
	}

	startResult := startSess.Result()
	if startResult.Implausible {
		t.Fatal("start session's mirrored result should also be plausible")
	}
}

func TestSession_FinishBeforeStartIsImplausible(t *testing.T) {
	startSess := New(Config{Bus: NewLoopbackBus()})
	finishSess := New(Config{Bus: NewLoopbackBus()})

	ctx := context.Background()
	code, _ := startSess.CreateRoom(ctx, RoleStart)
	finishSess.JoinRoom(ctx, code, RoleFinish)
	defer startSess.Disconnect()
	defer finishSess.Disconnect()

	waitForState(t, startSess, StateReady, 5*time.Second)
	waitForState(t, finishSess, StateReady, 5*time.Second)

	startSess.Arm()
	finishSess.Arm()

	if err := startSess.OnCrossing(2.0, 2.0, 2_000_000_000); err != nil {
		t.Fatalf("start OnCrossing: %v", err)
	}
	waitForState(t, finishSess, StateRunning, 2*time.Second)

	err := finishSess.OnCrossing(1.0, 1.0, 1_000_000_000)
	if err != ErrImplausibleSplit {
		t.Fatalf("err = %v, want ErrImplausibleSplit", err)
	}
	if !finishSess.Result().Implausible {
		t.Fatal("expected Implausible to be set")
	}
	if finishSess.Result().SplitNanos != 0 {
		t.Fatalf("splitNanos = %d, want 0 for an implausible split", finishSess.Result().SplitNanos)
	}
}

func TestSession_ArmRequiresPartner(t *testing.T) {
	s := New(Config{Bus: NewLoopbackBus()})
	if err := s.Arm(); err != ErrPartnerMissing {
		t.Fatalf("err = %v, want ErrPartnerMissing", err)
	}
}

func TestSession_ArmRequiresReadyState(t *testing.T) {
	startSess := New(Config{Bus: NewLoopbackBus()})
	finishSess := New(Config{Bus: NewLoopbackBus()})
	ctx := context.Background()
	code, _ := startSess.CreateRoom(ctx, RoleStart)
	finishSess.JoinRoom(ctx, code, RoleFinish)
	defer startSess.Disconnect()
	defer finishSess.Disconnect()

	waitForState(t, startSess, StateSyncing, 2*time.Second)
	if err := startSess.Arm(); err != ErrWrongState {
		t.Fatalf("err = %v, want ErrWrongState while still syncing", err)
	}
}

func TestSession_AbortDuringRunning(t *testing.T) {
	startSess := New(Config{Bus: NewLoopbackBus()})
	finishSess := New(Config{Bus: NewLoopbackBus()})
	ctx := context.Background()
	code, _ := startSess.CreateRoom(ctx, RoleStart)
	finishSess.JoinRoom(ctx, code, RoleFinish)
	defer startSess.Disconnect()
	defer finishSess.Disconnect()

	waitForState(t, startSess, StateReady, 5*time.Second)
	waitForState(t, finishSess, StateReady, 5*time.Second)
	startSess.Arm()
	finishSess.Arm()
	startSess.OnCrossing(1.0, 1.0, 1_000_000_000)
	waitForState(t, finishSess, StateRunning, 2*time.Second)

	if err := finishSess.Abort(); err != ErrAborted {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if !finishSess.Result().Aborted {
		t.Fatal("expected Aborted to be set")
	}
	if finishSess.Snapshot().State != StateFinished {
		t.Fatalf("state = %s, want finished", finishSess.Snapshot().State)
	}
}

func TestSession_ResetReturnsToReady(t *testing.T) {
	startSess := New(Config{Bus: NewLoopbackBus()})
	finishSess := New(Config{Bus: NewLoopbackBus()})
	ctx := context.Background()
	code, _ := startSess.CreateRoom(ctx, RoleStart)
	finishSess.JoinRoom(ctx, code, RoleFinish)
	defer startSess.Disconnect()
	defer finishSess.Disconnect()

	waitForState(t, startSess, StateReady, 5*time.Second)
	startSess.Arm()
	startSess.OnCrossing(1.0, 1.0, 1_000_000_000)
	if startSess.Snapshot().State != StateRunning {
		t.Fatalf("state = %s, want running", startSess.Snapshot().State)
	}

	startSess.Reset()
	if startSess.Snapshot().State != StateReady {
		t.Fatalf("state after Reset = %s, want ready", startSess.Snapshot().State)
	}
	if startSess.Result() != (Result{}) {
		t.Fatal("expected Reset to clear the prior result")
	}
}

func TestSession_JoinRoom_RejectsInvalidCode(t *testing.T) {
	s := New(Config{Bus: NewLoopbackBus()})
	if err := s.JoinRoom(context.Background(), "bad", RoleFinish); err != ErrInvalidRoomCode {
		t.Fatalf("err = %v, want ErrInvalidRoomCode", err)
	}
}

func TestSession_DisconnectReturnsToIdle(t *testing.T) {
	startSess := New(Config{Bus: NewLoopbackBus()})
	finishSess := New(Config{Bus: NewLoopbackBus()})
	ctx := context.Background()
	code, _ := startSess.CreateRoom(ctx, RoleStart)
	finishSess.JoinRoom(ctx, code, RoleFinish)

	waitForState(t, startSess, StateReady, 5*time.Second)
	if err := startSess.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if startSess.Snapshot().State != StateIdle {
		t.Fatalf("state = %s, want idle", startSess.Snapshot().State)
	}
	if startSess.Snapshot().PartnerConnected {
		t.Fatal("expected PartnerConnected to clear on disconnect")
	}
	finishSess.Disconnect()
}
