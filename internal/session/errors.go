package session

import "errors"

// Error kinds propagated to SESS's caller, never via panics. DET and SYNC
// recover locally from malformed inputs; SESS is the layer that surfaces
// failures.
var (
	ErrWrongState         = errors.New("session: operation invalid for current state")
	ErrTransportUnavailable = errors.New("session: send attempted while disconnected")
	ErrPartnerMissing     = errors.New("session: action requires a confirmed partner")
	ErrSyncNotReady       = errors.New("session: split computation attempted before sync is ready")
	ErrImplausibleSplit   = errors.New("session: finish crossing at or before start in finish domain")
	ErrAborted            = errors.New("session: cancelled mid-run")
	ErrInvalidRoomCode    = errors.New("session: room code is not 6 characters from the room-code alphabet")
)
