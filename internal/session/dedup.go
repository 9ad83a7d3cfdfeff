package session

// dedup tracks the highest seq seen per senderId within the current
// sessionId, used to drop replayed or stale messages. A fresh dedup must
// be created whenever the session's sessionId changes.
type dedup struct {
	sessionID string
	lastSeq   map[string]uint64
}

func newDedup(sessionID string) *dedup {
	return &dedup{sessionID: sessionID, lastSeq: make(map[string]uint64)}
}

// accept reports whether msg should be processed: its sessionId must match
// and its seq must be strictly greater than the highest seq previously
// seen from that sender. On acceptance, the sender's high-water mark
// advances.
func (d *dedup) accept(msg Message) bool {
	if msg.SessionID != d.sessionID {
		return false
	}
	if msg.Seq <= d.lastSeq[msg.SenderID] {
		return false
	}
	d.lastSeq[msg.SenderID] = msg.Seq
	return true
}
