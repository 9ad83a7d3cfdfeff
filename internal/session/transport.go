package session

import "context"

// Bus is the thin adapter SESS speaks to an ordered, best-effort broadcast
// channel through. It makes no assumption about the underlying transport
// beyond per-channel ordering; delivery is not guaranteed, and senders are
// responsible for their own retransmission policy (spec leaves this
// unresolved; SESS adds none).
type Bus interface {
	Connect(ctx context.Context, channel string) error
	Send(payload []byte) error
	SubscribeMessages(cb func(payload []byte)) (unsubscribe func())
	SubscribeState(cb func(connected bool)) (unsubscribe func())
	Close() error
}
