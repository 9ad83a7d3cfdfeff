package session

import (
	"context"
	"sync"
)

// loopbackHub fans out messages sent on a channel to every connected
// loopbackBus subscribed to it, in-process. Used by tests and by a local
// two-device demo where no real relay server is available.
type loopbackHub struct {
	mu       sync.Mutex
	channels map[string][]*loopbackBus
}

func newLoopbackHub() *loopbackHub {
	return &loopbackHub{channels: make(map[string][]*loopbackBus)}
}

func (h *loopbackHub) join(channel string, b *loopbackBus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels[channel] = append(h.channels[channel], b)
}

func (h *loopbackHub) leave(channel string, b *loopbackBus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.channels[channel]
	for i, p := range peers {
		if p == b {
			h.channels[channel] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
}

func (h *loopbackHub) broadcast(channel string, from *loopbackBus, payload []byte) {
	h.mu.Lock()
	peers := make([]*loopbackBus, len(h.channels[channel]))
	copy(peers, h.channels[channel])
	h.mu.Unlock()

	for _, p := range peers {
		if p == from {
			continue
		}
		p.deliver(payload)
	}
}

// defaultLoopbackHub is shared by loopbackBus instances created via
// NewLoopbackBus, so independently constructed buses on the same channel
// still reach each other — mirroring how two devices reach the same relay
// channel over a real network.
var defaultLoopbackHub = newLoopbackHub()

// loopbackBus is an in-process Bus implementation: no network I/O, message
// delivery is synchronous fan-out through a shared hub.
type loopbackBus struct {
	hub     *loopbackHub
	mu      sync.Mutex
	channel string
	closed  bool

	msgSubs   map[int]func(payload []byte)
	stateSubs map[int]func(connected bool)
	nextSubID int
}

// NewLoopbackBus creates a Bus backed by an in-process hub instead of a
// real network connection.
func NewLoopbackBus() Bus {
	return &loopbackBus{
		hub:       defaultLoopbackHub,
		msgSubs:   make(map[int]func(payload []byte)),
		stateSubs: make(map[int]func(connected bool)),
	}
}

func (b *loopbackBus) Connect(ctx context.Context, channel string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.channel = channel
	b.mu.Unlock()

	b.hub.join(channel, b)
	b.notifyState(true)
	return nil
}

func (b *loopbackBus) Send(payload []byte) error {
	b.mu.Lock()
	channel := b.channel
	closed := b.closed
	b.mu.Unlock()
	if closed || channel == "" {
		return ErrBusNotConnected
	}
	b.hub.broadcast(channel, b, payload)
	return nil
}

func (b *loopbackBus) deliver(payload []byte) {
	b.notifyMessage(payload)
}

func (b *loopbackBus) SubscribeMessages(cb func(payload []byte)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.msgSubs[id] = cb
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.msgSubs, id)
	}
}

func (b *loopbackBus) SubscribeState(cb func(connected bool)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.stateSubs[id] = cb
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.stateSubs, id)
	}
}

func (b *loopbackBus) notifyMessage(payload []byte) {
	b.mu.Lock()
	cbs := make([]func([]byte), 0, len(b.msgSubs))
	for _, cb := range b.msgSubs {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(payload)
	}
}

func (b *loopbackBus) notifyState(connected bool) {
	b.mu.Lock()
	cbs := make([]func(bool), 0, len(b.stateSubs))
	for _, cb := range b.stateSubs {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(connected)
	}
}

func (b *loopbackBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	channel := b.channel
	b.mu.Unlock()

	if channel != "" {
		b.hub.leave(channel, b)
	}
	b.notifyState(false)
	return nil
}
