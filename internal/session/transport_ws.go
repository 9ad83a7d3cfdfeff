package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sondregut/trackspeed-core/internal/logging"
)

// Errors returned by the WebSocket Bus.
var (
	ErrBusNotConnected     = errors.New("session: bus not connected")
	ErrBusAlreadyConnected = errors.New("session: bus already connected")
	ErrBusClosed           = errors.New("session: bus closed")
)

// wsBus is a Bus backed by a WebSocket connection to a relay server: a
// thin adapter over an ordered, best-effort broadcast channel, the same
// shape the teacher's transport.Transport gives UDP.
type wsBus struct {
	relayURL string
	logger   *logging.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closed    bool

	msgSubs   map[int]func(payload []byte)
	stateSubs map[int]func(connected bool)
	nextSubID int
}

// NewWebSocketBus creates a Bus that relays messages through a WebSocket
// server at relayURL (e.g. "ws://relay.example.com/race"). The channel
// name is appended as a query parameter on Connect.
func NewWebSocketBus(relayURL string, logger *logging.Logger) Bus {
	if logger == nil {
		logger = logging.NewLogger(logging.LevelInfo)
	}
	return &wsBus{
		relayURL:  relayURL,
		logger:    logger,
		msgSubs:   make(map[int]func(payload []byte)),
		stateSubs: make(map[int]func(connected bool)),
	}
}

func (b *wsBus) Connect(ctx context.Context, channel string) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return ErrBusAlreadyConnected
	}
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	url := fmt.Sprintf("%s?channel=%s", b.relayURL, channel)
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return fmt.Errorf("session: websocket dial failed: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()

	b.notifyState(true)
	go b.readLoop(conn)
	return nil
}

func (b *wsBus) readLoop(conn net.Conn) {
	for {
		payload, opCode, err := wsutil.ReadServerData(conn)
		if err != nil {
			b.logger.Debug("websocket read loop ending: %v", err)
			b.mu.Lock()
			wasConnected := b.connected
			b.connected = false
			b.mu.Unlock()
			if wasConnected {
				b.notifyState(false)
			}
			return
		}
		if opCode != ws.OpText && opCode != ws.OpBinary {
			continue
		}
		b.notifyMessage(payload)
	}
}

func (b *wsBus) Send(payload []byte) error {
	b.mu.Lock()
	conn := b.conn
	connected := b.connected
	b.mu.Unlock()

	if !connected || conn == nil {
		return ErrBusNotConnected
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, payload); err != nil {
		return fmt.Errorf("session: websocket send failed: %w", err)
	}
	return nil
}

func (b *wsBus) SubscribeMessages(cb func(payload []byte)) func() {
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

func (b *wsBus) SubscribeState(cb func(connected bool)) func() {
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

func (b *wsBus) notifyMessage(payload []byte) {
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

func (b *wsBus) notifyState(connected bool) {
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

func (b *wsBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	wasConnected := b.connected
	b.connected = false
	b.mu.Unlock()

	if wasConnected {
		b.notifyState(false)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
