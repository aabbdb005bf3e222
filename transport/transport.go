// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/voice-client-go/pkg/commons"
	"github.com/rapidaai/voice-client-go/pkg/utils"
)

// State is the transport lifecycle state.
type State int

const (
	// StateConnecting covers dialing and waiting for the next retry.
	StateConnecting State = iota
	// StateOpen means the socket is usable for sends.
	StateOpen
	// StateClosed is both "not started" and, once Close is called, terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ============================================================================
// Transport
// ============================================================================

// Transport owns exactly one websocket to one of an ordered list of candidate
// gateway endpoints. It reconnects forever on failure (backoff + endpoint
// rotation) until Close is called. Disconnection is not an error condition
// here: it is reported through the OnError callback for observability and
// retried automatically.
type Transport struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	logger    commons.Logger
	endpoints []string
	index     int

	conn   *websocket.Conn
	state  State
	closed bool
	// gen invalidates callbacks from sockets that have already been torn
	// down; every dial and every teardown bumps it.
	gen uint64

	connectTimeout   time.Duration
	heartbeatTimeout time.Duration
	minStableOpen    time.Duration
	backoff          *Backoff

	openedAt time.Time
	// shouldFallback is set once a failure has been observed since the last
	// successful open; the next failure then rotates the endpoint instead of
	// giving it another chance.
	shouldFallback bool

	heartbeatTimer *time.Timer
	reconnectTimer *time.Timer

	onOpen    func()
	onMessage func(string)
	onClose   func()
	onError   func(error)
}

// Option configures a Transport.
type Option func(*Transport)

// WithConnectTimeout bounds each dial attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) { t.connectTimeout = d }
}

// WithHeartbeatTimeout sets how long the transport tolerates silence before
// presuming the socket dead.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(t *Transport) { t.heartbeatTimeout = d }
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(t *Transport) {
		t.backoff = NewBackoff(initial, max, 2, 0.25, len(t.endpoints) > 1)
	}
}

// WithMinStableOpen sets the minimum open duration after which the backoff
// schedule resets.
func WithMinStableOpen(d time.Duration) Option {
	return func(t *Transport) { t.minStableOpen = d }
}

// NewTransport builds a transport over the given ordered endpoint list.
func NewTransport(logger commons.Logger, endpoints []string, opts ...Option) *Transport {
	t := &Transport{
		logger:           logger,
		endpoints:        endpoints,
		state:            StateClosed,
		connectTimeout:   10 * time.Second,
		heartbeatTimeout: 35 * time.Second,
		minStableOpen:    10 * time.Second,
	}
	t.backoff = NewBackoff(time.Second, 30*time.Second, 2, 0.25, len(endpoints) > 1)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnOpen registers the socket-usable callback.
func (t *Transport) OnOpen(fn func()) { t.mu.Lock(); t.onOpen = fn; t.mu.Unlock() }

// OnMessage registers the inbound text frame callback.
func (t *Transport) OnMessage(fn func(string)) { t.mu.Lock(); t.onMessage = fn; t.mu.Unlock() }

// OnClose registers the callback fired each time the socket drops.
func (t *Transport) OnClose(fn func()) { t.mu.Lock(); t.onClose = fn; t.mu.Unlock() }

// OnError registers the recoverable-error observability callback.
func (t *Transport) OnError(fn func(error)) { t.mu.Lock(); t.onError = fn; t.mu.Unlock() }

// State reports the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CurrentEndpoint reports the endpoint the transport is using or will try
// next.
func (t *Transport) CurrentEndpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoints[t.index]
}

// Open begins connecting if not already connecting or open. Idempotent; a
// no-op after Close.
func (t *Transport) Open() {
	t.mu.Lock()
	if t.closed || t.state != StateClosed {
		t.mu.Unlock()
		return
	}
	t.connectLocked()
	t.mu.Unlock()
}

// Send writes one text frame. It reports false when the socket is not open
// or the write fails; the caller owns queuing and retries.
func (t *Transport) Send(message string) bool {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	t.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, []byte(message))
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Warnw("transport write failed", "error", err)
		return false
	}
	return true
}

// Close shuts the transport down permanently: no further reconnection.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.state = StateClosed
	t.gen++
	t.stopTimersLocked()
	conn := t.conn
	t.conn = nil
	onClose := t.onClose
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	if onClose != nil {
		onClose()
	}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// connectLocked starts one dial attempt. Caller holds t.mu.
func (t *Transport) connectLocked() {
	t.state = StateConnecting
	t.gen++
	gen := t.gen
	endpoint := t.endpoints[t.index]

	utils.Go(context.Background(), func() {
		t.dial(gen, endpoint)
	})
}

func (t *Transport) dial(gen uint64, endpoint string) {
	t.logger.Debugw("dialing gateway", "endpoint", endpoint)

	ctx, cancel := context.WithTimeout(context.Background(), t.connectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: t.connectTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		t.handleDisconnect(gen, fmt.Errorf("dial %s: %w", endpoint, err))
		return
	}

	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.state = StateOpen
	t.openedAt = time.Now()
	t.shouldFallback = false
	t.heartbeatTimer = time.AfterFunc(t.heartbeatTimeout, func() {
		t.heartbeatExpired(gen)
	})
	onOpen := t.onOpen
	t.mu.Unlock()

	t.logger.Infow("gateway connection open", "endpoint", endpoint)
	if onOpen != nil {
		onOpen()
	}

	t.readLoop(gen, conn)
}

func (t *Transport) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(gen, fmt.Errorf("read: %w", err))
			return
		}

		t.mu.Lock()
		if t.closed || gen != t.gen {
			t.mu.Unlock()
			return
		}
		// Any inbound traffic, pings included, proves liveness.
		if t.heartbeatTimer != nil {
			t.heartbeatTimer.Reset(t.heartbeatTimeout)
		}
		onMessage := t.onMessage
		t.mu.Unlock()

		if onMessage != nil {
			onMessage(string(data))
		}
	}
}

// heartbeatExpired force-closes a silent socket; the read loop then reports
// the disconnect through the usual path.
func (t *Transport) heartbeatExpired(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen || t.conn == nil {
		t.mu.Unlock()
		return
	}
	t.shouldFallback = true
	conn := t.conn
	t.mu.Unlock()

	t.logger.Warnw("heartbeat timeout, presuming socket dead",
		"endpoint", t.CurrentEndpoint(), "timeout", t.heartbeatTimeout)
	_ = conn.Close()
}

// handleDisconnect is the single teardown path for dial failures, read
// failures and heartbeat force-closes. It decides endpoint rotation, resets
// or advances the backoff, and schedules the next attempt.
func (t *Transport) handleDisconnect(gen uint64, cause error) {
	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.gen++

	prevState := t.state
	wasOpen := prevState == StateOpen
	openFor := time.Duration(0)
	if wasOpen {
		openFor = time.Since(t.openedAt)
	}

	t.stopTimersLocked()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}

	// Rotate unless this endpoint just had a healthy session and this is
	// its first failure since then; a flaky-but-viable endpoint gets one
	// more chance before fallback.
	if t.shouldFallback || !wasOpen {
		t.index = (t.index + 1) % len(t.endpoints)
		t.shouldFallback = false
	} else {
		t.shouldFallback = true
	}

	if wasOpen && openFor >= t.minStableOpen {
		t.backoff.Reset()
	}

	t.state = StateConnecting
	delay := t.backoff.Next()
	t.reconnectTimer = time.AfterFunc(delay, t.retry)

	next := t.endpoints[t.index]
	onClose := t.onClose
	onError := t.onError
	t.mu.Unlock()

	t.logger.Warnw("gateway connection lost",
		"cause", cause, "wasOpen", wasOpen, "next", next, "retryIn", delay)
	if wasOpen && onClose != nil {
		onClose()
	}
	if onError != nil {
		onError(cause)
	}
}

func (t *Transport) retry() {
	t.mu.Lock()
	if t.closed || t.state != StateConnecting {
		t.mu.Unlock()
		return
	}
	t.connectLocked()
	t.mu.Unlock()
}

// stopTimersLocked cancels every pending timer. Caller holds t.mu.
func (t *Transport) stopTimersLocked() {
	if t.heartbeatTimer != nil {
		t.heartbeatTimer.Stop()
		t.heartbeatTimer = nil
	}
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}
