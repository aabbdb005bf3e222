// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package signaling

import (
	"encoding/json"
	"runtime"
	"sync"

	"github.com/rapidaai/voice-client-go/pkg/commons"
)

// Conn is the transport surface the stream needs. *transport.Transport
// satisfies it; tests substitute a scripted fake.
type Conn interface {
	Open()
	Send(message string) bool
	Close()
	OnOpen(func())
	OnMessage(func(string))
	OnClose(func())
	OnError(func(error))
}

type queuedMessage struct {
	msgType       string
	payload       Payload
	mustRedeliver bool
}

// ============================================================================
// Stream
// ============================================================================

// Stream frames application intents as versioned envelopes over a Conn,
// fans inbound frames out as semantic events, and keeps a redelivery queue
// for intents that must survive a dropped send. One stream is shared by all
// calls in a process; subscribers filter by message type and their own
// identifier.
type Stream struct {
	mu sync.Mutex

	logger commons.Logger
	conn   Conn

	token     string
	userAgent string

	// queue holds must-redeliver intents that could not be transmitted;
	// flushed in FIFO order after every reconnect.
	queue []queuedMessage

	subscribers map[string]map[string]func(Payload)

	gateway string
	region  string
	closed  bool

	onConnected       func()
	onDisconnected    func()
	onError           func(*commons.VoiceError)
	onDeliveryFailure func(msgType string, payload Payload)
}

// NewStream builds a stream over the given connection and wires itself to
// the connection's lifecycle. Call Connect to start dialing.
func NewStream(logger commons.Logger, conn Conn, token string) *Stream {
	s := &Stream{
		logger:      logger,
		conn:        conn,
		token:       token,
		userAgent:   "voice-client-go/" + runtime.Version(),
		subscribers: make(map[string]map[string]func(Payload)),
	}
	conn.OnOpen(s.handleOpen)
	conn.OnMessage(s.handleMessage)
	conn.OnClose(s.handleClose)
	conn.OnError(s.handleTransportError)
	return s
}

// Connect starts the underlying transport.
func (s *Stream) Connect() { s.conn.Open() }

// Gateway reports the last gateway instance observed in inbound traffic.
func (s *Stream) Gateway() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gateway
}

// Region reports the last region observed in inbound traffic.
func (s *Stream) Region() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region
}

// OnConnected registers the callback fired after each successful open, once
// identity registration has been sent.
func (s *Stream) OnConnected(fn func()) { s.mu.Lock(); s.onConnected = fn; s.mu.Unlock() }

// OnDisconnected registers the callback fired when the socket drops.
func (s *Stream) OnDisconnected(fn func()) { s.mu.Lock(); s.onDisconnected = fn; s.mu.Unlock() }

// OnError registers the callback for gateway-reported protocol errors and
// transport failures.
func (s *Stream) OnError(fn func(*commons.VoiceError)) { s.mu.Lock(); s.onError = fn; s.mu.Unlock() }

// OnDeliveryFailure registers the callback fired whenever a publish could
// not be transmitted.
func (s *Stream) OnDeliveryFailure(fn func(string, Payload)) {
	s.mu.Lock()
	s.onDeliveryFailure = fn
	s.mu.Unlock()
}

// Subscribe registers a handler for a message type under a subscriber
// identifier. Re-subscribing with the same identifier replaces the handler.
func (s *Stream) Subscribe(msgType, id string, fn func(Payload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[msgType] == nil {
		s.subscribers[msgType] = make(map[string]func(Payload))
	}
	s.subscribers[msgType][id] = fn
}

// Unsubscribe removes one subscriber's handler for a message type.
func (s *Stream) Unsubscribe(msgType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs := s.subscribers[msgType]; subs != nil {
		delete(subs, id)
	}
}

// UnsubscribeAll removes every handler a subscriber registered.
func (s *Stream) UnsubscribeAll(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subs := range s.subscribers {
		delete(subs, id)
	}
}

// ============================================================================
// Outbound
// ============================================================================

// Publish serializes an envelope and hands it to the transport. A failed
// send surfaces a delivery-failure event; when mustRedeliver is set, the
// message also joins the redelivery queue for the next reconnect.
func (s *Stream) Publish(msgType string, payload Payload, mustRedeliver bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	data, err := json.Marshal(Envelope{Type: msgType, Version: Version, Payload: payload})
	if err != nil {
		s.logger.Errorw("failed to serialize envelope", "type", msgType, "error", err)
		return
	}
	if s.conn.Send(string(data)) {
		s.logger.Debugw("published", "type", msgType)
		return
	}

	s.mu.Lock()
	if mustRedeliver && !s.closed {
		s.queue = append(s.queue, queuedMessage{msgType, payload, true})
	}
	onFailure := s.onDeliveryFailure
	s.mu.Unlock()

	s.logger.Warnw("delivery failed", "type", msgType, "queued", mustRedeliver)
	if onFailure != nil {
		onFailure(msgType, payload)
	}
}

// RegisterIdentity sends the listen intent carrying the auth token and
// client metadata. The gateway forgets everything on disconnect, so this is
// re-sent automatically after every reconnect.
func (s *Stream) RegisterIdentity() {
	s.Publish(IntentListen, Payload{
		"token":     s.token,
		"useragent": s.userAgent,
	}, false)
}

// Register announces presence and media capabilities. Queued for redelivery
// because a registration lost in transit leaves the client unreachable.
func (s *Stream) Register(capabilities Payload) {
	payload := Payload{}
	for k, v := range capabilities {
		payload[k] = v
	}
	s.Publish(IntentRegister, payload, true)
}

// Invite starts an outgoing call with a local session description.
func (s *Stream) Invite(callID, sdp string, extra Payload) {
	payload := Payload{"callsid": callID, "sdp": sdp}
	for k, v := range extra {
		payload[k] = v
	}
	s.Publish(IntentInvite, payload, false)
}

// Answer accepts an incoming call with a local session description.
func (s *Stream) Answer(callID, sdp string) {
	s.Publish(IntentAnswer, Payload{"callsid": callID, "sdp": sdp}, false)
}

// Reinvite renegotiates an established call, carrying the post-ICE-restart
// session description.
func (s *Stream) Reinvite(callID, sdp string) {
	s.Publish(IntentReinvite, Payload{"callsid": callID, "sdp": sdp}, false)
}

// DTMF delivers one digit through the signaling channel.
func (s *Stream) DTMF(callID, digit string) {
	s.Publish(IntentDTMF, Payload{"callsid": callID, "dtmf": digit}, false)
}

// Hangup terminates a call. Queued for redelivery so the far end is not
// left ringing across a transient disconnect.
func (s *Stream) Hangup(callID string) {
	s.Publish(IntentHangup, Payload{"callsid": callID}, true)
}

// Reject declines an incoming call. Queued for redelivery like Hangup.
func (s *Stream) Reject(callID string) {
	s.Publish(IntentReject, Payload{"callsid": callID}, true)
}

// ============================================================================
// Inbound
// ============================================================================

func (s *Stream) handleOpen() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	pending := s.queue
	s.queue = nil
	onConnected := s.onConnected
	s.mu.Unlock()

	// FIFO flush; a message that fails again re-queues itself through the
	// ordinary Publish path.
	for _, m := range pending {
		s.Publish(m.msgType, m.payload, m.mustRedeliver)
	}

	s.RegisterIdentity()
	s.logger.Infow("signaling stream connected", "redelivered", len(pending))
	if onConnected != nil {
		onConnected()
	}
}

func (s *Stream) handleClose() {
	s.mu.Lock()
	onDisconnected := s.onDisconnected
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if onDisconnected != nil {
		onDisconnected()
	}
}

func (s *Stream) handleTransportError(err error) {
	s.mu.Lock()
	onError := s.onError
	closed := s.closed
	s.mu.Unlock()
	if closed || onError == nil {
		return
	}
	onError(commons.NewVoiceError(commons.ErrCodeConnectionLost, "gateway connection lost", err))
}

func (s *Stream) handleMessage(raw string) {
	if raw == Heartbeat {
		s.conn.Send(Heartbeat)
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Type == "" {
		// Malformed frames are dropped, never fatal.
		s.logger.Warnw("dropping malformed frame", "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if g := env.Payload.String("gateway"); g != "" {
		s.gateway = g
	}
	if r := env.Payload.String("region"); r != "" {
		s.region = r
	}
	onError := s.onError
	handlers := make([]func(Payload), 0, 4)
	for _, fn := range s.subscribers[env.Type] {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	s.logger.Debugw("received", "type", env.Type)

	if env.Type == MsgError && onError != nil {
		msg := env.Payload.String("message")
		if msg == "" {
			msg = "gateway error"
		}
		onError(commons.NewVoiceError(commons.ErrCodeSignaling, msg, nil))
	}

	for _, fn := range handlers {
		fn(env.Payload)
	}

	// An application-level close instruction from the peer: shut the whole
	// channel down, distinct from transport-level socket loss.
	if env.Type == MsgClose {
		s.Destroy()
	}
}

// Destroy permanently tears the stream and its transport down.
func (s *Stream) Destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.subscribers = make(map[string]map[string]func(Payload))
	s.mu.Unlock()

	s.conn.Close()
	s.logger.Infow("signaling stream destroyed")
}
