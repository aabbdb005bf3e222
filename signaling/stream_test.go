// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package signaling

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voice-client-go/pkg/commons"
)

// fakeConn is a scripted Conn: sends succeed only while up, and the test
// drives open/message/close events directly.
type fakeConn struct {
	mu     sync.Mutex
	up     bool
	sent   []string
	closed bool

	onOpen    func()
	onMessage func(string)
	onClose   func()
	onError   func(error)
}

func (f *fakeConn) Open() {}

func (f *fakeConn) Send(message string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return false
	}
	f.sent = append(f.sent, message)
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) OnOpen(fn func())          { f.onOpen = fn }
func (f *fakeConn) OnMessage(fn func(string)) { f.onMessage = fn }
func (f *fakeConn) OnClose(fn func())         { f.onClose = fn }
func (f *fakeConn) OnError(fn func(error))    { f.onError = fn }

func (f *fakeConn) goUp() {
	f.mu.Lock()
	f.up = true
	f.mu.Unlock()
	f.onOpen()
}

func (f *fakeConn) goDown() {
	f.mu.Lock()
	f.up = false
	f.mu.Unlock()
	f.onClose()
}

func (f *fakeConn) sentEnvelopes(t *testing.T) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.sent))
	for _, raw := range f.sent {
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(raw), &env))
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func newTestStream(t *testing.T) (*Stream, *fakeConn) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	conn := &fakeConn{}
	return NewStream(logger, conn, "tok-123"), conn
}

func TestStreamRegistersIdentityOnEveryOpen(t *testing.T) {
	_, conn := newTestStream(t)

	conn.goUp()
	envs := conn.sentEnvelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, IntentListen, envs[0].Type)
	assert.Equal(t, Version, envs[0].Version)
	assert.Equal(t, "tok-123", envs[0].Payload.String("token"))

	conn.goDown()
	conn.reset()
	conn.goUp()
	envs = conn.sentEnvelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, IntentListen, envs[0].Type, "listen must be re-sent after reconnect")
}

func TestStreamRedeliveryQueueFlushesInOrder(t *testing.T) {
	s, conn := newTestStream(t)

	// Transport down: must-redeliver intents queue, others are dropped.
	s.Hangup("CA1")
	s.Reject("CA2")
	s.Publish(IntentDTMF, Payload{"callsid": "CA1", "dtmf": "5"}, false)

	conn.goUp()
	envs := conn.sentEnvelopes(t)
	require.Len(t, envs, 3, "two queued intents plus listen")
	assert.Equal(t, IntentHangup, envs[0].Type)
	assert.Equal(t, "CA1", envs[0].Payload.String("callsid"))
	assert.Equal(t, IntentReject, envs[1].Type)
	assert.Equal(t, IntentListen, envs[2].Type, "queue flushes before identity registration")
}

func TestStreamRequeuesWhenFlushFailsAgain(t *testing.T) {
	s, conn := newTestStream(t)

	s.Hangup("CA1")

	// A pathological open where the socket dies again immediately: the
	// flush fails and the intent must survive for the next reconnect.
	conn.onOpen()
	conn.goUp()

	envs := conn.sentEnvelopes(t)
	var hangups int
	for _, env := range envs {
		if env.Type == IntentHangup {
			hangups++
		}
	}
	assert.Equal(t, 1, hangups, "re-queued intent is delivered exactly once on the next open")
}

func TestStreamDeliveryFailureEvent(t *testing.T) {
	s, _ := newTestStream(t)

	var failed []string
	s.OnDeliveryFailure(func(msgType string, _ Payload) {
		failed = append(failed, msgType)
	})

	s.Invite("TJSGx", "v=0", nil)
	assert.Equal(t, []string{IntentInvite}, failed)
}

func TestStreamHeartbeatEcho(t *testing.T) {
	_, conn := newTestStream(t)
	conn.goUp()
	conn.reset()

	conn.onMessage(Heartbeat)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.sent, 1)
	assert.Equal(t, Heartbeat, conn.sent[0], "heartbeat is echoed verbatim, not framed")
}

func TestStreamDispatchAndMetadataTracking(t *testing.T) {
	s, conn := newTestStream(t)
	conn.goUp()

	var got []Payload
	s.Subscribe(MsgInvite, "call-1", func(p Payload) { got = append(got, p) })

	frame, _ := json.Marshal(Envelope{Type: MsgInvite, Payload: Payload{
		"callsid": "CA9", "gateway": "gw-7", "region": "us1",
	}})
	conn.onMessage(string(frame))

	require.Len(t, got, 1)
	assert.Equal(t, "CA9", got[0].String("callsid"))
	assert.Equal(t, "gw-7", s.Gateway())
	assert.Equal(t, "us1", s.Region())

	s.Unsubscribe(MsgInvite, "call-1")
	conn.onMessage(string(frame))
	assert.Len(t, got, 1, "no dispatch after unsubscribe")
}

func TestStreamDropsMalformedFrames(t *testing.T) {
	s, conn := newTestStream(t)
	conn.goUp()

	called := false
	s.Subscribe(MsgReady, "d", func(Payload) { called = true })

	conn.onMessage("{not json")
	conn.onMessage(`{"payload":{}}`)
	assert.False(t, called)
}

func TestStreamGatewayErrorDecoration(t *testing.T) {
	s, conn := newTestStream(t)
	conn.goUp()

	var got *commons.VoiceError
	s.OnError(func(err *commons.VoiceError) { got = err })

	frame, _ := json.Marshal(Envelope{Type: MsgError, Payload: Payload{"message": "bad token"}})
	conn.onMessage(string(frame))

	require.NotNil(t, got)
	assert.Equal(t, commons.ErrCodeSignaling, got.Code)
	assert.Equal(t, "bad token", got.Message)
}

func TestStreamPeerCloseTearsDown(t *testing.T) {
	s, conn := newTestStream(t)
	conn.goUp()

	frame, _ := json.Marshal(Envelope{Type: MsgClose})
	conn.onMessage(string(frame))

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed, "peer close instruction shuts the transport down")

	conn.reset()
	s.Publish(IntentHangup, Payload{"callsid": "CA1"}, true)
	assert.Empty(t, conn.sentEnvelopes(t), "destroyed stream publishes nothing")
}
