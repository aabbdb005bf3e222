// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voice-client-go/signaling"
)

func newTestDevice(t *testing.T, sig *fakeSignaler, media *fakeMedia) *Device {
	t.Helper()
	return NewDevice(DeviceOptions{
		Logger:          callTestLogger(t),
		Stream:          sig,
		MediaFactory:    func() (MediaSession, error) { return media, nil },
		RingtonePreRoll: 10 * time.Millisecond,
		DigitPacing:     time.Millisecond,
	})
}

func TestDeviceRegistersPresenceOnReady(t *testing.T) {
	sig := newFakeSignaler()
	d := newTestDevice(t, sig, &fakeMedia{})

	var readies int
	d.OnReady(func(struct{}) { readies++ })

	require.False(t, d.Ready())
	sig.dispatch(signaling.MsgReady, signaling.Payload{})

	assert.True(t, d.Ready())
	assert.Equal(t, 1, readies)
	require.Len(t, sig.sent(signaling.IntentRegister), 1, "presence announced after ready")

	// The gateway forgets registration across reconnects.
	sig.dispatch(signaling.MsgOffline, signaling.Payload{})
	assert.False(t, d.Ready())
	sig.dispatch(signaling.MsgReady, signaling.Payload{})
	assert.Len(t, sig.sent(signaling.IntentRegister), 2)
}

func TestDeviceSurfacesIncomingCall(t *testing.T) {
	sig := newFakeSignaler()
	d := newTestDevice(t, sig, &fakeMedia{})

	incoming := make(chan *Call, 1)
	d.OnIncoming(func(c *Call) { incoming <- c })

	sig.dispatch(signaling.MsgInvite, signaling.Payload{"callsid": "CA7", "sdp": "v=0"})

	select {
	case c := <-incoming:
		assert.Equal(t, "CA7", c.ID())
		assert.Equal(t, CallPending, c.State())
		assert.Equal(t, DirectionIncoming, c.Direction())
	case <-time.After(5 * time.Second):
		t.Fatal("incoming call never surfaced")
	}
	assert.Equal(t, 1, d.ActiveCalls())
}

func TestDeviceRejectsIncomingWhileBusy(t *testing.T) {
	sig := newFakeSignaler()
	media := &fakeMedia{}
	d := newTestDevice(t, sig, media)

	incoming := make(chan *Call, 2)
	d.OnIncoming(func(c *Call) { incoming <- c })

	sig.dispatch(signaling.MsgInvite, signaling.Payload{"callsid": "CA1", "sdp": "v=0"})
	select {
	case <-incoming:
	case <-time.After(5 * time.Second):
		t.Fatal("first call never surfaced")
	}

	// A second invitation while the first is still pending.
	sig.dispatch(signaling.MsgInvite, signaling.Payload{"callsid": "CA2", "sdp": "v=0"})

	require.Len(t, sig.sent(signaling.IntentReject), 1, "busy invitation rejected at receipt")
	assert.Equal(t, "CA2", sig.sent(signaling.IntentReject)[0].callID)

	select {
	case c := <-incoming:
		t.Fatalf("busy invitation %s must not be surfaced", c.ID())
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, d.ActiveCalls())
}

func TestDeviceAllowsIncomingWhileBusyWhenConfigured(t *testing.T) {
	sig := newFakeSignaler()
	media := &fakeMedia{}
	d := NewDevice(DeviceOptions{
		Logger:                 callTestLogger(t),
		Stream:                 sig,
		MediaFactory:           func() (MediaSession, error) { return media, nil },
		AllowIncomingWhileBusy: true,
		RingtonePreRoll:        10 * time.Millisecond,
	})

	var mu sync.Mutex
	var surfaced []string
	d.OnIncoming(func(c *Call) {
		mu.Lock()
		surfaced = append(surfaced, c.ID())
		mu.Unlock()
	})

	sig.dispatch(signaling.MsgInvite, signaling.Payload{"callsid": "CA1", "sdp": "v=0"})
	sig.dispatch(signaling.MsgInvite, signaling.Payload{"callsid": "CA2", "sdp": "v=0"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(surfaced) == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, sig.sent(signaling.IntentReject))
	assert.Equal(t, 2, d.ActiveCalls())
}

func TestDeviceOutgoingConnect(t *testing.T) {
	sig := newFakeSignaler()
	media := &fakeMedia{}
	d := newTestDevice(t, sig, media)

	call, err := d.Connect(context.Background(), ConnectParams{To: "+15550100"})
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, 1, d.ActiveCalls())

	eventually(t, func() bool { return len(sig.sent(signaling.IntentInvite)) == 1 }, "invite published")
	invite := sig.sent(signaling.IntentInvite)[0]
	assert.Equal(t, "+15550100", invite.payload.String("to"))
}

func TestDeviceRegistryDropsTerminatedCalls(t *testing.T) {
	sig := newFakeSignaler()
	media := &fakeMedia{}
	d := newTestDevice(t, sig, media)

	call, err := d.Connect(context.Background(), ConnectParams{To: "+15550100"})
	require.NoError(t, err)
	require.Equal(t, 1, d.ActiveCalls())

	call.Disconnect()
	assert.Equal(t, 0, d.ActiveCalls())
}

func TestDeviceHangupForOneCallLeavesOthersAlone(t *testing.T) {
	sig := newFakeSignaler()
	d := NewDevice(DeviceOptions{
		Logger:                 callTestLogger(t),
		Stream:                 sig,
		MediaFactory:           func() (MediaSession, error) { return &fakeMedia{}, nil },
		AllowIncomingWhileBusy: true,
		RingtonePreRoll:        10 * time.Millisecond,
	})

	var mu sync.Mutex
	calls := map[string]*Call{}
	d.OnIncoming(func(c *Call) {
		mu.Lock()
		calls[c.ID()] = c
		mu.Unlock()
	})

	sig.dispatch(signaling.MsgInvite, signaling.Payload{"callsid": "CA-a", "sdp": "v=0"})
	sig.dispatch(signaling.MsgInvite, signaling.Payload{"callsid": "CA-b", "sdp": "v=0"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, 5*time.Second, 5*time.Millisecond)

	sig.dispatch(signaling.MsgHangup, signaling.Payload{"callsid": "CA-a"})

	mu.Lock()
	a, b := calls["CA-a"], calls["CA-b"]
	mu.Unlock()
	assert.Equal(t, CallClosed, a.State())
	assert.Equal(t, CallPending, b.State(), "hangup for one call must not touch another")
}

func TestDeviceShutdownHangsUpEverything(t *testing.T) {
	sig := newFakeSignaler()
	media := &fakeMedia{}
	d := newTestDevice(t, sig, media)

	call, err := d.Connect(context.Background(), ConnectParams{To: "+15550100"})
	require.NoError(t, err)

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, CallClosed, call.State())
	assert.Equal(t, 0, d.ActiveCalls())

	sig.mu.Lock()
	destroyed := sig.destroyed
	sig.mu.Unlock()
	assert.True(t, destroyed, "stream torn down with the device")

	_, err = d.Connect(context.Background(), ConnectParams{To: "+15550101"})
	assert.Error(t, err, "no new calls after shutdown")
}

func TestDeviceMarksCallsWhenSignalingDrops(t *testing.T) {
	sig := newFakeSignaler()
	media := &fakeMedia{}
	d := newTestDevice(t, sig, media)

	call, err := d.Connect(context.Background(), ConnectParams{To: "+15550100"})
	require.NoError(t, err)

	require.NotNil(t, sig.onDisconnected)
	sig.onDisconnected()

	call.Disconnect()
	assert.Equal(t, CallClosed, call.State())
	assert.Empty(t, sig.sent(signaling.IntentHangup),
		"hangup suppressed while the signaling channel is down")
}
