// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package webrtc

import (
	"context"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/rapidaai/voice-client-go/pkg/commons"
	"github.com/rapidaai/voice-client-go/voice"
)

const dtmfChannelLabel = "dtmf"

// Session is the shipped voice.MediaSession: a pion peer connection with a
// single Opus audio track and a data channel for out-of-band digits.
type Session struct {
	mu sync.Mutex

	logger commons.Logger
	config pion.Configuration

	pc      *pion.PeerConnection
	track   *pion.TrackLocalStaticSample
	sender  *pion.RTPSender
	dtmf    *pion.DataChannel
	muted   bool
	closed  bool
	wasOpen bool

	callbacks voice.MediaCallbacks
}

// NewSession builds an unopened media session against the given STUN/TURN
// servers.
func NewSession(logger commons.Logger, iceServers []string) *Session {
	cfg := pion.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []pion.ICEServer{{URLs: iceServers}}
	}
	return &Session{logger: logger, config: cfg}
}

// NewSessionFactory adapts NewSession to the per-call factory the device
// expects.
func NewSessionFactory(logger commons.Logger, iceServers []string) voice.MediaSessionFactory {
	return func() (voice.MediaSession, error) {
		return NewSession(logger, iceServers), nil
	}
}

// SetCallbacks registers lifecycle notifications. Must be called before
// OpenWithLocalMedia.
func (s *Session) SetCallbacks(cb voice.MediaCallbacks) {
	s.mu.Lock()
	s.callbacks = cb
	s.mu.Unlock()
}

// OpenWithLocalMedia creates the peer connection, attaches the local audio
// track and the digit channel, and wires connection-state callbacks.
func (s *Session) OpenWithLocalMedia(ctx context.Context) error {
	pc, err := pion.NewPeerConnection(s.config)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "audio", "voice-client")
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("add audio track: %w", err)
	}

	dtmf, err := pc.CreateDataChannel(dtmfChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create dtmf channel: %w", err)
	}

	s.mu.Lock()
	s.pc = pc
	s.track = track
	s.sender = sender
	s.dtmf = dtmf
	cb := s.callbacks
	s.mu.Unlock()

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		s.handleConnectionState(state, cb)
	})
	return nil
}

func (s *Session) handleConnectionState(state pion.PeerConnectionState, cb voice.MediaCallbacks) {
	s.logger.Debugw("peer connection state", "state", state.String())

	switch state {
	case pion.PeerConnectionStateConnected:
		s.mu.Lock()
		first := !s.wasOpen
		s.wasOpen = true
		s.mu.Unlock()
		if first {
			if cb.OnOpen != nil {
				cb.OnOpen()
			}
		} else if cb.OnConnectionRestored != nil {
			cb.OnConnectionRestored("media path reconnected")
		}
	case pion.PeerConnectionStateDisconnected:
		if cb.OnConnectionLost != nil {
			cb.OnConnectionLost("media path interrupted")
		}
	case pion.PeerConnectionStateFailed:
		if cb.OnError != nil {
			cb.OnError(voice.MediaError{
				Code:    commons.ErrCodeMedia,
				Message: "peer connection failed",
			})
		}
	case pion.PeerConnectionStateClosed:
		if cb.OnClose != nil {
			cb.OnClose()
		}
	}
}

// peer returns the live peer connection, nil before open or after close.
func (s *Session) peer() *pion.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.pc
}

// MakeOutgoingOffer creates the local description for an outgoing call,
// waiting for candidate gathering so the SDP is complete.
func (s *Session) MakeOutgoingOffer(ctx context.Context) (string, error) {
	return s.createLocalDescription(ctx, func(pc *pion.PeerConnection) (pion.SessionDescription, error) {
		return pc.CreateOffer(nil)
	})
}

// AnswerIncomingOffer applies the remote offer and produces the local
// answer.
func (s *Session) AnswerIncomingOffer(ctx context.Context, remoteSDP string) (string, error) {
	pc := s.peer()
	if pc == nil {
		return "", fmt.Errorf("session not open")
	}
	if err := pc.SetRemoteDescription(pion.SessionDescription{
		Type: pion.SDPTypeOffer, SDP: remoteSDP,
	}); err != nil {
		return "", fmt.Errorf("apply remote offer: %w", err)
	}
	return s.createLocalDescription(ctx, func(pc *pion.PeerConnection) (pion.SessionDescription, error) {
		return pc.CreateAnswer(nil)
	})
}

// ApplyRemoteAnswer applies the far end's answer to our pending offer.
func (s *Session) ApplyRemoteAnswer(ctx context.Context, sdp string) error {
	pc := s.peer()
	if pc == nil {
		return fmt.Errorf("session not open")
	}
	if err := pc.SetRemoteDescription(pion.SessionDescription{
		Type: pion.SDPTypeAnswer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	return nil
}

// RestartIce renegotiates the transport and returns the refreshed local
// description for a reinvite.
func (s *Session) RestartIce(ctx context.Context) (string, error) {
	return s.createLocalDescription(ctx, func(pc *pion.PeerConnection) (pion.SessionDescription, error) {
		return pc.CreateOffer(&pion.OfferOptions{ICERestart: true})
	})
}

func (s *Session) createLocalDescription(ctx context.Context,
	create func(*pion.PeerConnection) (pion.SessionDescription, error)) (string, error) {

	pc := s.peer()
	if pc == nil {
		return "", fmt.Errorf("session not open")
	}

	desc, err := create(pc)
	if err != nil {
		return "", fmt.Errorf("create description: %w", err)
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after gathering")
	}
	return local.SDP, nil
}

// Mute detaches the outbound track from its sender; unmute reattaches it.
func (s *Session) Mute(muted bool) {
	s.mu.Lock()
	sender := s.sender
	track := s.track
	if sender == nil || s.muted == muted {
		s.mu.Unlock()
		return
	}
	s.muted = muted
	s.mu.Unlock()

	var err error
	if muted {
		err = sender.ReplaceTrack(nil)
	} else {
		err = sender.ReplaceTrack(track)
	}
	if err != nil {
		s.logger.Warnw("failed to toggle mute", "muted", muted, "error", err)
	}
}

// DtmfChannel returns the digit channel once it is open, nil before.
func (s *Session) DtmfChannel() voice.DTMFChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dtmf == nil || s.dtmf.ReadyState() != pion.DataChannelStateOpen {
		return nil
	}
	return &dtmfChannel{dc: s.dtmf}
}

// Close tears the peer connection down. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pc := s.pc
	s.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Warnw("failed to close peer connection", "error", err)
		}
	}
}

type dtmfChannel struct {
	dc *pion.DataChannel
}

func (d *dtmfChannel) SendDigit(digit string) error {
	return d.dc.SendText(digit)
}
