// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice

import "context"

// MediaError describes a fatal media-plane failure. SignalingDisconnected
// marks the case where the signaling channel itself is confirmed down, in
// which case the call must not attempt to publish a hangup.
type MediaError struct {
	Code                  int
	Message               string
	Cause                 error
	SignalingDisconnected bool
}

// MediaCallbacks are the media session's lifecycle notifications into the
// call. All callbacks may fire on arbitrary goroutines.
type MediaCallbacks struct {
	OnOpen               func()
	OnClose              func()
	OnError              func(MediaError)
	OnConnectionLost     func(message string)
	OnConnectionRestored func(message string)
}

// DTMFChannel is a native out-of-band digit path offered by the media
// session, preferred over the signaling channel when available.
type DTMFChannel interface {
	SendDigit(digit string) error
}

// MediaSession is the media-plane collaborator a call drives. The shipped
// implementation lives in the webrtc package; tests use a scripted fake.
type MediaSession interface {
	// OpenWithLocalMedia acquires local audio and prepares the session.
	OpenWithLocalMedia(ctx context.Context) error
	// MakeOutgoingOffer creates the local session description for an
	// outgoing call.
	MakeOutgoingOffer(ctx context.Context) (sdp string, err error)
	// AnswerIncomingOffer applies the remote offer and returns the local
	// answer.
	AnswerIncomingOffer(ctx context.Context, remoteSDP string) (sdp string, err error)
	// ApplyRemoteAnswer applies the far end's answer to our offer.
	ApplyRemoteAnswer(ctx context.Context, sdp string) error
	// RestartIce renegotiates the transport and returns the refreshed local
	// session description.
	RestartIce(ctx context.Context) (sdp string, err error)
	Mute(muted bool)
	Close()
	// DtmfChannel returns the native digit path, or nil when the session
	// does not offer one.
	DtmfChannel() DTMFChannel
	SetCallbacks(cb MediaCallbacks)
}

// MediaSessionFactory builds one media session per call attempt.
type MediaSessionFactory func() (MediaSession, error)
