// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package signaling

// Version is the protocol version stamped on every outbound envelope. The
// gateway owns compatibility; this layer never negotiates.
const Version = "1.6"

// Heartbeat is the bare ping frame. It is echoed verbatim, never parsed.
const Heartbeat = "\n"

// Inbound message types consumed from the gateway.
const (
	MsgReady   = "ready"
	MsgOffline = "offline"
	MsgClose   = "close"
	MsgError   = "error"
	MsgInvite  = "invite"
	MsgCancel  = "cancel"
	MsgHangup  = "hangup"
	MsgRinging = "ringing"
	MsgAnswer  = "answer"
)

// Outbound intent types published to the gateway.
const (
	IntentListen   = "listen"
	IntentRegister = "register"
	IntentInvite   = "invite"
	IntentAnswer   = "answer"
	IntentReinvite = "reinvite"
	IntentDTMF     = "dtmf"
	IntentHangup   = "hangup"
	IntentReject   = "reject"
)

// Envelope is the wire shape of every non-heartbeat frame.
type Envelope struct {
	Type    string  `json:"type"`
	Version string  `json:"version,omitempty"`
	Payload Payload `json:"payload,omitempty"`
}

// Payload is the free-form body of an envelope.
type Payload map[string]interface{}

// String returns the payload field as a string, or "" when absent or not a
// string.
func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Sub returns a nested payload object, or nil.
func (p Payload) Sub(key string) Payload {
	if p == nil {
		return nil
	}
	if v, ok := p[key].(map[string]interface{}); ok {
		return Payload(v)
	}
	return nil
}
