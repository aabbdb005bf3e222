// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package commons

import "fmt"

// Error codes surfaced to host applications. The numeric ranges mirror the
// gateway's own taxonomy so that an application can distinguish permission,
// signaling, and media failures without inspecting internals.
const (
	// ErrCodeGeneric covers unclassified failures.
	ErrCodeGeneric = 31000
	// ErrCodeSignaling covers gateway-reported protocol errors.
	ErrCodeSignaling = 31002
	// ErrCodeConnectionLost is raised when the signaling channel is confirmed
	// down while a call is active.
	ErrCodeConnectionLost = 31005
	// ErrCodeMedia covers session-description and media-path failures.
	ErrCodeMedia = 31201
	// ErrCodePermissionDenied is raised when local media acquisition is
	// refused by the platform.
	ErrCodePermissionDenied = 31208
)

// VoiceError is the structured error every fatal condition surfaces: a
// numeric code, a human message, the originating cause, and (when relevant)
// the identifier of the call it belongs to.
type VoiceError struct {
	Code    int
	Message string
	CallID  string
	Cause   error
}

func (e *VoiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("voice error %d: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("voice error %d: %s", e.Code, e.Message)
}

func (e *VoiceError) Unwrap() error { return e.Cause }

// NewVoiceError builds a VoiceError with the given code and message.
func NewVoiceError(code int, message string, cause error) *VoiceError {
	return &VoiceError{Code: code, Message: message, Cause: cause}
}

// WithCall returns a copy of the error annotated with a call identifier.
func (e *VoiceError) WithCall(callID string) *VoiceError {
	dup := *e
	dup.CallID = callID
	return &dup
}
