// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice

// SoundPlayer renders local ringtones and digit tones. Audio rendering is
// outside this SDK; NoopSoundPlayer is the default.
type SoundPlayer interface {
	// PlayRingtone starts the incoming-call sound and reports when playback
	// actually began (or immediately, for implementations with no latency).
	PlayRingtone(started chan<- struct{})
	StopRingtone()
	PlayDigit(digit string)
}

// NoopSoundPlayer renders nothing.
type NoopSoundPlayer struct{}

func (NoopSoundPlayer) PlayRingtone(started chan<- struct{}) {
	select {
	case started <- struct{}{}:
	default:
	}
}

func (NoopSoundPlayer) StopRingtone()          {}
func (NoopSoundPlayer) PlayDigit(digit string) {}
