// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rapidaai/voice-client-go/pkg/commons"
	"github.com/rapidaai/voice-client-go/pkg/utils"
	"github.com/rapidaai/voice-client-go/signaling"
)

// CallState is the lifecycle state of one call attempt.
type CallState int

const (
	CallPending CallState = iota
	CallConnecting
	CallRinging
	CallOpen
	CallClosed
)

func (s CallState) String() string {
	switch s {
	case CallPending:
		return "pending"
	case CallConnecting:
		return "connecting"
	case CallRinging:
		return "ringing"
	case CallOpen:
		return "open"
	default:
		return "closed"
	}
}

// Direction tags who initiated the call.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// Signaler is the slice of the protocol stream a call needs. Implemented by
// *signaling.Stream.
type Signaler interface {
	Subscribe(msgType, id string, fn func(signaling.Payload))
	Unsubscribe(msgType, id string)
	UnsubscribeAll(id string)
	Invite(callID, sdp string, extra signaling.Payload)
	Answer(callID, sdp string)
	Reinvite(callID, sdp string)
	DTMF(callID, digit string)
	Hangup(callID string)
	Reject(callID string)
}

// CallOptions carries a call's collaborators and tuning. Logger, Signaler
// and Media are mandatory; nil Monitor disables quality sensing, nil Sounds
// and Publisher fall back to no-ops.
type CallOptions struct {
	Logger    commons.Logger
	Signaler  Signaler
	Media     MediaSession
	Monitor   QualityMonitor
	Sounds    SoundPlayer
	Publisher EventPublisher

	// EnableRinging surfaces an explicit ringing state for outgoing calls.
	// When disabled, an early-media signal carrying a session description
	// is treated as an immediate answer (legacy gateway behavior).
	EnableRinging bool

	IceRestartInterval time.Duration
	DigitPacing        time.Duration

	// Extra fields merged into the outbound invite payload (e.g. "to").
	Extra signaling.Payload
}

// ============================================================================
// Call
// ============================================================================

// Call drives one call attempt from invitation through termination. It
// consumes scoped protocol events, delegates all media-plane work to its
// MediaSession, and reacts to quality warnings by looping ICE restarts
// until the media path recovers.
type Call struct {
	mu sync.Mutex

	logger    commons.Logger
	sig       Signaler
	media     MediaSession
	monitor   QualityMonitor
	sounds    SoundPlayer
	publisher EventPublisher

	// id is the gateway-assigned identifier, empty until the first signal
	// carrying one arrives; tempID stands in before that and keys this
	// call's protocol subscriptions.
	id     string
	tempID string

	direction Direction
	state     CallState

	// answered latches the accept logic so a ringing-with-SDP and a full
	// answer arriving in either order trigger it at most once.
	answered  bool
	mediaOpen bool

	enableRinging bool
	remoteSDP     string
	extra         signaling.Payload

	signalingDown bool

	iceRestartInterval time.Duration
	digitPacing        time.Duration
	// activeWarnings tracks raised no-traffic warnings; the restart loop
	// runs while this set is non-empty.
	activeWarnings map[string]bool
	restartStop    chan struct{}

	acceptEvents     emitter[*Call]
	ringingEvents    emitter[*Call]
	disconnectEvents emitter[*Call]
	errorEvents      emitter[*commons.VoiceError]

	// onTerminate lets the owning device drop the call from its registry.
	onTerminate func(*Call)
}

func newCall(opts CallOptions, direction Direction) *Call {
	if opts.Sounds == nil {
		opts.Sounds = NoopSoundPlayer{}
	}
	if opts.Publisher == nil {
		opts.Publisher = noopPublisher{}
	}
	if opts.IceRestartInterval <= 0 {
		opts.IceRestartInterval = 3 * time.Second
	}
	if opts.DigitPacing <= 0 {
		opts.DigitPacing = 200 * time.Millisecond
	}
	c := &Call{
		logger:             opts.Logger,
		sig:                opts.Signaler,
		media:              opts.Media,
		monitor:            opts.Monitor,
		sounds:             opts.Sounds,
		publisher:          opts.Publisher,
		tempID:             "TJSG" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		direction:          direction,
		state:              CallPending,
		enableRinging:      opts.EnableRinging,
		extra:              opts.Extra,
		iceRestartInterval: opts.IceRestartInterval,
		digitPacing:        opts.DigitPacing,
		activeWarnings:     make(map[string]bool),
	}
	c.attach()
	return c
}

// NewOutgoingCall builds a call the local side will originate. Accept
// starts media acquisition and publishes the invite.
func NewOutgoingCall(opts CallOptions) *Call {
	return newCall(opts, DirectionOutgoing)
}

// NewIncomingCall builds a call from an inbound invitation payload.
func NewIncomingCall(opts CallOptions, invite signaling.Payload) *Call {
	c := newCall(opts, DirectionIncoming)
	c.mu.Lock()
	c.id = invite.String("callsid")
	c.remoteSDP = invite.String("sdp")
	c.mu.Unlock()
	return c
}

// attach wires protocol subscriptions and collaborator callbacks. All
// handlers filter by this call's identifiers.
func (c *Call) attach() {
	c.sig.Subscribe(signaling.MsgAnswer, c.tempID, c.handleAnswer)
	c.sig.Subscribe(signaling.MsgRinging, c.tempID, c.handleRinging)
	c.sig.Subscribe(signaling.MsgHangup, c.tempID, c.handleHangup)
	c.sig.Subscribe(signaling.MsgCancel, c.tempID, c.handleCancel)

	c.media.SetCallbacks(MediaCallbacks{
		OnOpen:  c.handleMediaOpen,
		OnClose: c.handleMediaClose,
		OnError: c.handleMediaError,
		OnConnectionLost: func(msg string) {
			c.logger.Warnw("media connection degraded", "call", c.ID(), "detail", msg)
		},
		OnConnectionRestored: func(msg string) {
			c.logger.Infow("media connection restored", "call", c.ID(), "detail", msg)
		},
	})

	if c.monitor != nil {
		c.monitor.SetWarningHandlers(c.handleWarning, c.handleWarningCleared)
	}
}

// ID returns the gateway identifier once known, the temporary one before.
func (c *Call) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" {
		return c.id
	}
	return c.tempID
}

// State reports the current lifecycle state.
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Direction reports who initiated the call.
func (c *Call) Direction() Direction { return c.direction }

// OnAccept subscribes to the call reaching Open. Fires exactly once.
func (c *Call) OnAccept(fn func(*Call)) func() { return c.acceptEvents.subscribe(fn) }

// OnRinging subscribes to the explicit ringing transition.
func (c *Call) OnRinging(fn func(*Call)) func() { return c.ringingEvents.subscribe(fn) }

// OnDisconnect subscribes to the call reaching Closed. Fires exactly once.
func (c *Call) OnDisconnect(fn func(*Call)) func() { return c.disconnectEvents.subscribe(fn) }

// OnError subscribes to fatal call errors. Every error is paired with the
// call closing.
func (c *Call) OnError(fn func(*commons.VoiceError)) func() { return c.errorEvents.subscribe(fn) }

// SetSignalingDown tells the call whether the signaling channel is usable;
// while down, teardown paths stop publishing hangup intents.
func (c *Call) SetSignalingDown(down bool) {
	c.mu.Lock()
	c.signalingDown = down
	c.mu.Unlock()
}

func (c *Call) setOnTerminate(fn func(*Call)) {
	c.mu.Lock()
	c.onTerminate = fn
	c.mu.Unlock()
}

// ============================================================================
// Local operations
// ============================================================================

// Accept starts the call: media acquisition, then invite (outgoing) or
// answer (incoming). A call not in Pending ignores the request; that is a
// benign race with signaling, not a fault.
func (c *Call) Accept(ctx context.Context) {
	c.mu.Lock()
	if c.state != CallPending {
		c.mu.Unlock()
		return
	}
	c.state = CallConnecting
	direction := c.direction
	remoteSDP := c.remoteSDP
	c.mu.Unlock()

	c.sounds.StopRingtone()
	if c.monitor != nil {
		c.monitor.Enable(c.media)
	}

	utils.Go(ctx, func() {
		if err := c.media.OpenWithLocalMedia(ctx); err != nil {
			c.fatal(commons.NewVoiceError(commons.ErrCodePermissionDenied,
				"failed to acquire local media", err))
			return
		}
		// A hangup or cancel may have landed while media acquisition was
		// pending; its result is then discarded.
		if c.State() == CallClosed {
			return
		}

		if direction == DirectionOutgoing {
			sdp, err := c.media.MakeOutgoingOffer(ctx)
			if err != nil {
				c.fatal(commons.NewVoiceError(commons.ErrCodeMedia,
					"failed to create offer", err))
				return
			}
			if c.State() == CallClosed {
				return
			}
			c.sig.Invite(c.tempID, sdp, c.extra)
			c.logger.Infow("invite published", "call", c.tempID)
			return
		}

		sdp, err := c.media.AnswerIncomingOffer(ctx, remoteSDP)
		if err != nil {
			c.fatal(commons.NewVoiceError(commons.ErrCodeMedia,
				"failed to answer offer", err))
			return
		}
		if c.State() == CallClosed {
			return
		}
		c.sig.Answer(c.ID(), sdp)
		c.markAnswered()
	})
}

// Disconnect hangs the call up from any non-terminal state. Calling it on a
// closed call is a no-op.
func (c *Call) Disconnect() {
	c.closeInternal(true, nil)
}

// Ignore silently dismisses a pending incoming call without signaling the
// gateway.
func (c *Call) Ignore() {
	c.mu.Lock()
	ok := c.state == CallPending && c.direction == DirectionIncoming
	c.mu.Unlock()
	if !ok {
		return
	}
	c.closeInternal(false, nil)
}

// Reject declines a pending incoming call with an explicit reject intent.
func (c *Call) Reject() {
	c.mu.Lock()
	ok := c.state == CallPending && c.direction == DirectionIncoming
	id := c.id
	c.mu.Unlock()
	if !ok {
		return
	}
	c.sig.Reject(id)
	c.closeInternal(false, nil)
}

// Mute toggles the outbound audio track. No-op once closed.
func (c *Call) Mute(muted bool) {
	if c.State() == CallClosed {
		return
	}
	c.media.Mute(muted)
}

// SendDigits plays and delivers a digit burst. The delivery path is chosen
// once per burst: the media session's native channel when available, the
// signaling dtmf intent otherwise. Digits are paced at a fixed interval.
func (c *Call) SendDigits(ctx context.Context, digits string) {
	if c.State() != CallOpen {
		return
	}
	channel := c.media.DtmfChannel()

	utils.Go(ctx, func() {
		for i, r := range digits {
			if c.State() == CallClosed {
				return
			}
			digit := string(r)
			c.sounds.PlayDigit(digit)
			if channel != nil {
				if err := channel.SendDigit(digit); err != nil {
					c.logger.Warnw("dtmf send failed", "call", c.ID(), "digit", digit, "error", err)
				}
			} else {
				c.sig.DTMF(c.ID(), digit)
			}
			if i < len(digits)-1 {
				time.Sleep(c.digitPacing)
			}
		}
	})
}

// ============================================================================
// Inbound signaling
// ============================================================================

// matchesLocked reports whether a payload addresses this call, by real or
// temporary identifier, and adopts the real identifier on first sight.
func (c *Call) matchesLocked(p signaling.Payload) bool {
	callsid := p.String("callsid")
	if callsid == "" {
		return false
	}
	if callsid == c.id || callsid == c.tempID {
		if c.id == "" && callsid != c.tempID {
			c.id = callsid
		}
		return true
	}
	// An outgoing call learns its real identifier from the first response
	// to its invite; until then any response correlated to the temporary
	// identifier field claims it.
	if c.id == "" && p.String("tempcallsid") == c.tempID {
		c.id = callsid
		return true
	}
	return false
}

func (c *Call) handleAnswer(p signaling.Payload) {
	c.mu.Lock()
	if !c.matchesLocked(p) || c.state == CallClosed || c.answered {
		c.mu.Unlock()
		return
	}
	// Latch before the asynchronous apply: a duplicate answer or a racing
	// early-media frame must not start a second apply while the first is
	// still in flight.
	c.answered = true
	sdp := p.String("sdp")
	c.mu.Unlock()

	c.logger.Debugw("answer received", "call", c.ID())
	c.applyRemoteAnswer(sdp)
}

func (c *Call) handleRinging(p signaling.Payload) {
	c.mu.Lock()
	if !c.matchesLocked(p) || c.state != CallConnecting {
		c.mu.Unlock()
		return
	}
	sdp := p.String("sdp")
	if c.enableRinging {
		c.state = CallRinging
		c.mu.Unlock()
		c.logger.Infow("remote ringing", "call", c.ID())
		c.ringingEvents.emit(c)
		return
	}
	if sdp == "" || c.answered {
		c.mu.Unlock()
		return
	}
	c.answered = true
	c.mu.Unlock()

	// Without an explicit ringing state, early media with a session
	// description is an immediate answer.
	c.logger.Debugw("early media treated as answer", "call", c.ID())
	c.applyRemoteAnswer(sdp)
}

// applyRemoteAnswer applies the far end's session description. The caller
// has already latched the answered flag; a failed apply rolls it back
// before tearing the call down.
func (c *Call) applyRemoteAnswer(sdp string) {
	utils.Go(context.Background(), func() {
		if err := c.media.ApplyRemoteAnswer(context.Background(), sdp); err != nil {
			c.mu.Lock()
			c.answered = false
			c.mu.Unlock()
			c.fatal(commons.NewVoiceError(commons.ErrCodeMedia,
				"failed to apply remote description", err))
			return
		}
		if c.State() == CallClosed {
			return
		}
		c.publisher.Publish("connection", "accepted-by-remote", map[string]interface{}{
			"call": c.ID(),
		})
		c.maybeOpen()
	})
}

func (c *Call) handleHangup(p signaling.Payload) {
	c.mu.Lock()
	if !c.matchesLocked(p) || c.state == CallClosed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var cause *commons.VoiceError
	if errMsg := p.String("error"); errMsg != "" {
		cause = commons.NewVoiceError(commons.ErrCodeSignaling, errMsg, nil).WithCall(c.ID())
	}
	c.logger.Infow("remote hangup", "call", c.ID())
	c.closeInternal(false, cause)
}

func (c *Call) handleCancel(p signaling.Payload) {
	c.mu.Lock()
	if !c.matchesLocked(p) || c.state != CallPending {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Infow("remote cancel", "call", c.ID())
	c.closeInternal(false, nil)
}

// ============================================================================
// Media callbacks
// ============================================================================

func (c *Call) handleMediaOpen() {
	c.mu.Lock()
	c.mediaOpen = true
	c.mu.Unlock()
	c.maybeOpen()
}

func (c *Call) handleMediaClose() {
	if c.State() == CallClosed {
		return
	}
	c.logger.Infow("media session closed", "call", c.ID())
	c.closeInternal(true, nil)
}

func (c *Call) handleMediaError(me MediaError) {
	code := me.Code
	if code == 0 {
		code = commons.ErrCodeMedia
	}
	if me.SignalingDisconnected {
		code = commons.ErrCodeConnectionLost
	}
	verr := commons.NewVoiceError(code, me.Message, me.Cause).WithCall(c.ID())

	// With the signaling channel confirmed down there is nowhere to send a
	// hangup intent.
	c.closeInternal(!me.SignalingDisconnected, verr)
}

// markAnswered runs the answered transition at most once and attempts the
// open transition; media readiness and the answer race freely.
func (c *Call) markAnswered() {
	c.mu.Lock()
	if c.answered || c.state == CallClosed {
		c.mu.Unlock()
		return
	}
	c.answered = true
	c.mu.Unlock()
	c.maybeOpen()
}

// maybeOpen transitions to Open once the call is both answered and has an
// open media channel, in whichever order those happened.
func (c *Call) maybeOpen() {
	c.mu.Lock()
	if c.state != CallConnecting && c.state != CallRinging {
		c.mu.Unlock()
		return
	}
	if !c.answered || !c.mediaOpen {
		c.mu.Unlock()
		return
	}
	c.state = CallOpen
	c.mu.Unlock()

	c.sounds.StopRingtone()
	c.logger.Infow("call open", "call", c.ID(), "direction", c.direction)
	c.acceptEvents.emit(c)
}

// ============================================================================
// Quality warnings and ICE restart
// ============================================================================

func (c *Call) handleWarning(w Warning) {
	if w.Threshold != ThresholdMin {
		return
	}
	if w.Name != StatBytesSent && w.Name != StatBytesReceived {
		return
	}

	c.mu.Lock()
	if c.state != CallOpen {
		c.mu.Unlock()
		return
	}
	c.activeWarnings[w.Name] = true
	if c.restartStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.restartStop = stop
	c.mu.Unlock()

	c.logger.Warnw("media path stalled, starting ice restart loop",
		"call", c.ID(), "stat", w.Name)
	c.publisher.Publish("quality", "ice-restart", map[string]interface{}{
		"call": c.ID(), "stat": w.Name,
	})
	utils.Go(context.Background(), func() { c.restartLoop(stop) })
}

func (c *Call) handleWarningCleared(w Warning) {
	c.mu.Lock()
	delete(c.activeWarnings, w.Name)
	done := len(c.activeWarnings) == 0
	stop := c.restartStop
	if done {
		c.restartStop = nil
	}
	c.mu.Unlock()

	if done && stop != nil {
		close(stop)
		c.logger.Infow("media path recovered, stopping ice restart loop", "call", c.ID())
	}
}

// restartLoop retries ICE restarts at a fixed interval until stopped by a
// cleared warning or call teardown.
func (c *Call) restartLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.iceRestartInterval)
	defer ticker.Stop()

	c.attemptIceRestart()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.attemptIceRestart()
		}
	}
}

func (c *Call) attemptIceRestart() {
	if c.State() != CallOpen {
		return
	}
	sdp, err := c.media.RestartIce(context.Background())
	if err != nil {
		c.logger.Warnw("ice restart attempt failed", "call", c.ID(), "error", err)
		return
	}
	if c.State() != CallOpen {
		return
	}
	c.sig.Reinvite(c.ID(), sdp)
}

// ============================================================================
// Teardown
// ============================================================================

// fatal closes the call because of an unrecoverable failure.
func (c *Call) fatal(err *commons.VoiceError) {
	c.closeInternal(true, err.WithCall(c.ID()))
}

// closeInternal is the single terminal transition. It runs at most once;
// later callers observe Closed and return immediately.
func (c *Call) closeInternal(sendHangup bool, cause *commons.VoiceError) {
	c.mu.Lock()
	if c.state == CallClosed {
		c.mu.Unlock()
		return
	}
	c.state = CallClosed
	suppress := c.signalingDown
	stop := c.restartStop
	c.restartStop = nil
	c.activeWarnings = make(map[string]bool)
	id := c.id
	if id == "" {
		id = c.tempID
	}
	onTerminate := c.onTerminate
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	c.sounds.StopRingtone()
	if c.monitor != nil {
		c.monitor.Disable()
	}
	c.media.Close()

	if sendHangup && !suppress {
		c.sig.Hangup(id)
	}

	if cause != nil {
		c.logger.Errorw("call failed", "call", id, "code", cause.Code, "error", cause)
		c.publisher.Publish("connection", "error", map[string]interface{}{
			"call": id, "code": cause.Code, "message": cause.Message,
		})
		c.errorEvents.emit(cause)
	}

	c.logger.Infow("call closed", "call", id)
	c.disconnectEvents.emit(c)

	// Detach listeners now, and once more on the next tick: an error
	// handler can trigger this teardown while the dispatch that needs
	// those listeners is still on the stack.
	c.sig.UnsubscribeAll(c.tempID)
	utils.Go(context.Background(), func() {
		c.sig.UnsubscribeAll(c.tempID)
		c.acceptEvents.clear()
		c.ringingEvents.clear()
		c.disconnectEvents.clear()
		c.errorEvents.clear()
	})

	if onTerminate != nil {
		onTerminate(c)
	}
}
