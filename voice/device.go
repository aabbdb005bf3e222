// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/voice-client-go/pkg/commons"
	"github.com/rapidaai/voice-client-go/pkg/configs"
	"github.com/rapidaai/voice-client-go/pkg/utils"
	"github.com/rapidaai/voice-client-go/signaling"
	"github.com/rapidaai/voice-client-go/transport"
)

const deviceSubscriberID = "device"

// SignalingStream is the protocol stream surface the device owns.
// Implemented by *signaling.Stream.
type SignalingStream interface {
	Signaler
	Register(capabilities signaling.Payload)
	Connect()
	Destroy()
	Gateway() string
	Region() string
	OnConnected(func())
	OnDisconnected(func())
	OnError(func(*commons.VoiceError))
	OnDeliveryFailure(func(string, signaling.Payload))
}

// DeviceOptions carries the device's collaborators and policy.
type DeviceOptions struct {
	Logger         commons.Logger
	Stream         SignalingStream
	MediaFactory   MediaSessionFactory
	MonitorFactory QualityMonitorFactory
	Sounds         SoundPlayer
	Publisher      EventPublisher

	EnableRinging bool
	// AllowIncomingWhileBusy surfaces a second incoming call instead of
	// rejecting it at receipt.
	AllowIncomingWhileBusy bool

	IceRestartInterval time.Duration
	DigitPacing        time.Duration
	// RingtonePreRoll bounds how long an incoming call waits for the local
	// ringtone to begin before being surfaced regardless.
	RingtonePreRoll time.Duration
}

// ConnectParams describes an outgoing call.
type ConnectParams struct {
	To    string
	Extra signaling.Payload
}

// ============================================================================
// Device
// ============================================================================

// Device is the application entry point: it owns the one signaling stream
// shared by every call, registers presence after each reconnect, fans
// incoming invitations out, and originates outgoing calls.
type Device struct {
	mu sync.Mutex

	logger    commons.Logger
	stream    SignalingStream
	mediaF    MediaSessionFactory
	monitorF  QualityMonitorFactory
	sounds    SoundPlayer
	publisher EventPublisher

	enableRinging   bool
	allowWhileBusy  bool
	iceInterval     time.Duration
	digitPacing     time.Duration
	ringtonePreRoll time.Duration

	calls map[string]*Call
	ready bool
	shut  bool

	incomingEvents emitter[*Call]
	readyEvents    emitter[struct{}]
	offlineEvents  emitter[struct{}]
	errorEvents    emitter[*commons.VoiceError]
}

// NewDevice wires a device over an already constructed signaling stream.
func NewDevice(opts DeviceOptions) *Device {
	if opts.Sounds == nil {
		opts.Sounds = NoopSoundPlayer{}
	}
	if opts.Publisher == nil {
		opts.Publisher = noopPublisher{}
	}
	if opts.RingtonePreRoll <= 0 {
		opts.RingtonePreRoll = time.Second
	}
	d := &Device{
		logger:          opts.Logger,
		stream:          opts.Stream,
		mediaF:          opts.MediaFactory,
		monitorF:        opts.MonitorFactory,
		sounds:          opts.Sounds,
		publisher:       opts.Publisher,
		enableRinging:   opts.EnableRinging,
		allowWhileBusy:  opts.AllowIncomingWhileBusy,
		iceInterval:     opts.IceRestartInterval,
		digitPacing:     opts.DigitPacing,
		ringtonePreRoll: opts.RingtonePreRoll,
		calls:           make(map[string]*Call),
	}
	d.attach()
	return d
}

// NewDeviceFromConfig builds the full stack (transport, stream, device)
// from client configuration.
func NewDeviceFromConfig(logger commons.Logger, cfg *configs.ClientConfig, opts DeviceOptions) (*Device, error) {
	endpoints := cfg.Endpoints()
	if len(endpoints) == 0 {
		return nil, errors.New("no gateway endpoints configured")
	}
	tr := transport.NewTransport(logger, endpoints,
		transport.WithConnectTimeout(cfg.ConnectTimeout),
		transport.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
		transport.WithBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		transport.WithMinStableOpen(cfg.MinStableOpen),
	)
	opts.Logger = logger
	opts.Stream = signaling.NewStream(logger, tr, cfg.Token)
	if opts.IceRestartInterval <= 0 {
		opts.IceRestartInterval = cfg.IceRestartInterval
	}
	if opts.DigitPacing <= 0 {
		opts.DigitPacing = cfg.DigitPacing
	}
	if opts.RingtonePreRoll <= 0 {
		opts.RingtonePreRoll = cfg.RingtonePreRoll
	}
	return NewDevice(opts), nil
}

func (d *Device) attach() {
	d.stream.Subscribe(signaling.MsgReady, deviceSubscriberID, d.handleReady)
	d.stream.Subscribe(signaling.MsgOffline, deviceSubscriberID, d.handleOffline)
	d.stream.Subscribe(signaling.MsgInvite, deviceSubscriberID, d.handleInvite)

	d.stream.OnConnected(func() { d.setSignalingDown(false) })
	d.stream.OnDisconnected(func() {
		d.setSignalingDown(true)
		d.mu.Lock()
		d.ready = false
		d.mu.Unlock()
	})
	d.stream.OnError(func(err *commons.VoiceError) {
		d.logger.Warnw("signaling error", "code", err.Code, "error", err)
		d.errorEvents.emit(err)
	})
	d.stream.OnDeliveryFailure(func(msgType string, _ signaling.Payload) {
		d.logger.Warnw("intent not delivered", "type", msgType)
	})
}

// Start dials the gateway. The device becomes usable once Ready reports
// true (the gateway acknowledged registration).
func (d *Device) Start() {
	d.stream.Connect()
}

// Ready reports whether the gateway has acknowledged this client.
func (d *Device) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// Gateway reports the connected gateway instance.
func (d *Device) Gateway() string { return d.stream.Gateway() }

// Region reports the connected gateway region.
func (d *Device) Region() string { return d.stream.Region() }

// ActiveCalls counts calls not yet closed.
func (d *Device) ActiveCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.State() != CallClosed {
			n++
		}
	}
	return n
}

// OnIncoming subscribes to surfaced incoming calls.
func (d *Device) OnIncoming(fn func(*Call)) func() { return d.incomingEvents.subscribe(fn) }

// OnReady subscribes to gateway registration acknowledgements.
func (d *Device) OnReady(fn func(struct{})) func() { return d.readyEvents.subscribe(fn) }

// OnOffline subscribes to gateway offline notifications.
func (d *Device) OnOffline(fn func(struct{})) func() { return d.offlineEvents.subscribe(fn) }

// OnError subscribes to device-level signaling errors.
func (d *Device) OnError(fn func(*commons.VoiceError)) func() { return d.errorEvents.subscribe(fn) }

// Connect originates an outgoing call and starts it immediately.
func (d *Device) Connect(ctx context.Context, params ConnectParams) (*Call, error) {
	d.mu.Lock()
	if d.shut {
		d.mu.Unlock()
		return nil, errors.New("device is shut down")
	}
	d.mu.Unlock()

	media, err := d.mediaF()
	if err != nil {
		return nil, commons.NewVoiceError(commons.ErrCodeMedia, "failed to create media session", err)
	}

	extra := signaling.Payload{}
	for k, v := range params.Extra {
		extra[k] = v
	}
	if params.To != "" {
		extra["to"] = params.To
	}

	call := NewOutgoingCall(d.callOptions(media, extra))
	d.register(call)

	d.publisher.Publish("connection", "outgoing", map[string]interface{}{
		"call": call.ID(), "to": params.To,
	})
	call.Accept(ctx)
	return call, nil
}

// Shutdown hangs up every active call in parallel and tears the stream
// down. The device cannot be restarted afterwards.
func (d *Device) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shut {
		d.mu.Unlock()
		return nil
	}
	d.shut = true
	active := make([]*Call, 0, len(d.calls))
	for _, c := range d.calls {
		active = append(active, c)
	}
	d.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, c := range active {
		call := c
		g.Go(func() error {
			call.Disconnect()
			return nil
		})
	}
	err := g.Wait()

	d.stream.Destroy()
	d.logger.Infow("device shut down", "calls", len(active))
	return err
}

// ============================================================================
// Inbound device signaling
// ============================================================================

func (d *Device) handleReady(p signaling.Payload) {
	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()

	// The gateway forgets presence on disconnect; re-announce capabilities
	// after every ready.
	d.stream.Register(signaling.Payload{
		"media": "audio",
		"dtmf":  true,
	})
	d.logger.Infow("gateway ready", "gateway", d.stream.Gateway(), "region", d.stream.Region())
	d.publisher.Publish("connection", "registered", map[string]interface{}{
		"gateway": d.stream.Gateway(), "region": d.stream.Region(),
	})
	d.readyEvents.emit(struct{}{})
}

func (d *Device) handleOffline(signaling.Payload) {
	d.mu.Lock()
	d.ready = false
	d.mu.Unlock()
	d.logger.Warnw("gateway offline")
	d.offlineEvents.emit(struct{}{})
}

func (d *Device) handleInvite(p signaling.Payload) {
	callsid := p.String("callsid")
	if callsid == "" {
		d.logger.Warnw("dropping invite without call identifier")
		return
	}

	d.mu.Lock()
	busy := false
	for _, c := range d.calls {
		if c.State() != CallClosed {
			busy = true
			break
		}
	}
	shut := d.shut
	d.mu.Unlock()

	if shut || (busy && !d.allowWhileBusy) {
		// Rejected at receipt; the application never sees it.
		d.logger.Infow("rejecting incoming call while busy", "call", callsid)
		d.stream.Reject(callsid)
		return
	}

	media, err := d.mediaF()
	if err != nil {
		d.logger.Errorw("failed to create media session for incoming call",
			"call", callsid, "error", err)
		d.stream.Reject(callsid)
		return
	}

	call := NewIncomingCall(d.callOptions(media, nil), p)
	d.register(call)

	d.publisher.Publish("connection", "incoming", map[string]interface{}{
		"call": callsid,
	})

	// Start the ringtone, but never hold the invitation hostage to audio:
	// surface the call once playback begins or after the pre-roll bound.
	started := make(chan struct{}, 1)
	d.sounds.PlayRingtone(started)
	utils.Go(context.Background(), func() {
		select {
		case <-started:
		case <-time.After(d.ringtonePreRoll):
		}
		if call.State() != CallClosed {
			d.incomingEvents.emit(call)
		}
	})
}

// ============================================================================
// Internals
// ============================================================================

func (d *Device) callOptions(media MediaSession, extra signaling.Payload) CallOptions {
	var monitor QualityMonitor
	if d.monitorF != nil {
		monitor = d.monitorF()
	}
	return CallOptions{
		Logger:             d.logger,
		Signaler:           d.stream,
		Media:              media,
		Monitor:            monitor,
		Sounds:             d.sounds,
		Publisher:          d.publisher,
		EnableRinging:      d.enableRinging,
		IceRestartInterval: d.iceInterval,
		DigitPacing:        d.digitPacing,
		Extra:              extra,
	}
}

func (d *Device) register(c *Call) {
	d.mu.Lock()
	d.calls[c.tempID] = c
	d.mu.Unlock()

	c.setOnTerminate(func(closed *Call) {
		d.mu.Lock()
		delete(d.calls, closed.tempID)
		d.mu.Unlock()
	})
}

func (d *Device) setSignalingDown(down bool) {
	d.mu.Lock()
	calls := make([]*Call, 0, len(d.calls))
	for _, c := range d.calls {
		calls = append(calls, c)
	}
	d.mu.Unlock()
	for _, c := range calls {
		c.SetSignalingDown(down)
	}
}
