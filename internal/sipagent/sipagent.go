// Package sipagent is the SIP controller: it owns registration, the
// keepalive heartbeat, MANSCDP query/notify dispatch, and both INVITE
// directions (platform-pulled video, device-requested audio that the
// platform pushes to the device). The
// eXosip-style single event loop this component was modeled on is
// expressed here as request/response calls guarded by a couple of
// mutexes rather than a polled event queue, since sipgo's transaction
// API already gives synchronous request/response semantics.
package sipagent

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/icholy/digest"

	"github.com/meshedge/gb28181agent/internal/audioreceiver"
	"github.com/meshedge/gb28181agent/internal/device"
	"github.com/meshedge/gb28181agent/internal/g711"
	"github.com/meshedge/gb28181agent/internal/manscdp"
	"github.com/meshedge/gb28181agent/internal/psmux"
	"github.com/meshedge/gb28181agent/internal/rtpsender"
	"github.com/meshedge/gb28181agent/internal/sdpcodec"
)

const (
	heartbeatTick       = 100 * time.Millisecond
	heartbeatTicksPer30 = 300
	requestTimeout      = 5 * time.Second
)

// Callback is how the agent reports registration outcomes, call
// lifecycle transitions and audio session transitions to the host
// application. Codes follow the custom taxonomy: 200/201 register
// success/unregister success, 1000/1001 video push start/stop,
// 2000/2001 audio receive start/stop, 4011-4022 build/send errors,
// 5001-5004 internal init errors, and any raw SIP status code on
// registration failure.
type Callback func(code int, message string)

// AudioSink receives each downstream audio frame both as raw G.711
// bytes and as decoded 16-bit linear PCM.
type AudioSink func(raw []byte, pcm []int16)

// Config carries the parameters that do not change once the agent is
// constructed.
type Config struct {
	Identity          device.Identity
	DeviceInfo        manscdp.DeviceInfo
	RegisterExpires   int
	KeepaliveInterval time.Duration
	AudioLaw          g711.Law
}

// transport is the seam between the orchestration logic in this file
// and the concrete SIP stack (transport.go, backed by sipgo). Tests
// substitute a fake to script response sequences without a socket.
type transport interface {
	Start(handlers transportHandlers) error
	Stop() error
	Register(ctx context.Context, callID string, cseq uint32, expires int, authorizationHeader string) (status int, reason, wwwAuthenticate string, err error)
	SendMessage(ctx context.Context, body []byte) (status int, reason string, err error)
	InviteAudio(ctx context.Context, subject, sdpBody string) (audioDialog, error)
}

// audioDialog is the outbound-INVITE session handle for the
// device-initiated downstream audio call.
type audioDialog interface {
	CallID() string
	WaitAnswer(ctx context.Context) (sdpAnswer string, err error)
	Ack(ctx context.Context) error
	Close() error
}

// transportHandlers are the inbound-request callbacks the transport
// invokes; Agent.Start wires its own dispatch methods into these
// before the transport begins listening.
type transportHandlers struct {
	OnMessage func(body []byte, contentType string) (status int, reason string)
	OnInvite  func(callID, sdpBody, transportProto string) (answerSDP string, status int, reason string)
	OnBye     func(callID string)
}

// Agent is the SIP controller for one device identity.
type Agent struct {
	cfg      Config
	identity device.Identity
	logger   *slog.Logger
	tr       transport
	callback Callback

	credentialBuilder func(wwwAuthenticate, method, uri string) (string, error)
	hbTicks           int

	regMu     sync.Mutex
	reg       device.Registration
	hbRunning bool
	hbStop    chan struct{}
	hbWG      sync.WaitGroup
	hbSN      atomic.Int64

	cseq atomic.Uint32

	dialogMu      sync.Mutex
	dialogs       device.DialogSet
	muxer         *psmux.Muxer
	rtpSender     *rtpsender.Sender
	audioReceiver *audioreceiver.Receiver
	audioSink     AudioSink

	// audioSetupMu serializes startDownstreamAudio end to end so that
	// two Broadcast notifies dispatched concurrently (dispatchMessage
	// runs each one on its own goroutine) build one audio session at a
	// time instead of racing two receivers/invites into a single
	// DialogSet slot.
	audioSetupMu sync.Mutex
}

// New builds an Agent around the given identity and transport. The
// transport is normally the sipgo-backed implementation from
// transport.go; tests pass a fake.
func New(cfg Config, logger *slog.Logger, tr transport, callback Callback) *Agent {
	if cfg.RegisterExpires == 0 {
		cfg.RegisterExpires = 3600
	}
	hbTicks := heartbeatTicksPer30
	if cfg.KeepaliveInterval > 0 {
		hbTicks = int(cfg.KeepaliveInterval / heartbeatTick)
		if hbTicks < 1 {
			hbTicks = 1
		}
	}
	a := &Agent{
		cfg:      cfg,
		identity: cfg.Identity,
		logger:   logger,
		tr:       tr,
		callback: callback,
		hbTicks:  hbTicks,
	}
	a.credentialBuilder = a.buildDigestAuthorization
	return a
}

// NewFromConfig builds an Agent wired to the real sipgo-backed
// transport for cfg.Identity. This is the constructor the agent
// binary uses; New itself stays exported for tests that need to
// substitute a fake transport.
func NewFromConfig(cfg Config, logger *slog.Logger, callback Callback) (*Agent, error) {
	tr, err := newSIPTransport(cfg.Identity, logger)
	if err != nil {
		return nil, fmt.Errorf("sipagent: build transport: %w", err)
	}
	return New(cfg, logger, tr, callback), nil
}

// SetAudioSink installs the callback that receives downstream audio
// frames once a Broadcast notify starts an audio session.
func (a *Agent) SetAudioSink(sink AudioSink) {
	a.audioSink = sink
}

func (a *Agent) notify(code int, message string) {
	if a.callback != nil {
		a.callback(code, message)
	}
}

func (a *Agent) nextCSeq() uint32 {
	return a.cseq.Add(1)
}

// Start begins listening for inbound SIP requests and performs the
// initial registration.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.tr.Start(transportHandlers{
		OnMessage: a.handleInboundMessage,
		OnInvite:  a.handleUpstreamInvite,
		OnBye:     a.handleBye,
	}); err != nil {
		return fmt.Errorf("sipagent: start transport: %w", err)
	}
	return a.doRegister(ctx, false)
}

// Stop unregisters (best-effort), stops the heartbeat and tears down
// the transport.
func (a *Agent) Stop(ctx context.Context) {
	_ = a.doRegister(ctx, true)
	a.regMu.Lock()
	a.stopHeartbeatLocked()
	a.regMu.Unlock()
	a.dialogMu.Lock()
	if a.rtpSender != nil {
		a.rtpSender.Close()
	}
	if a.audioReceiver != nil {
		a.audioReceiver.Stop()
	}
	a.dialogMu.Unlock()
	if err := a.tr.Stop(); err != nil {
		a.logger.Warn("transport stop failed", "err", err)
	}
}

// doRegister runs one register/unregister exchange, retrying once
// with digest credentials on a 401/407 challenge.
func (a *Agent) doRegister(ctx context.Context, unregister bool) error {
	a.regMu.Lock()
	defer a.regMu.Unlock()

	expires := a.cfg.RegisterExpires
	if unregister {
		expires = 0
	}
	callID := a.reg.RegistrationID
	if callID == "" {
		callID = newCallID()
	}

	status, reason, wwwAuth, err := a.tr.Register(ctx, callID, a.nextCSeq(), expires, "")
	if err != nil {
		a.reg.Failed()
		a.notify(5002, fmt.Sprintf("sipagent: register send failed: %v", err))
		return err
	}
	a.reg.SentInitial(callID, unregister)

	if status == 200 {
		return a.finishRegisterLocked(unregister)
	}

	if (status == 401 || status == 407) && a.reg.State == device.StateSentInitial {
		authHeader, buildErr := a.credentialBuilder(wwwAuth, "REGISTER", a.identity.PlatformProxyURI())
		if buildErr != nil {
			a.reg.Failed()
			a.notify(4013, fmt.Sprintf("sipagent: build register credentials: %v", buildErr))
			return buildErr
		}
		status, reason, _, err = a.tr.Register(ctx, callID, a.nextCSeq(), expires, authHeader)
		a.reg.SentAuth()
		if err != nil {
			a.reg.Failed()
			a.notify(5002, fmt.Sprintf("sipagent: register retry send failed: %v", err))
			return err
		}
		if status == 200 {
			return a.finishRegisterLocked(unregister)
		}
	}

	a.reg.Failed()
	a.notify(status, reason)
	return fmt.Errorf("sipagent: register failed with status %d %s", status, reason)
}

func (a *Agent) finishRegisterLocked(unregister bool) error {
	if unregister {
		a.reg.Reset()
		a.stopHeartbeatLocked()
		a.notify(201, "unregister success")
		return nil
	}
	a.reg.Succeeded()
	a.startHeartbeatLocked()
	a.notify(200, "register success")
	return nil
}

// buildDigestAuthorization computes the MD5 digest Authorization
// header for a REGISTER retry. The device display name is used as the
// digest username and the device id as the realm, per this agent's
// authentication convention with its platform.
func (a *Agent) buildDigestAuthorization(wwwAuthenticate, method, uri string) (string, error) {
	chal, err := digest.ParseChallenge(wwwAuthenticate)
	if err != nil {
		return "", fmt.Errorf("sipagent: parse WWW-Authenticate: %w", err)
	}
	chal.Realm = a.identity.DeviceID
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: a.identity.DeviceName,
		Password: a.identity.Password,
	})
	if err != nil {
		return "", fmt.Errorf("sipagent: compute digest response: %w", err)
	}
	return "Digest " + cred.String(), nil
}

func (a *Agent) startHeartbeatLocked() {
	if a.hbRunning {
		return
	}
	a.hbRunning = true
	a.hbStop = make(chan struct{})
	a.hbWG.Add(1)
	go a.heartbeatLoop(a.hbStop)
}

func (a *Agent) stopHeartbeatLocked() {
	if !a.hbRunning {
		return
	}
	close(a.hbStop)
	a.hbWG.Wait()
	a.hbRunning = false
}

// heartbeatLoop sleeps in 100ms increments so a stop request is
// observed within one tick instead of waiting out the full interval.
func (a *Agent) heartbeatLoop(stop chan struct{}) {
	defer a.hbWG.Done()
	ticks := 0
	for {
		select {
		case <-stop:
			return
		case <-time.After(heartbeatTick):
			ticks++
			if ticks < a.hbTicks {
				continue
			}
			ticks = 0
			a.sendKeepalive()
		}
	}
}

func (a *Agent) sendKeepalive() {
	sn := int(a.hbSN.Add(1))
	body := manscdp.BuildKeepaliveNotify(sn, a.identity.DeviceID)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	status, reason, err := a.tr.SendMessage(ctx, body)
	if err != nil {
		a.logger.Warn("heartbeat send failed", "err", err)
		return
	}
	if status != 200 {
		a.logger.Warn("heartbeat rejected", "status", status, "reason", reason)
	}
}

// handleInboundMessage answers 200 immediately (to suppress SIP
// retransmits) and dispatches the parsed MANSCDP body asynchronously.
func (a *Agent) handleInboundMessage(body []byte, contentType string) (status int, reason string) {
	if !strings.EqualFold(strings.TrimSpace(contentType), "Application/MANSCDP+xml") {
		return 415, "Unsupported Media Type"
	}
	msg, err := manscdp.Parse(body)
	if err != nil {
		a.logger.Warn("malformed MANSCDP message", "err", err)
		return 400, "Bad Request"
	}
	go a.dispatchMessage(msg)
	return 200, "OK"
}

func (a *Agent) dispatchMessage(msg manscdp.Message) {
	switch {
	case msg.IsQuery() && msg.CmdType == "DeviceInfo":
		a.replyMessage(manscdp.BuildDeviceInfoResponse(msg.SN, a.cfg.DeviceInfo))
	case msg.IsQuery() && msg.CmdType == "Catalog":
		a.replyMessage(manscdp.BuildCatalogResponse(msg.SN, a.cfg.DeviceInfo, a.identity.Longitude, a.identity.Latitude))
	case msg.IsQuery():
		a.logger.Info("ignoring query", "cmd_type", msg.CmdType)
	case msg.IsNotify() && msg.CmdType == "Broadcast":
		a.startDownstreamAudio(msg.SourceID, msg.TargetID)
	case msg.IsNotify() && msg.CmdType == "Alarm":
		a.replyMessage(manscdp.BuildAlarmResponse(msg.SN, a.identity.DeviceID))
	default:
		a.logger.Info("ignoring message", "cmd_type", msg.CmdType)
	}
}

func (a *Agent) replyMessage(body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	status, reason, err := a.tr.SendMessage(ctx, body)
	if err != nil || status != 200 {
		a.logger.Warn("reply message failed", "status", status, "reason", reason, "err", err)
	}
}

// handleUpstreamInvite answers a platform-originated INVITE for
// device-to-platform video push.
func (a *Agent) handleUpstreamInvite(callID, sdpBody, transportProto string) (answerSDP string, status int, reason string) {
	if !strings.Contains(strings.ToUpper(transportProto), "TCP") {
		a.notify(488, "upstream invite rejected: UDP transport not supported")
		return "", 488, "Not Acceptable Here"
	}

	desc, err := sdpcodec.Parse(sdpBody)
	if err == nil {
		err = desc.Validate()
	}
	if err != nil {
		a.notify(488, fmt.Sprintf("sipagent: invalid upstream SDP: %v", err))
		return "", 488, "Not Acceptable Here"
	}

	ssrc := rtpsender.ParseSSRC(desc.SSRC)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	sender, err := rtpsender.Dial(ctx, desc.RemoteHost, desc.RemotePort, ssrc, a.logger)
	if err != nil {
		a.notify(500, fmt.Sprintf("sipagent: rtp connect failed: %v", err))
		return "", 500, "Server Internal Error"
	}

	a.dialogMu.Lock()
	if prev := a.dialogs.Get(device.DialogUpstreamVideo); prev.Active {
		if a.rtpSender != nil {
			a.rtpSender.Close()
		}
		a.muxer = nil
		a.notify(1001, "stop push: superseded by new invite")
	}
	a.rtpSender = sender
	a.muxer = psmux.New(sender, a.cfg.AudioLaw, a.logger)
	a.dialogs.Set(device.DialogUpstreamVideo, callID, callID)
	a.dialogMu.Unlock()

	answerSDP = sdpcodec.BuildUpstreamAnswer(a.identity.DeviceID, a.identity.LocalHost, strconv.FormatUint(uint64(ssrc), 10))
	a.notify(1000, "start push")
	return answerSDP, 200, "OK"
}

// handleBye tears down the upstream video session when the platform
// ends the call.
func (a *Agent) handleBye(callID string) {
	a.dialogMu.Lock()
	defer a.dialogMu.Unlock()
	if !a.dialogs.MatchesCallID(device.DialogUpstreamVideo, callID) {
		return
	}
	if a.rtpSender != nil {
		a.rtpSender.Close()
		a.rtpSender = nil
	}
	a.muxer = nil
	a.dialogs.Clear(device.DialogUpstreamVideo)
	a.notify(1001, "stop push")
}

// Muxer returns the active upstream PS muxer, or nil when no video
// session is in progress. Video/audio frame producers poll this to
// know whether WriteVideoFrame/WriteAudioFrame calls will do anything.
func (a *Agent) Muxer() *psmux.Muxer {
	a.dialogMu.Lock()
	defer a.dialogMu.Unlock()
	return a.muxer
}

// startDownstreamAudio implements the device-initiated audio push
// triggered by a platform Broadcast notify.
func (a *Agent) startDownstreamAudio(sourceID, targetID string) {
	a.audioSetupMu.Lock()
	defer a.audioSetupMu.Unlock()

	port, err := audioreceiver.AllocateEphemeralPort()
	if err != nil {
		a.notify(5003, fmt.Sprintf("sipagent: allocate audio port: %v", err))
		return
	}
	receiver := audioreceiver.New(port, a.logger)

	ssrc := strconv.FormatUint(uint64(rtpsender.ParseSSRC("")), 10)
	sdpBody := sdpcodec.BuildDownstreamOffer(a.identity.DeviceID, a.identity.LocalHost, port, payloadForLaw(a.cfg.AudioLaw), ssrc)
	subject := fmt.Sprintf("%s:1,%s:1", sourceID, targetID)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	dialog, err := a.tr.InviteAudio(ctx, subject, sdpBody)
	if err != nil {
		a.notify(5004, fmt.Sprintf("sipagent: audio invite failed: %v", err))
		return
	}

	answerSDP, err := dialog.WaitAnswer(ctx)
	if err != nil {
		a.notify(4021, fmt.Sprintf("sipagent: audio invite not answered: %v", err))
		dialog.Close()
		return
	}
	desc, err := sdpcodec.Parse(answerSDP)
	if err == nil {
		err = desc.Validate()
	}
	if err != nil {
		a.notify(4022, fmt.Sprintf("sipagent: invalid audio answer SDP: %v", err))
		dialog.Close()
		return
	}

	if err := receiver.Connect(ctx, desc.RemoteHost, desc.RemotePort); err != nil {
		a.notify(5004, fmt.Sprintf("sipagent: audio connect failed: %v", err))
		dialog.Close()
		return
	}
	if err := dialog.Ack(ctx); err != nil {
		a.logger.Warn("audio invite ack failed", "err", err)
	}

	law := g711.MuLaw
	for pt, enc := range desc.RTPMap {
		if pt == int(sdpcodec.PayloadPCMA) || strings.EqualFold(enc, "PCMA") {
			law = g711.ALaw
		}
	}

	a.dialogMu.Lock()
	if prev := a.dialogs.Get(device.DialogDownstreamAudio); prev.Active {
		if a.audioReceiver != nil {
			a.audioReceiver.Stop()
		}
		a.notify(2001, "audio receive stop: superseded by new broadcast")
	}
	a.audioReceiver = receiver
	a.dialogs.Set(device.DialogDownstreamAudio, dialog.CallID(), dialog.CallID())
	a.dialogMu.Unlock()

	callID := dialog.CallID()
	if err := receiver.Start(func(frame []byte) {
		pcm := g711.Decode(law, frame)
		if a.audioSink != nil {
			a.audioSink(frame, pcm)
		}
	}); err != nil {
		a.notify(5004, fmt.Sprintf("sipagent: audio receiver start failed: %v", err))
		a.stopDownstreamAudio(callID)
		return
	}
	a.notify(2000, "audio receive start")
}

func (a *Agent) stopDownstreamAudio(callID string) {
	a.dialogMu.Lock()
	defer a.dialogMu.Unlock()
	if !a.dialogs.MatchesCallID(device.DialogDownstreamAudio, callID) {
		return
	}
	if a.audioReceiver != nil {
		a.audioReceiver.Stop()
		a.audioReceiver = nil
	}
	a.dialogs.Clear(device.DialogDownstreamAudio)
	a.notify(2001, "audio receive stop")
}

func newCallID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x@gb28181agent", b[:])
}

// payloadForLaw selects the RTP payload type to offer for the
// configured G.711 companding law: PCMA for ALaw, PCMU for MuLaw.
func payloadForLaw(law g711.Law) sdpcodec.AudioPayloadType {
	if law == g711.MuLaw {
		return sdpcodec.PayloadPCMU
	}
	return sdpcodec.PayloadPCMA
}
