// Package app assembles the client: network node, signaling relay, media
// devices, the global incoming-call listener, and at most one active voice
// session and one active call at a time.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/halcyonchat/huddle/internal/call"
	"github.com/halcyonchat/huddle/internal/config"
	"github.com/halcyonchat/huddle/internal/media"
	"github.com/halcyonchat/huddle/internal/p2p"
	"github.com/halcyonchat/huddle/internal/rtc"
	"github.com/halcyonchat/huddle/internal/signal"
	"github.com/halcyonchat/huddle/internal/util"
	"github.com/halcyonchat/huddle/internal/voice"
)

var (
	// ErrVoiceActive: a voice session is already up; leave it first.
	ErrVoiceActive = errors.New("app: voice session already active")

	// ErrCallActive: a call is already up; hang up first.
	ErrCallActive = errors.New("app: call already active")

	// ErrNoIncoming: accept called with no retained inbound offer.
	ErrNoIncoming = errors.New("app: no incoming call to accept")
)

// App owns the client's long-lived components and hands out sessions.
type App struct {
	cfg      *config.Config
	node     *p2p.Node
	relay    *signal.Relay
	devices  *media.Devices
	listener *call.Listener

	mu         sync.Mutex
	voiceSess  *voice.Session
	voicePeers *rtc.Manager
	callSess   *call.Session
}

// New brings the client up: p2p node, relay, capture devices, and the
// incoming-call listener on the user's own channel.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	node, err := p2p.New(ctx, p2p.Options{
		ListenPort:     cfg.P2P.ListenPort,
		KeyFile:        cfg.Identity.KeyFile,
		MdnsTag:        cfg.P2P.MdnsTag,
		BootstrapPeers: cfg.P2P.BootstrapPeers,
	})
	if err != nil {
		return nil, fmt.Errorf("app: start node: %w", err)
	}

	devices, err := media.NewDevices()
	if err != nil {
		_ = node.Close()
		return nil, fmt.Errorf("app: init media devices: %w", err)
	}

	a := &App{
		cfg:     cfg,
		node:    node,
		relay:   signal.NewRelay(node.PubSub, cfg.Identity.UserID),
		devices: devices,
	}

	a.listener = call.NewListener(cfg.Identity.UserID, a.relay, func(inc call.IncomingCall) {
		log.Printf("APP: incoming %s call from %s (thread %s)", inc.Offer.CallType, inc.From, inc.Offer.ThreadID)
	})
	if err := a.listener.Start(ctx); err != nil {
		_ = node.Close()
		return nil, fmt.Errorf("app: start call listener: %w", err)
	}

	return a, nil
}

// JoinVoice joins a mesh voice channel. One voice session at a time.
func (a *App) JoinVoice(ctx context.Context, channelID string, withVideo bool) error {
	sess := voice.NewSession(voice.SessionConfig{
		ChannelID:         channelID,
		Self:              a.self(),
		Signaler:          a.relay,
		Connector:         a.voiceConnector(),
		Media:             a.devices,
		WithVideo:         withVideo,
		SpeakingThreshold: a.cfg.Voice.SpeakingThreshold,
		SpeakingInterval:  time.Duration(a.cfg.Voice.SpeakingIntervalMs) * time.Millisecond,
	})

	a.mu.Lock()
	if a.voiceSess != nil {
		a.mu.Unlock()
		return ErrVoiceActive
	}
	a.voiceSess = sess
	a.mu.Unlock()

	go a.drainVoiceEvents(sess)

	if err := sess.Join(ctx); err != nil {
		a.mu.Lock()
		if a.voiceSess == sess {
			a.voiceSess = nil
		}
		a.mu.Unlock()
		return err
	}
	return nil
}

// LeaveVoice tears the active voice session down. No-op without one.
func (a *App) LeaveVoice() {
	a.mu.Lock()
	sess, peers := a.voiceSess, a.voicePeers
	a.voiceSess, a.voicePeers = nil, nil
	a.mu.Unlock()
	if sess == nil {
		return
	}
	if peers != nil {
		for _, remote := range peers.Remotes() {
			for kind, st := range peers.InboundStats(remote) {
				log.Printf("APP: inbound %s from %s: %d packets, %d bytes", kind, remote, st.Packets, st.Bytes)
			}
		}
	}
	sess.Leave()
}

// Voice returns the active voice session, if any.
func (a *App) Voice() *voice.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.voiceSess
}

// StartCall rings a user for a 1:1 call on the given thread. The incoming
// listener is suspended while the call is up.
func (a *App) StartCall(ctx context.Context, threadID, calleeID string, callType signal.CallType) (*call.Session, error) {
	sess := call.NewOutgoing(a.callConfig(threadID, calleeID, callType))

	if err := a.installCall(sess); err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		a.releaseCall(sess)
		return nil, err
	}
	go a.watchCall(sess)
	return sess, nil
}

// AcceptIncoming answers the offer the listener retained.
func (a *App) AcceptIncoming(ctx context.Context) (*call.Session, error) {
	inc, ok := a.listener.Take()
	if !ok {
		return nil, ErrNoIncoming
	}

	sess := call.NewIncoming(a.callConfig(inc.Offer.ThreadID, inc.From, inc.Offer.CallType), inc.Offer)
	if err := a.installCall(sess); err != nil {
		return nil, err
	}
	if err := sess.Ring(ctx); err != nil {
		a.releaseCall(sess)
		return nil, err
	}
	if err := sess.Accept(ctx); err != nil {
		a.releaseCall(sess)
		return nil, err
	}
	go a.watchCall(sess)
	return sess, nil
}

// DeclineIncoming rejects the retained offer without mounting a call.
func (a *App) DeclineIncoming(ctx context.Context) error {
	inc, ok := a.listener.Take()
	if !ok {
		return ErrNoIncoming
	}
	// A short-lived receiver session exists just long enough to say no.
	ctx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
	defer cancel()
	sess := call.NewIncoming(a.callConfig(inc.Offer.ThreadID, inc.From, inc.Offer.CallType), inc.Offer)
	if err := sess.Ring(ctx); err != nil {
		return err
	}
	return sess.Decline(ctx)
}

// Call returns the active call session, if any.
func (a *App) Call() *call.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callSess
}

// Hangup ends the active call. No-op without one.
func (a *App) Hangup() {
	a.mu.Lock()
	sess := a.callSess
	a.mu.Unlock()
	if sess != nil {
		sess.Hangup()
	}
}

// Relay exposes the signaling relay for diagnostics.
func (a *App) Relay() *signal.Relay { return a.relay }

// Node exposes the p2p node for diagnostics.
func (a *App) Node() *p2p.Node { return a.node }

// Status is a point-in-time diagnostics snapshot.
type Status struct {
	PeerID string
	Peers  int
	Uptime time.Duration
	Recent []signal.Activity
}

// Status snapshots the node and relay diagnostics.
func (a *App) Status() Status {
	return Status{
		PeerID: a.node.ID(),
		Peers:  a.node.PeerCount(),
		Uptime: a.node.Uptime(),
		Recent: a.relay.Recent(),
	}
}

// Close shuts everything down: active sessions first, then the listener and
// the node.
func (a *App) Close() {
	a.Hangup()
	a.LeaveVoice()
	a.listener.Close()
	if err := a.node.Close(); err != nil {
		log.Printf("APP: close node: %v", err)
	}
}

// ── Wiring helpers ────────────────────────────────────────────────────────────

func (a *App) self() signal.Identity {
	return signal.Identity{
		UserID:      a.cfg.Identity.UserID,
		DisplayName: a.cfg.Identity.DisplayName,
	}
}

func (a *App) iceServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(a.cfg.ICE.Servers))
	for _, s := range a.cfg.ICE.Servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func (a *App) voiceConnector() voice.ConnectorFactory {
	return func(ev voice.PeerEvents) (voice.PeerConnector, error) {
		m, err := rtc.NewManager(rtc.Config{
			ICEServers: a.iceServers(),
			Engine:     a.devices,
			OnTrack: func(remote string, track *webrtc.TrackRemote) {
				log.Printf("APP: %s track from %s", track.Kind(), remote)
			},
			OnCandidate:   ev.OnCandidate,
			OnStateChange: ev.OnStateChange,
		})
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.voicePeers = m
		a.mu.Unlock()
		return m, nil
	}
}

func (a *App) callConnector() call.ConnectorFactory {
	return func(ev call.PeerEvents) (call.PeerConnector, error) {
		return rtc.NewManager(rtc.Config{
			ICEServers: a.iceServers(),
			Engine:     a.devices,
			OnTrack: func(remote string, track *webrtc.TrackRemote) {
				log.Printf("APP: %s track from %s", track.Kind(), remote)
			},
			OnCandidate:   ev.OnCandidate,
			OnStateChange: ev.OnStateChange,
		})
	}
}

func (a *App) callConfig(threadID, remote string, ct signal.CallType) call.Config {
	return call.Config{
		ThreadID:     threadID,
		Self:         a.self(),
		RemoteUserID: remote,
		CallType:     ct,
		Signaler:     a.relay,
		Connector:    a.callConnector(),
		Media:        a.devices,
		RingTimeout:  time.Duration(a.cfg.Call.RingTimeoutSec) * time.Second,
		DismissDelay: time.Duration(a.cfg.Call.DismissDelaySec) * time.Second,
	}
}

func (a *App) installCall(sess *call.Session) error {
	a.mu.Lock()
	if a.callSess != nil {
		a.mu.Unlock()
		return ErrCallActive
	}
	a.callSess = sess
	a.mu.Unlock()
	a.listener.Suspend()
	return nil
}

func (a *App) releaseCall(sess *call.Session) {
	a.mu.Lock()
	if a.callSess == sess {
		a.callSess = nil
	}
	a.mu.Unlock()
	a.listener.Resume()
}

// watchCall resumes the incoming listener once the call reaches a terminal
// state.
func (a *App) watchCall(sess *call.Session) {
	for st := range sess.Events() {
		if st.Terminal() {
			a.releaseCall(sess)
			return
		}
	}
}

// drainVoiceEvents logs session events so a headless run shows what the
// channel is doing.
func (a *App) drainVoiceEvents(sess *voice.Session) {
	for ev := range sess.Events() {
		switch ev.Type {
		case voice.EventState:
			log.Printf("APP: voice state %s", ev.State)
			if ev.State == voice.StateIdle || ev.State == voice.StateFailed {
				return
			}
		case voice.EventParticipantJoined:
			log.Printf("APP: %s joined", ev.UserID)
		case voice.EventParticipantLeft:
			log.Printf("APP: %s left", ev.UserID)
		case voice.EventParticipantSpeaking:
			// High-churn; at this level only interesting when debugging.
		case voice.EventParticipantUpdated:
			log.Printf("APP: %s updated flags", ev.UserID)
		}
	}
}
