// Package rtc owns the per-remote-participant peer connections and their
// offer/answer/ICE negotiation, using Pion. It is transport-agnostic: SDP and
// candidates go in and out as values, and the caller moves them over whatever
// signaling channel it owns.
package rtc

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrUnsupported: the negotiation primitive could not be initialized.
	ErrUnsupported = errors.New("webrtc environment unavailable")

	// ErrDuplicateConnection: a second record for the same remote id was
	// requested while one is still live. Protocol violation by the caller.
	ErrDuplicateConnection = errors.New("connection already exists for remote peer")

	// ErrUnknownPeer: negotiation input for a remote id with no record.
	ErrUnknownPeer = errors.New("no connection for remote peer")

	// ErrNegotiation wraps SDP/ICE failures.
	ErrNegotiation = errors.New("peer negotiation failed")
)

// earlyCandidateCap bounds ICE candidates buffered for a remote id that has
// no connection record yet (candidate broadcasts can race ahead of the offer).
const earlyCandidateCap = 32

// OriginatesOffer is the glare tie-break: of any pair, the side with the
// lexicographically greater id originates the offer, the other waits. Both
// sides can evaluate this locally, so it is stable under message reordering.
func OriginatesOffer(localID, remoteID string) bool {
	return localID > remoteID
}

// EngineConfigurer registers codecs on the media engine the connections are
// built from. Implemented by media.Devices so captured tracks and the peer
// connections agree on codecs.
type EngineConfigurer interface {
	Codecs(*webrtc.MediaEngine)
}

// Config wires a Manager. Callbacks are invoked from Pion goroutines and must
// not block; the owning session routes them onto its own dispatcher.
type Config struct {
	ICEServers []webrtc.ICEServer
	Engine     EngineConfigurer

	OnTrack       func(remoteUserID string, track *webrtc.TrackRemote)
	OnCandidate   func(remoteUserID string, c webrtc.ICECandidateInit)
	OnStateChange func(remoteUserID string, s webrtc.PeerConnectionState)
}

// TrackStats is an inbound RTP counter snapshot for one remote track kind.
type TrackStats struct {
	Packets uint64
	Bytes   uint64
}

// Manager holds at most one peer connection per remote user id, plus the
// local tracks attached to every connection it creates.
type Manager struct {
	api *webrtc.API
	cfg Config
	rtc webrtc.Configuration

	mu    sync.Mutex
	conns map[string]*conn
	early map[string][]webrtc.ICECandidateInit

	localAudio   webrtc.TrackLocal
	localVideo   webrtc.TrackLocal
	audioEnabled bool
	videoEnabled bool
}

type conn struct {
	remoteID string
	pc       *webrtc.PeerConnection

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	// pending buffers candidates that arrived before the remote description.
	pendingMu sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	statsMu sync.Mutex
	stats   map[webrtc.RTPCodecType]*TrackStats
}

// NewManager builds the webrtc API shared by this manager's connections.
func NewManager(cfg Config) (*Manager, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.Engine != nil {
		cfg.Engine.Codecs(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate media. The default disconnectedTimeout of 5s is too short
	// for relay paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	return &Manager{
		api:          api,
		cfg:          cfg,
		rtc:          webrtc.Configuration{ICEServers: cfg.ICEServers},
		conns:        make(map[string]*conn),
		early:        make(map[string][]webrtc.ICECandidateInit),
		audioEnabled: true,
		videoEnabled: true,
	}, nil
}

// SetLocalTracks registers the local tracks attached to every connection
// created afterwards. Either may be nil; the corresponding direction becomes
// receive-only.
func (m *Manager) SetLocalTracks(audio, video webrtc.TrackLocal) {
	m.mu.Lock()
	m.localAudio = audio
	m.localVideo = video
	m.mu.Unlock()
}

// Create allocates the connection record for a remote user, attaches local
// tracks, and wires the remote-track, ICE and state callbacks. Exactly one
// record may exist per remote id.
func (m *Manager) Create(remoteUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[remoteUserID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, remoteUserID)
	}

	pc, err := m.api.NewPeerConnection(m.rtc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	c := &conn{
		remoteID: remoteUserID,
		pc:       pc,
		stats:    make(map[webrtc.RTPCodecType]*TrackStats),
	}

	if err := m.attachLocal(c); err != nil {
		_ = pc.Close()
		return err
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end of gathering
		}
		if m.cfg.OnCandidate != nil {
			m.cfg.OnCandidate(remoteUserID, cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("RTC [%s]: remote %s track (%s)", remoteUserID, track.Kind(), track.Codec().MimeType)
		go m.drainTrack(c, track)
		if m.cfg.OnTrack != nil {
			m.cfg.OnTrack(remoteUserID, track)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("RTC [%s]: connection state %s", remoteUserID, s)
		if m.cfg.OnStateChange != nil {
			m.cfg.OnStateChange(remoteUserID, s)
		}
	})

	m.conns[remoteUserID] = c

	// Candidates that raced ahead of this record.
	if buf := m.early[remoteUserID]; len(buf) > 0 {
		delete(m.early, remoteUserID)
		c.pendingMu.Lock()
		c.pending = append(c.pending, buf...)
		c.pendingMu.Unlock()
	}

	return nil
}

// attachLocal adds local senders (or recvonly transceivers where no local
// track exists) and applies the current enable flags. Caller holds m.mu.
func (m *Manager) attachLocal(c *conn) error {
	if m.localAudio != nil {
		sender, err := c.pc.AddTrack(m.localAudio)
		if err != nil {
			return fmt.Errorf("%w: add audio track: %v", ErrNegotiation, err)
		}
		c.audioSender = sender
		if !m.audioEnabled {
			_ = sender.ReplaceTrack(nil)
		}
	} else if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("%w: audio transceiver: %v", ErrNegotiation, err)
	}

	if m.localVideo != nil {
		sender, err := c.pc.AddTrack(m.localVideo)
		if err != nil {
			return fmt.Errorf("%w: add video track: %v", ErrNegotiation, err)
		}
		c.videoSender = sender
		if !m.videoEnabled {
			_ = sender.ReplaceTrack(nil)
		}
	} else if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("%w: video transceiver: %v", ErrNegotiation, err)
	}

	return nil
}

// OriginateOffer produces an SDP offer and sets it as the local description.
// Only the tie-break winner for a pair calls this.
func (m *Manager) OriginateOffer(remoteUserID string) (webrtc.SessionDescription, error) {
	c, err := m.get(remoteUserID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer for %s: %v", ErrNegotiation, remoteUserID, err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer for %s: %v", ErrNegotiation, remoteUserID, err)
	}
	return offer, nil
}

// AcceptOffer applies a remote offer and produces the local answer.
func (m *Manager) AcceptOffer(remoteUserID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c, err := m.get(remoteUserID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set remote offer from %s: %v", ErrNegotiation, remoteUserID, err)
	}
	c.flushPending()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer for %s: %v", ErrNegotiation, remoteUserID, err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer for %s: %v", ErrNegotiation, remoteUserID, err)
	}
	return answer, nil
}

// ApplyAnswer applies a received answer unless negotiation is already stable,
// which guards a duplicate or late answer from being applied twice.
func (m *Manager) ApplyAnswer(remoteUserID string, answer webrtc.SessionDescription) error {
	c, err := m.get(remoteUserID)
	if err != nil {
		return err
	}

	if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Printf("RTC [%s]: answer in state %s ignored", remoteUserID, c.pc.SignalingState())
		return nil
	}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote answer from %s: %v", ErrNegotiation, remoteUserID, err)
	}
	c.flushPending()
	return nil
}

// ApplyCandidate adds a trickle ICE candidate. Candidates arriving before the
// remote description (or even before the connection record) are buffered and
// flushed once negotiation catches up.
func (m *Manager) ApplyCandidate(remoteUserID string, cand webrtc.ICECandidateInit) error {
	m.mu.Lock()
	c, ok := m.conns[remoteUserID]
	if !ok {
		buf := m.early[remoteUserID]
		if len(buf) < earlyCandidateCap {
			m.early[remoteUserID] = append(buf, cand)
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	c.pendingMu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.pendingMu.Unlock()
		return nil
	}
	c.pendingMu.Unlock()

	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("%w: add candidate from %s: %v", ErrNegotiation, remoteUserID, err)
	}
	return nil
}

// Close tears down the connection for a remote id. Idempotent; a remote id
// with no active record is a no-op.
func (m *Manager) Close(remoteUserID string) error {
	m.mu.Lock()
	c, ok := m.conns[remoteUserID]
	if ok {
		delete(m.conns, remoteUserID)
	}
	delete(m.early, remoteUserID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := c.pc.Close(); err != nil {
		return fmt.Errorf("close connection to %s: %w", remoteUserID, err)
	}
	return nil
}

// CloseAll tears down every connection. Used on session teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*conn)
	m.early = make(map[string][]webrtc.ICECandidateInit)
	m.mu.Unlock()

	for id, c := range conns {
		if err := c.pc.Close(); err != nil {
			log.Printf("RTC [%s]: close: %v", id, err)
		}
	}
}

// Has reports whether a connection record exists for the remote id.
func (m *Manager) Has(remoteUserID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[remoteUserID]
	return ok
}

// Remotes returns the ids of all live connection records.
func (m *Manager) Remotes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// SetAudioEnabled swaps the audio sender track in or out on every connection.
// Disabling actually stops outbound audio instead of just flagging it.
func (m *Manager) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioEnabled = enabled
	for _, c := range m.conns {
		if c.audioSender == nil {
			continue
		}
		if enabled {
			_ = c.audioSender.ReplaceTrack(m.localAudio)
		} else {
			_ = c.audioSender.ReplaceTrack(nil)
		}
	}
}

// SetVideoEnabled swaps the video sender track in or out on every connection.
func (m *Manager) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoEnabled = enabled
	for _, c := range m.conns {
		if c.videoSender == nil {
			continue
		}
		if enabled {
			_ = c.videoSender.ReplaceTrack(m.localVideo)
		} else {
			_ = c.videoSender.ReplaceTrack(nil)
		}
	}
}

// InboundStats returns per-kind inbound RTP counters for a remote id.
func (m *Manager) InboundStats(remoteUserID string) map[webrtc.RTPCodecType]TrackStats {
	c, err := m.get(remoteUserID)
	if err != nil {
		return nil
	}
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := make(map[webrtc.RTPCodecType]TrackStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = *v
	}
	return out
}

func (m *Manager) get(remoteUserID string) (*conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[remoteUserID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, remoteUserID)
	}
	return c, nil
}

func (c *conn) flushPending() {
	c.pendingMu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Printf("RTC [%s]: buffered candidate: %v", c.remoteID, err)
		}
	}
}
