package voice

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/halcyonchat/huddle/internal/media"
	"github.com/halcyonchat/huddle/internal/rtc"
	"github.com/halcyonchat/huddle/internal/signal"
	"github.com/halcyonchat/huddle/internal/util"
)

// eventCap bounds the session event buffer; a slow UI consumer loses events
// rather than stalling the dispatcher.
const eventCap = 64

// SessionConfig wires a voice channel session.
type SessionConfig struct {
	ChannelID string
	Self      signal.Identity

	Signaler  Signaler
	Connector ConnectorFactory
	Media     media.Source

	// WithVideo requests camera capture on join in addition to audio.
	WithVideo bool

	SpeakingThreshold float64
	SpeakingInterval  time.Duration
}

// Session is one client's membership in a mesh voice channel. It owns its
// participant registry and one peer connection per remote participant; the
// join/leave protocol and all message handling are order-independent because
// the relay guarantees nothing about ordering.
type Session struct {
	cfg SessionConfig
	reg *Registry

	events chan Event

	mu           sync.Mutex
	state        State
	wasConnected bool

	muted        bool
	deafened     bool
	videoOn      bool
	selfSpeaking bool

	ch       signal.Channel
	peers    PeerConnector
	local    media.Local
	detector *Detector

	cancelLoops context.CancelFunc
}

// NewSession builds an idle session. Nothing is subscribed or captured until
// Join.
func NewSession(cfg SessionConfig) *Session {
	return &Session{
		cfg:     cfg,
		reg:     NewRegistry(),
		events:  make(chan Event, eventCap),
		state:   StateIdle,
		videoOn: cfg.WithVideo,
	}
}

// Join runs the channel join protocol: acquire media, subscribe the relay
// channel, discover earlier participants via request-presence, announce
// ourselves, and start the dispatcher and speaking detector. The session is
// "connected" once the announce is out; per-peer media keeps negotiating
// asynchronously after that.
//
// Join is rejected while a join is in flight or already complete, and a
// concurrent Leave aborts it cleanly at the next checkpoint.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateJoining:
		s.mu.Unlock()
		return ErrJoinInProgress
	case StateConnected:
		s.mu.Unlock()
		return ErrAlreadyJoined
	case StateLeaving, StateFailed:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("voice: cannot join from state %s", st)
	}
	s.state = StateJoining
	s.mu.Unlock()
	s.emitState(StateJoining)

	local, err := s.cfg.Media.Acquire(media.Constraints{Audio: true, Video: s.cfg.WithVideo})
	if err != nil {
		s.failJoin(err)
		return err
	}

	peers, err := s.cfg.Connector(PeerEvents{
		OnCandidate:   s.handleLocalCandidate,
		OnStateChange: s.handlePeerState,
	})
	if err != nil {
		local.Close()
		s.failJoin(err)
		return err
	}
	peers.SetLocalTracks(local.AudioTrack(), local.VideoTrack())

	ch, err := s.cfg.Signaler.Subscribe(ctx, signal.VoiceChannel(s.cfg.ChannelID))
	if err != nil {
		peers.CloseAll()
		local.Close()
		s.failJoin(err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.state != StateJoining {
		// Torn down while we were acquiring resources; do not resurrect.
		s.mu.Unlock()
		cancel()
		ch.Close()
		peers.CloseAll()
		local.Close()
		return ErrJoinAborted
	}
	s.ch = ch
	s.peers = peers
	s.local = local
	s.cancelLoops = cancel
	s.detector = NewDetector(local.Levels(), s.cfg.SpeakingThreshold, s.cfg.SpeakingInterval, s.handleSelfSpeaking)
	s.mu.Unlock()

	if err := ch.Send(ctx, signal.KindRequestPresence, "", signal.RequestPresence{RequesterID: s.cfg.Self.UserID}); err != nil {
		s.failJoin(err)
		return err
	}
	if err := ch.Send(ctx, signal.KindJoin, "", s.selfInfo()); err != nil {
		s.failJoin(err)
		return err
	}

	go s.dispatch(loopCtx, ch.Recv())
	go s.detector.Run(loopCtx)

	s.mu.Lock()
	if s.state != StateJoining {
		s.mu.Unlock()
		return ErrJoinAborted
	}
	s.state = StateConnected
	s.wasConnected = true
	s.mu.Unlock()
	s.emitState(StateConnected)

	log.Printf("VOICE [%s]: joined as %s", s.cfg.ChannelID, s.cfg.Self.UserID)
	return nil
}

// Leave tears the session down: stop media, close every peer connection,
// announce the leave (only if the join was ever announced), unsubscribe and
// clear the registry. Safe from any state and safe to call concurrently with
// an in-flight Join; overlapping calls collapse into one teardown.
func (s *Session) Leave() {
	s.mu.Lock()
	if !canTransition(s.state, StateLeaving) {
		s.mu.Unlock()
		return
	}
	announce := s.wasConnected
	s.state = StateLeaving
	s.mu.Unlock()
	s.emitState(StateLeaving)

	s.teardown(announce)

	s.mu.Lock()
	s.state = StateIdle
	s.wasConnected = false
	s.selfSpeaking = false
	s.mu.Unlock()
	s.emitState(StateIdle)

	log.Printf("VOICE [%s]: left", s.cfg.ChannelID)
}

// failJoin moves a join that is still in flight to failed and releases any
// installed resources. A session already past joining (connected, or torn
// down by a concurrent Leave) is left alone.
func (s *Session) failJoin(cause error) {
	s.mu.Lock()
	if s.state != StateJoining {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()
	s.emitState(StateFailed)

	s.teardown(false)
	log.Printf("VOICE [%s]: join failed: %v", s.cfg.ChannelID, cause)
}

// teardown releases everything the session holds. Nil-safe for resources a
// failed join never installed. The leave broadcast goes out only when
// announce is set: a session that failed before fully joining must not
// announce a leave nobody heard a join for.
func (s *Session) teardown(announce bool) {
	s.mu.Lock()
	ch, peers, local := s.ch, s.peers, s.local
	cancel := s.cancelLoops
	s.ch, s.peers, s.local, s.detector = nil, nil, nil, nil
	s.cancelLoops = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if local != nil {
		local.Close()
	}
	if peers != nil {
		peers.CloseAll()
	}
	if ch != nil {
		if announce {
			sendCtx, done := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
			_ = ch.Send(sendCtx, signal.KindLeave, "", signal.Leave{UserID: s.cfg.Self.UserID})
			done()
		}
		ch.Close()
	}
	s.reg.Clear()
}

// ── Local control ─────────────────────────────────────────────────────────────

// SetMuted toggles the local mute flag, swaps the outbound audio track, and
// broadcasts only the changed field. Muting also forces not-speaking through
// the detector before the broadcast goes out.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	if s.muted == muted || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.muted = muted
	peers, detector := s.peers, s.detector
	s.mu.Unlock()

	if detector != nil {
		detector.SetMuted(muted)
	}
	if peers != nil {
		peers.SetAudioEnabled(!muted)
	}
	s.broadcastUpdate(signal.Update{UserID: s.cfg.Self.UserID, IsMuted: &muted})
}

// SetDeafened toggles deafen. Deafening implies muting when not already
// muted; undeafening leaves the mute flag as it is.
func (s *Session) SetDeafened(deafened bool) {
	s.mu.Lock()
	if s.deafened == deafened || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.deafened = deafened
	alsoMute := deafened && !s.muted
	if alsoMute {
		s.muted = true
	}
	peers, detector := s.peers, s.detector
	s.mu.Unlock()

	u := signal.Update{UserID: s.cfg.Self.UserID, IsDeafened: &deafened}
	if alsoMute {
		muted := true
		u.IsMuted = &muted
		if detector != nil {
			detector.SetMuted(true)
		}
		if peers != nil {
			peers.SetAudioEnabled(false)
		}
	}
	s.broadcastUpdate(u)
}

// SetVideoEnabled toggles the outbound video track and broadcasts the change.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	if s.videoOn == enabled || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.videoOn = enabled
	peers := s.peers
	s.mu.Unlock()

	if peers != nil {
		peers.SetVideoEnabled(enabled)
	}
	s.broadcastUpdate(signal.Update{UserID: s.cfg.Self.UserID, IsVideoEnabled: &enabled})
}

func (s *Session) broadcastUpdate(u signal.Update) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	if err := ch.Send(ctx, signal.KindUpdate, "", u); err != nil {
		log.Printf("VOICE [%s]: update broadcast: %v", s.cfg.ChannelID, err)
	}
}

// ── Inbound dispatch ──────────────────────────────────────────────────────────

// dispatch consumes the channel's envelope stream until teardown. One
// dispatcher per session; every handler is idempotent against duplicates and
// reordering.
func (s *Session) dispatch(ctx context.Context, recv <-chan signal.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-recv:
			if !ok {
				return
			}
			s.handle(ctx, env)
		}
	}
}

func (s *Session) handle(ctx context.Context, env signal.Envelope) {
	switch env.Kind {
	case signal.KindJoin, signal.KindPresence:
		info, err := signal.Body[signal.PresenceInfo](env)
		if err != nil || info.UserID == "" || info.UserID == s.cfg.Self.UserID {
			return
		}
		p, inserted := s.reg.ApplyJoin(info)
		if !inserted {
			return
		}
		s.emit(Event{Type: EventParticipantJoined, UserID: p.UserID, Participant: &p})
		s.maybeOffer(ctx, p.UserID)

	case signal.KindRequestPresence:
		req, err := signal.Body[signal.RequestPresence](env)
		if err != nil || req.RequesterID == s.cfg.Self.UserID {
			return
		}
		s.send(ctx, signal.KindPresence, req.RequesterID, s.selfInfo())

	case signal.KindLeave:
		l, err := signal.Body[signal.Leave](env)
		if err != nil {
			return
		}
		s.dropPeer(l.UserID, "leave")

	case signal.KindUpdate:
		u, err := signal.Body[signal.Update](env)
		if err != nil {
			return
		}
		if p, ok := s.reg.ApplyUpdate(u); ok {
			s.emit(Event{Type: EventParticipantUpdated, UserID: p.UserID, Participant: &p})
		}

	case signal.KindSpeaking:
		sp, err := signal.Body[signal.Speaking](env)
		if err != nil {
			return
		}
		if p, ok := s.reg.ApplySpeaking(sp.UserID, sp.IsSpeaking); ok {
			s.emit(Event{Type: EventParticipantSpeaking, UserID: p.UserID, Participant: &p, IsSpeaking: sp.IsSpeaking})
		}

	case signal.KindOffer:
		if !env.AddressedTo(s.cfg.Self.UserID) || env.To == "" {
			return
		}
		d, err := signal.Body[signal.Description](env)
		if err != nil {
			return
		}
		s.answerOffer(ctx, env.From, d.SDP)

	case signal.KindAnswer:
		if !env.AddressedTo(s.cfg.Self.UserID) || env.To == "" {
			return
		}
		d, err := signal.Body[signal.Description](env)
		if err != nil {
			return
		}
		if peers := s.connector(); peers != nil {
			if err := peers.ApplyAnswer(env.From, d.SDP); err != nil {
				log.Printf("VOICE [%s]: answer from %s: %v", s.cfg.ChannelID, env.From, err)
			}
		}

	case signal.KindICECandidate:
		if !env.AddressedTo(s.cfg.Self.UserID) || env.To == "" {
			return
		}
		c, err := signal.Body[signal.Candidate](env)
		if err != nil {
			return
		}
		if peers := s.connector(); peers != nil {
			if err := peers.ApplyCandidate(env.From, c.Candidate); err != nil {
				log.Printf("VOICE [%s]: candidate from %s: %v", s.cfg.ChannelID, env.From, err)
			}
		}
	}
}

// maybeOffer originates the offer for a newly discovered participant if the
// tie-break picks this side. Exactly one side of any pair originates; the
// other waits for the offer. A live record for the id means the pair is
// already negotiating and nothing must be created.
func (s *Session) maybeOffer(ctx context.Context, remoteUserID string) {
	peers := s.connector()
	if peers == nil {
		return
	}
	if !rtc.OriginatesOffer(s.cfg.Self.UserID, remoteUserID) {
		return
	}
	if peers.Has(remoteUserID) {
		return
	}

	if err := peers.Create(remoteUserID); err != nil {
		log.Printf("VOICE [%s]: create connection to %s: %v", s.cfg.ChannelID, remoteUserID, err)
		return
	}
	offer, err := peers.OriginateOffer(remoteUserID)
	if err != nil {
		log.Printf("VOICE [%s]: offer to %s: %v", s.cfg.ChannelID, remoteUserID, err)
		_ = peers.Close(remoteUserID)
		return
	}
	s.send(ctx, signal.KindOffer, remoteUserID, signal.Description{SDP: offer})
}

// answerOffer handles an inbound offer from the tie-break winner. A duplicate
// offer for a pair that is already negotiating is dropped.
func (s *Session) answerOffer(ctx context.Context, fromUserID string, offer webrtc.SessionDescription) {
	peers := s.connector()
	if peers == nil {
		return
	}
	if peers.Has(fromUserID) {
		log.Printf("VOICE [%s]: duplicate offer from %s dropped", s.cfg.ChannelID, fromUserID)
		return
	}

	if err := peers.Create(fromUserID); err != nil {
		log.Printf("VOICE [%s]: create connection for %s: %v", s.cfg.ChannelID, fromUserID, err)
		return
	}
	answer, err := peers.AcceptOffer(fromUserID, offer)
	if err != nil {
		log.Printf("VOICE [%s]: accept offer from %s: %v", s.cfg.ChannelID, fromUserID, err)
		_ = peers.Close(fromUserID)
		return
	}
	s.send(ctx, signal.KindAnswer, fromUserID, signal.Description{SDP: answer})
}

// dropPeer removes one participant and its connection. Shared by the leave
// handler and the connection-failure path; losing one peer's media is fatal
// to that peer only, never to the session.
func (s *Session) dropPeer(userID, reason string) {
	if peers := s.connector(); peers != nil {
		_ = peers.Close(userID)
	}
	if s.reg.ApplyLeave(userID) {
		s.emit(Event{Type: EventParticipantLeft, UserID: userID})
		log.Printf("VOICE [%s]: %s gone (%s)", s.cfg.ChannelID, userID, reason)
	}
}

// ── Callbacks from the peer layer and detector ───────────────────────────────

func (s *Session) handleLocalCandidate(remoteUserID string, cand webrtc.ICECandidateInit) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	_ = ch.Send(ctx, signal.KindICECandidate, remoteUserID, signal.Candidate{Candidate: cand})
}

func (s *Session) handlePeerState(remoteUserID string, state webrtc.PeerConnectionState) {
	if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateDisconnected {
		return
	}
	s.mu.Lock()
	active := s.state == StateConnected || s.state == StateJoining
	s.mu.Unlock()
	if !active {
		return
	}
	s.dropPeer(remoteUserID, state.String())
}

func (s *Session) handleSelfSpeaking(speaking bool) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.selfSpeaking = speaking
	ch := s.ch
	s.mu.Unlock()

	if ch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
		_ = ch.Send(ctx, signal.KindSpeaking, "", signal.Speaking{UserID: s.cfg.Self.UserID, IsSpeaking: speaking})
		cancel()
	}
	s.emit(Event{Type: EventSelfSpeaking, UserID: s.cfg.Self.UserID, IsSpeaking: speaking})
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Participants returns a snapshot of the registry, self excluded.
func (s *Session) Participants() []Participant {
	return s.reg.Snapshot()
}

// Events returns the session notification stream.
func (s *Session) Events() <-chan Event { return s.events }

// Muted reports the local mute flag.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Deafened reports the local deafen flag.
func (s *Session) Deafened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deafened
}

// VideoEnabled reports the local video flag.
func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

// Speaking reports the local speaking state.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfSpeaking
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (s *Session) selfInfo() signal.PresenceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return signal.PresenceInfo{
		UserID:         s.cfg.Self.UserID,
		DisplayName:    s.cfg.Self.DisplayName,
		IsMuted:        s.muted,
		IsDeafened:     s.deafened,
		IsVideoEnabled: s.videoOn,
	}
}

func (s *Session) connector() PeerConnector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers
}

func (s *Session) send(ctx context.Context, kind signal.Kind, to string, body any) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Send(ctx, kind, to, body); err != nil {
		log.Printf("VOICE [%s]: send %s: %v", s.cfg.ChannelID, kind, err)
	}
}

func (s *Session) emitState(st State) {
	s.emit(Event{Type: EventState, State: st})
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}
