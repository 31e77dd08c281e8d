package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/halcyonchat/huddle/internal/media"
	"github.com/halcyonchat/huddle/internal/signal"
	"github.com/halcyonchat/huddle/internal/util"
)

// stateEventCap bounds the state notification buffer.
const stateEventCap = 16

// earlyCandidateCap bounds candidates trickled in before Accept builds the
// connector. The initiator typically sends all of them during the answer
// delay.
const earlyCandidateCap = 32

// Config wires one 1:1 call session.
type Config struct {
	ThreadID     string
	Self         signal.Identity
	RemoteUserID string
	CallType     signal.CallType

	Signaler  Signaler
	Connector ConnectorFactory
	Media     media.Source

	// RingTimeout bounds how long a call may sit in calling or ringing
	// before it is marked missed.
	RingTimeout time.Duration

	// DismissDelay is how long a declined call lingers before teardown, so
	// the caller's UI can show the decline.
	DismissDelay time.Duration
}

// Session is one 1:1 call, initiator or receiver side. All methods are safe
// for concurrent use; every terminal state funnels through the same
// idempotent teardown.
type Session struct {
	cfg       Config
	initiator bool
	offer     signal.CallOffer // receiver side: the retained inbound offer

	events chan State

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	duration   time.Duration
	ch         signal.Channel
	peers      PeerConnector
	local      media.Local
	cancelLoop context.CancelFunc
	ringTimer  *time.Timer
	earlyCands []webrtc.ICECandidateInit

	teardownOnce sync.Once
}

// NewOutgoing builds the initiator side. Nothing happens until Start.
func NewOutgoing(cfg Config) *Session {
	return &Session{
		cfg:       cfg,
		initiator: true,
		events:    make(chan State, stateEventCap),
		state:     StateInitializing,
	}
}

// NewIncoming builds the receiver side around an offer retained by the
// listener. Nothing happens until Ring.
func NewIncoming(cfg Config, offer signal.CallOffer) *Session {
	cfg.ThreadID = offer.ThreadID
	cfg.CallType = offer.CallType
	return &Session{
		cfg:    cfg,
		offer:  offer,
		events: make(chan State, stateEventCap),
		state:  StateInitializing,
	}
}

// Start runs the initiator flow: acquire media, originate the offer, announce
// it on the thread channel and on the callee's user channel, then ring until
// the far side answers, declines, or the ring timeout fires.
func (s *Session) Start(ctx context.Context) error {
	if !s.initiator {
		return fmt.Errorf("%w: start on receiver side", ErrBadState)
	}
	peers, ch, err := s.setup(ctx)
	if err != nil {
		s.fail(err)
		return err
	}

	if err := peers.Create(s.cfg.RemoteUserID); err != nil {
		s.fail(err)
		return err
	}
	offer, err := peers.OriginateOffer(s.cfg.RemoteUserID)
	if err != nil {
		s.fail(err)
		return err
	}

	// A concurrent hangup may have ended the call while media came up; do
	// not ring the far side for a dead call.
	if s.State() != StateInitializing {
		return ErrBadState
	}

	body := signal.CallOffer{SDP: offer, CallType: s.cfg.CallType, ThreadID: s.cfg.ThreadID}
	if err := ch.Send(ctx, signal.KindCallOffer, s.cfg.RemoteUserID, body); err != nil {
		s.fail(err)
		return err
	}
	// The callee's global listener watches their user channel; the thread
	// channel publish above only reaches them once their call UI is up.
	if err := s.cfg.Signaler.Publish(ctx, signal.UserCall(s.cfg.RemoteUserID), signal.KindCallOffer, s.cfg.RemoteUserID, body); err != nil {
		log.Printf("CALL [%s]: ring %s on user channel: %v", s.cfg.ThreadID, s.cfg.RemoteUserID, err)
	}

	if !s.transition(StateCalling) {
		// Torn down while setting up.
		return ErrBadState
	}
	s.armRingTimer()
	return nil
}

// Ring runs the receiver's pre-answer flow: subscribe the thread channel so a
// caller hangup is heard while ringing, and bound the ring with the timeout.
// Media is not touched until Accept.
func (s *Session) Ring(ctx context.Context) error {
	if s.initiator {
		return fmt.Errorf("%w: ring on initiator side", ErrBadState)
	}
	ch, err := s.cfg.Signaler.Subscribe(ctx, signal.CallThread(s.cfg.ThreadID))
	if err != nil {
		s.fail(err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.state != StateInitializing {
		s.mu.Unlock()
		cancel()
		ch.Close()
		return ErrBadState
	}
	s.ch = ch
	s.cancelLoop = cancel
	s.mu.Unlock()

	go s.dispatch(loopCtx, ch.Recv())

	if !s.transition(StateRinging) {
		return ErrBadState
	}
	s.armRingTimer()
	return nil
}

// Accept answers the retained offer: acquire media, apply the offer, send the
// answer back. Valid only while ringing.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.initiator || s.state != StateRinging {
		s.mu.Unlock()
		return fmt.Errorf("%w: accept from %s", ErrBadState, s.state)
	}
	ch := s.ch
	s.mu.Unlock()

	local, err := s.cfg.Media.Acquire(s.constraints())
	if err != nil {
		s.fail(err)
		return err
	}
	peers, err := s.cfg.Connector(PeerEvents{
		OnCandidate:   s.handleLocalCandidate,
		OnStateChange: s.handlePeerState,
	})
	if err != nil {
		local.Close()
		s.fail(err)
		return err
	}
	peers.SetLocalTracks(local.AudioTrack(), local.VideoTrack())

	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		local.Close()
		peers.CloseAll()
		return ErrBadState
	}
	s.local = local
	s.peers = peers
	s.mu.Unlock()

	if err := peers.Create(s.cfg.RemoteUserID); err != nil {
		s.fail(err)
		return err
	}
	s.flushEarlyCandidates(peers)
	answer, err := peers.AcceptOffer(s.cfg.RemoteUserID, s.offer.SDP)
	if err != nil {
		s.fail(err)
		return err
	}
	if err := ch.Send(ctx, signal.KindCallAnswer, s.cfg.RemoteUserID, signal.CallAnswer{SDP: answer}); err != nil {
		s.fail(err)
		return err
	}

	s.stopRingTimer()
	s.transition(StateConnected)
	return nil
}

// Decline rejects a ringing call and tears down.
func (s *Session) Decline(ctx context.Context) error {
	s.mu.Lock()
	if s.initiator || s.state != StateRinging {
		s.mu.Unlock()
		return fmt.Errorf("%w: decline from %s", ErrBadState, s.state)
	}
	ch := s.ch
	s.mu.Unlock()

	if err := ch.Send(ctx, signal.KindCallDeclined, s.cfg.RemoteUserID, nil); err != nil {
		log.Printf("CALL [%s]: send decline: %v", s.cfg.ThreadID, err)
	}
	if s.transition(StateDeclined) {
		s.teardown()
	}
	return nil
}

// Hangup ends the call from either side. No-op once terminal.
func (s *Session) Hangup() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	ch := s.ch
	s.mu.Unlock()

	if ch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
		if err := ch.Send(ctx, signal.KindCallEnd, s.cfg.RemoteUserID, nil); err != nil {
			log.Printf("CALL [%s]: send call-end: %v", s.cfg.ThreadID, err)
		}
		cancel()
	}
	if s.transition(StateEnded) {
		s.teardown()
	}
}

// setup is the shared initiator bring-up: media, connector, thread channel,
// dispatcher.
func (s *Session) setup(ctx context.Context) (PeerConnector, signal.Channel, error) {
	local, err := s.cfg.Media.Acquire(s.constraints())
	if err != nil {
		return nil, nil, err
	}
	peers, err := s.cfg.Connector(PeerEvents{
		OnCandidate:   s.handleLocalCandidate,
		OnStateChange: s.handlePeerState,
	})
	if err != nil {
		local.Close()
		return nil, nil, err
	}
	peers.SetLocalTracks(local.AudioTrack(), local.VideoTrack())

	ch, err := s.cfg.Signaler.Subscribe(ctx, signal.CallThread(s.cfg.ThreadID))
	if err != nil {
		peers.CloseAll()
		local.Close()
		return nil, nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.state != StateInitializing {
		s.mu.Unlock()
		cancel()
		ch.Close()
		peers.CloseAll()
		local.Close()
		return nil, nil, ErrBadState
	}
	s.local = local
	s.peers = peers
	s.ch = ch
	s.cancelLoop = cancel
	s.mu.Unlock()

	go s.dispatch(loopCtx, ch.Recv())
	return peers, ch, nil
}

// flushEarlyCandidates replays candidates that arrived before Accept built
// the connector. The peer layer queues them further if the remote description
// is not set yet.
func (s *Session) flushEarlyCandidates(peers PeerConnector) {
	s.mu.Lock()
	buf := s.earlyCands
	s.earlyCands = nil
	s.mu.Unlock()
	for _, cand := range buf {
		if err := peers.ApplyCandidate(s.cfg.RemoteUserID, cand); err != nil {
			log.Printf("CALL [%s]: apply buffered candidate: %v", s.cfg.ThreadID, err)
		}
	}
}

func (s *Session) connector() PeerConnector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers
}

func (s *Session) constraints() media.Constraints {
	return media.Constraints{Audio: true, Video: s.cfg.CallType == signal.CallVideo}
}

// ── Inbound dispatch ──────────────────────────────────────────────────────────

func (s *Session) dispatch(ctx context.Context, recv <-chan signal.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-recv:
			if !ok {
				return
			}
			s.handle(env)
		}
	}
}

func (s *Session) handle(env signal.Envelope) {
	if !env.AddressedTo(s.cfg.Self.UserID) {
		return
	}
	if env.From != s.cfg.RemoteUserID {
		return
	}

	switch env.Kind {
	case signal.KindCallAnswer:
		if !s.initiator {
			return
		}
		a, err := signal.Body[signal.CallAnswer](env)
		if err != nil {
			return
		}
		peers := s.connector()
		if peers == nil {
			return
		}
		if err := peers.ApplyAnswer(s.cfg.RemoteUserID, a.SDP); err != nil {
			log.Printf("CALL [%s]: apply answer: %v", s.cfg.ThreadID, err)
		}
		s.stopRingTimer()

	case signal.KindICECandidate:
		c, err := signal.Body[signal.Candidate](env)
		if err != nil {
			return
		}
		s.mu.Lock()
		peers := s.peers
		if peers == nil {
			// Trickled while ringing; no connector exists until Accept.
			if len(s.earlyCands) < earlyCandidateCap {
				s.earlyCands = append(s.earlyCands, c.Candidate)
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if err := peers.ApplyCandidate(s.cfg.RemoteUserID, c.Candidate); err != nil {
			log.Printf("CALL [%s]: apply candidate: %v", s.cfg.ThreadID, err)
		}

	case signal.KindCallEnd:
		if s.transition(StateEnded) {
			s.teardown()
		}

	case signal.KindCallDeclined:
		if !s.initiator {
			return
		}
		s.stopRingTimer()
		if s.transition(StateDeclined) {
			// Linger so the UI can surface the decline, then tear down.
			time.AfterFunc(s.cfg.DismissDelay, s.teardown)
		}
	}
}

// ── Callbacks from the peer layer ────────────────────────────────────────────

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

// handlePeerState watches the single connection: "connected" is the
// authoritative start of the call clock; failed or disconnected ends the
// call.
func (s *Session) handlePeerState(remoteUserID string, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.startedAt.IsZero() {
			s.startedAt = time.Now()
		}
		s.mu.Unlock()
		s.stopRingTimer()
		s.transition(StateConnected)

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		s.mu.Lock()
		wasConnected := s.state == StateConnected
		s.mu.Unlock()
		if wasConnected {
			if s.transition(StateEnded) {
				s.teardown()
			}
		} else {
			s.fail(fmt.Errorf("call: connection %s before media was up", state))
		}
	}
}

// ── Lifecycle plumbing ────────────────────────────────────────────────────────

func (s *Session) armRingTimer() {
	if s.cfg.RingTimeout <= 0 {
		return
	}
	s.mu.Lock()
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, s.ringTimedOut)
	s.mu.Unlock()
}

func (s *Session) stopRingTimer() {
	s.mu.Lock()
	t := s.ringTimer
	s.ringTimer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (s *Session) ringTimedOut() {
	s.mu.Lock()
	ringing := s.state == StateCalling || s.state == StateRinging
	ch := s.ch
	s.mu.Unlock()
	if !ringing {
		return
	}
	log.Printf("CALL [%s]: no answer within %s", s.cfg.ThreadID, s.cfg.RingTimeout)
	if ch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
		_ = ch.Send(ctx, signal.KindCallEnd, s.cfg.RemoteUserID, nil)
		cancel()
	}
	if s.transition(StateMissed) {
		s.teardown()
	}
}

func (s *Session) fail(cause error) {
	if s.transition(StateFailed) {
		log.Printf("CALL [%s]: failed: %v", s.cfg.ThreadID, cause)
		s.teardown()
	}
}

// transition applies one FSM edge. Returns false when the edge is not valid
// from the current state, which collapses racing terminal paths into one.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	if !canTransition(s.state, to) {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.state = to
	s.mu.Unlock()

	log.Printf("CALL [%s]: %s -> %s", s.cfg.ThreadID, from, to)
	select {
	case s.events <- to:
	default:
	}
	return true
}

// teardown releases media, connection, and channel. Runs at most once no
// matter how many terminal paths race into it.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		ch, peers, local := s.ch, s.peers, s.local
		cancel, timer := s.cancelLoop, s.ringTimer
		s.ch, s.peers, s.local = nil, nil, nil
		s.cancelLoop, s.ringTimer = nil, nil
		if !s.startedAt.IsZero() {
			s.duration = time.Since(s.startedAt)
		}
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
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
			ch.Close()
		}
	})
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// State returns the call's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the state transition stream.
func (s *Session) Events() <-chan State { return s.events }

// Initiator reports whether this side originated the call.
func (s *Session) Initiator() bool { return s.initiator }

// ThreadID returns the conversation thread this call belongs to.
func (s *Session) ThreadID() string { return s.cfg.ThreadID }

// RemoteUserID returns the far side's user id.
func (s *Session) RemoteUserID() string { return s.cfg.RemoteUserID }

// CallType reports audio or video.
func (s *Session) CallType() signal.CallType { return s.cfg.CallType }

// Duration returns how long media has been up: live while connected, frozen
// at teardown, zero if the call never connected.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.duration > 0 {
		return s.duration
	}
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}
