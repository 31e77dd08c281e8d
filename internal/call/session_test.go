package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/halcyonchat/huddle/internal/media"
	"github.com/halcyonchat/huddle/internal/signal"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type sentMsg struct {
	Kind signal.Kind
	To   string
	Body []byte
}

type fakeChannel struct {
	name  string
	inbox chan signal.Envelope

	mu     sync.Mutex
	sent   []sentMsg
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbox: make(chan signal.Envelope, 64)}
}

func (f *fakeChannel) Name() string                 { return f.name }
func (f *fakeChannel) Recv() <-chan signal.Envelope { return f.inbox }

func (f *fakeChannel) Send(_ context.Context, kind signal.Kind, to string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return signal.ErrClosed
	}
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	f.sent = append(f.sent, sentMsg{Kind: kind, To: to, Body: raw})
	return nil
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) count(kind signal.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeChannel) last(kind signal.Kind) (sentMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Kind == kind {
			return f.sent[i], true
		}
	}
	return sentMsg{}, false
}

func (f *fakeChannel) deliver(t *testing.T, kind signal.Kind, from, to string, body any) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
	}
	f.inbox <- signal.Envelope{ID: from + "-" + string(kind), Kind: kind, From: from, To: to, Body: raw}
}

type published struct {
	Channel string
	Kind    signal.Kind
	To      string
}

type fakeSignaler struct {
	ch  *fakeChannel
	err error

	mu        sync.Mutex
	published []published
}

func (f *fakeSignaler) Subscribe(_ context.Context, name string) (signal.Channel, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.ch.name = name
	return f.ch, nil
}

func (f *fakeSignaler) Publish(_ context.Context, channel string, kind signal.Kind, to string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{Channel: channel, Kind: kind, To: to})
	return nil
}

func (f *fakeSignaler) publishedTo(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.published {
		if p.Channel == channel {
			return true
		}
	}
	return false
}

type fakePeers struct {
	mu       sync.Mutex
	created  []string
	applied  []webrtc.ICECandidateInit
	closeAll int
}

func (f *fakePeers) SetLocalTracks(audio, video webrtc.TrackLocal) {}

func (f *fakePeers) Create(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, id)
	return nil
}

func (f *fakePeers) OriginateOffer(id string) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (f *fakePeers) AcceptOffer(id string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakePeers) ApplyAnswer(id string, answer webrtc.SessionDescription) error { return nil }

func (f *fakePeers) ApplyCandidate(id string, c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakePeers) appliedCands() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.applied...)
}

func (f *fakePeers) CloseAll() {
	f.mu.Lock()
	f.closeAll++
	f.mu.Unlock()
}

func (f *fakePeers) closeAlls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeAll
}

type fakeLocal struct {
	closeCnt atomic.Int32
}

func (f *fakeLocal) AudioTrack() webrtc.TrackLocal { return nil }
func (f *fakeLocal) VideoTrack() webrtc.TrackLocal { return nil }
func (f *fakeLocal) Levels() media.LevelSource     { return nil }
func (f *fakeLocal) Close()                        { f.closeCnt.Add(1) }

type fakeSource struct {
	local *fakeLocal
	err   error
}

func (f *fakeSource) Acquire(media.Constraints) (media.Local, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.local, nil
}

// gatedSource blocks Acquire until released, to hold a session mid-setup.
type gatedSource struct {
	local   *fakeLocal
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) Acquire(media.Constraints) (media.Local, error) {
	close(g.entered)
	<-g.release
	return g.local, nil
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	sig    *fakeSignaler
	ch     *fakeChannel
	peers  *fakePeers
	local  *fakeLocal
	events PeerEvents
}

func newHarness() *harness {
	h := &harness{
		ch:    newFakeChannel(),
		peers: &fakePeers{},
		local: &fakeLocal{},
	}
	h.sig = &fakeSignaler{ch: h.ch}
	return h
}

func (h *harness) config() Config {
	return Config{
		ThreadID:     "thread42",
		Self:         signal.Identity{UserID: "alice", DisplayName: "Alice"},
		RemoteUserID: "bob",
		CallType:     signal.CallAudio,
		Signaler:     h.sig,
		Connector: func(ev PeerEvents) (PeerConnector, error) {
			h.events = ev
			return h.peers, nil
		},
		Media:        &fakeSource{local: h.local},
		RingTimeout:  time.Minute,
		DismissDelay: 20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func settle() { time.Sleep(50 * time.Millisecond) }

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestStartRingsThreadAndUserChannel(t *testing.T) {
	h := newHarness()
	sess := NewOutgoing(h.config())

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Hangup()

	if sess.State() != StateCalling {
		t.Fatalf("state = %s, want calling", sess.State())
	}
	if h.ch.name != "call:thread42" {
		t.Errorf("subscribed %q, want call:thread42", h.ch.name)
	}
	m, ok := h.ch.last(signal.KindCallOffer)
	if !ok || m.To != "bob" {
		t.Errorf("call-offer on thread channel: %+v", m)
	}
	var offer signal.CallOffer
	if err := json.Unmarshal(m.Body, &offer); err != nil {
		t.Fatal(err)
	}
	if offer.ThreadID != "thread42" || offer.CallType != signal.CallAudio {
		t.Errorf("offer body = %+v", offer)
	}
	if !h.sig.publishedTo("user-call:bob") {
		t.Error("callee's user channel was not rung")
	}
}

func TestDeclinedCallTearsDownAfterDismissDelay(t *testing.T) {
	h := newHarness()
	sess := NewOutgoing(h.config())
	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.ch.deliver(t, signal.KindCallDeclined, "bob", "alice", nil)
	waitFor(t, "declined state", func() bool { return sess.State() == StateDeclined })

	// Resources linger for the dismiss delay, then one teardown.
	waitFor(t, "teardown", func() bool { return h.local.closeCnt.Load() == 1 })
	if !h.ch.isClosed() {
		t.Error("channel not closed after dismiss")
	}
	if h.peers.closeAlls() != 1 {
		t.Errorf("CloseAll ran %d times, want 1", h.peers.closeAlls())
	}
}

func TestCallEndTearsDownImmediately(t *testing.T) {
	h := newHarness()
	sess := NewOutgoing(h.config())
	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.ch.deliver(t, signal.KindCallEnd, "bob", "alice", nil)
	waitFor(t, "ended state", func() bool { return sess.State() == StateEnded })
	waitFor(t, "teardown", func() bool { return h.local.closeCnt.Load() == 1 })

	// Hangup after the remote end is a no-op.
	sess.Hangup()
	if h.local.closeCnt.Load() != 1 {
		t.Error("second teardown ran")
	}
	if h.ch.count(signal.KindCallEnd) != 0 {
		t.Error("sent call-end after the call already ended")
	}
}

func TestDisconnectMidCallEndsExactlyOnce(t *testing.T) {
	h := newHarness()
	sess := NewOutgoing(h.config())
	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.events.OnStateChange("bob", webrtc.PeerConnectionStateConnected)
	waitFor(t, "connected state", func() bool { return sess.State() == StateConnected })

	h.events.OnStateChange("bob", webrtc.PeerConnectionStateFailed)
	waitFor(t, "ended state", func() bool { return sess.State() == StateEnded })

	// A second failure report changes nothing.
	h.events.OnStateChange("bob", webrtc.PeerConnectionStateFailed)
	settle()
	if n := h.local.closeCnt.Load(); n != 1 {
		t.Errorf("media released %d times, want 1", n)
	}
	if sess.Duration() == 0 {
		t.Error("connected call has zero duration")
	}
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	h := newHarness()
	cfg := h.config()
	cfg.RingTimeout = 30 * time.Millisecond
	sess := NewOutgoing(cfg)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "missed state", func() bool { return sess.State() == StateMissed })
	if h.ch.count(signal.KindCallEnd) != 1 {
		t.Error("missed call should tell the far side to stop ringing")
	}
	waitFor(t, "teardown", func() bool { return h.local.closeCnt.Load() == 1 })
}

func TestAnswerStopsRingTimer(t *testing.T) {
	h := newHarness()
	cfg := h.config()
	cfg.RingTimeout = 40 * time.Millisecond
	sess := NewOutgoing(cfg)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sess.Hangup()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}
	h.ch.deliver(t, signal.KindCallAnswer, "bob", "alice", signal.CallAnswer{SDP: answer})
	h.events.OnStateChange("bob", webrtc.PeerConnectionStateConnected)
	waitFor(t, "connected state", func() bool { return sess.State() == StateConnected })

	time.Sleep(80 * time.Millisecond)
	if sess.State() != StateConnected {
		t.Errorf("ring timer fired on an answered call: state = %s", sess.State())
	}
}

func TestReceiverAcceptFlow(t *testing.T) {
	h := newHarness()
	offer := signal.CallOffer{
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"},
		CallType: signal.CallVideo,
		ThreadID: "thread42",
	}
	sess := NewIncoming(h.config(), offer)

	if err := sess.Ring(context.Background()); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	if sess.State() != StateRinging {
		t.Fatalf("state = %s, want ringing", sess.State())
	}
	if sess.CallType() != signal.CallVideo {
		t.Error("call type not taken from the offer")
	}

	if err := sess.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if sess.State() != StateConnected {
		t.Fatalf("state = %s, want connected", sess.State())
	}
	m, ok := h.ch.last(signal.KindCallAnswer)
	if !ok || m.To != "bob" {
		t.Errorf("call-answer = %+v, want addressed to bob", m)
	}

	sess.Hangup()
	if h.ch.count(signal.KindCallEnd) != 1 {
		t.Error("hangup should send call-end")
	}
	waitFor(t, "teardown", func() bool { return h.local.closeCnt.Load() == 1 })
}

func TestCandidateWhileRingingAppliedOnAccept(t *testing.T) {
	h := newHarness()
	offer := signal.CallOffer{
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"},
		CallType: signal.CallAudio,
		ThreadID: "thread42",
	}
	sess := NewIncoming(h.config(), offer)
	if err := sess.Ring(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sess.Hangup()

	// The initiator trickles its candidates during the answer delay, before
	// any connector exists on this side. They must survive until Accept.
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2113937151 10.0.0.4 50000 typ host"}
	h.ch.deliver(t, signal.KindICECandidate, "bob", "alice", signal.Candidate{Candidate: cand})
	waitFor(t, "candidate consumed", func() bool { return len(h.ch.inbox) == 0 })
	settle()
	if got := h.peers.appliedCands(); len(got) != 0 {
		t.Fatalf("candidate applied before a connector existed: %v", got)
	}

	if err := sess.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	got := h.peers.appliedCands()
	if len(got) != 1 || got[0].Candidate != cand.Candidate {
		t.Fatalf("buffered candidate not applied on accept: %v", got)
	}
}

func TestHangupDuringStartAbortsCall(t *testing.T) {
	h := newHarness()
	cfg := h.config()
	gate := &gatedSource{
		local:   h.local,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cfg.Media = gate
	sess := NewOutgoing(cfg)

	done := make(chan error, 1)
	go func() { done <- sess.Start(context.Background()) }()
	<-gate.entered

	// The hangup must win; the in-flight start must not resurrect the call.
	sess.Hangup()
	if sess.State() != StateEnded {
		t.Fatalf("state = %s after hangup, want ended", sess.State())
	}

	close(gate.release)
	if err := <-done; !errors.Is(err, ErrBadState) {
		t.Fatalf("Start = %v, want ErrBadState", err)
	}
	if sess.State() != StateEnded {
		t.Errorf("late start moved state to %s", sess.State())
	}
	if h.ch.count(signal.KindCallOffer) != 0 {
		t.Error("offer sent on thread channel for a dead call")
	}
	if h.sig.publishedTo("user-call:bob") {
		t.Error("callee's user channel rung for a dead call")
	}
	// The media the late setup acquired is released on its abort path.
	waitFor(t, "media released", func() bool { return h.local.closeCnt.Load() == 1 })
}

func TestReceiverDecline(t *testing.T) {
	h := newHarness()
	offer := signal.CallOffer{
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"},
		CallType: signal.CallAudio,
		ThreadID: "thread42",
	}
	sess := NewIncoming(h.config(), offer)
	if err := sess.Ring(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := sess.Decline(context.Background()); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if sess.State() != StateDeclined {
		t.Fatalf("state = %s, want declined", sess.State())
	}
	if h.ch.count(signal.KindCallDeclined) != 1 {
		t.Error("decline not sent")
	}
	if !h.ch.isClosed() {
		t.Error("channel not closed after decline")
	}
	// No media was ever acquired on this path.
	if h.local.closeCnt.Load() != 0 {
		t.Error("declined-before-accept call touched media")
	}

	if err := sess.Accept(context.Background()); !errors.Is(err, ErrBadState) {
		t.Errorf("Accept after decline = %v, want ErrBadState", err)
	}
}

func TestMediaFailureFailsCall(t *testing.T) {
	h := newHarness()
	cfg := h.config()
	cfg.Media = &fakeSource{err: media.ErrDeviceBusy}
	sess := NewOutgoing(cfg)

	if err := sess.Start(context.Background()); !errors.Is(err, media.ErrDeviceBusy) {
		t.Fatalf("Start = %v, want ErrDeviceBusy", err)
	}
	if sess.State() != StateFailed {
		t.Fatalf("state = %s, want failed", sess.State())
	}
}

func TestMessagesFromStrangersIgnored(t *testing.T) {
	h := newHarness()
	sess := NewOutgoing(h.config())
	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sess.Hangup()

	// call-end from someone who is not the call's far side must not end it.
	h.ch.deliver(t, signal.KindCallEnd, "mallory", "alice", nil)
	settle()
	if sess.State() != StateCalling {
		t.Errorf("state = %s after stranger's call-end, want calling", sess.State())
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	for _, st := range []State{StateEnded, StateDeclined, StateMissed, StateFailed} {
		if !st.Terminal() {
			t.Errorf("%s should be terminal", st)
		}
		for next := StateInitializing; next <= StateFailed; next++ {
			if canTransition(st, next) {
				t.Errorf("transition %s -> %s allowed", st, next)
			}
		}
	}
}
