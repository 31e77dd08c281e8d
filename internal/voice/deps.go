// Package voice implements the N-party voice channel: the join/leave mesh
// protocol, the participant registry, and local speaking detection. Coupling
// to the relay and to Pion is via the small interfaces below, so the session
// logic is testable without either.
package voice

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/halcyonchat/huddle/internal/signal"
)

var (
	// ErrJoinInProgress: Join called while a previous Join has not finished.
	ErrJoinInProgress = errors.New("voice: join already in progress")

	// ErrAlreadyJoined: Join called on a connected session.
	ErrAlreadyJoined = errors.New("voice: already joined")

	// ErrJoinAborted: the session was torn down while Join was still
	// acquiring resources; the half-built state has been released.
	ErrJoinAborted = errors.New("voice: join aborted by concurrent teardown")
)

// Signaler hands out relay channel subscriptions. Satisfied by *signal.Relay.
type Signaler interface {
	Subscribe(ctx context.Context, channel string) (signal.Channel, error)
}

// PeerConnector is the surface the session needs from the peer-connection
// layer. Satisfied by *rtc.Manager.
type PeerConnector interface {
	SetLocalTracks(audio, video webrtc.TrackLocal)
	Create(remoteUserID string) error
	OriginateOffer(remoteUserID string) (webrtc.SessionDescription, error)
	AcceptOffer(remoteUserID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(remoteUserID string, answer webrtc.SessionDescription) error
	ApplyCandidate(remoteUserID string, cand webrtc.ICECandidateInit) error
	Close(remoteUserID string) error
	CloseAll()
	Has(remoteUserID string) bool
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
}

// PeerEvents are the callbacks a session registers on its connector. They are
// invoked from Pion goroutines; the session serializes them itself.
type PeerEvents struct {
	OnCandidate   func(remoteUserID string, cand webrtc.ICECandidateInit)
	OnStateChange func(remoteUserID string, state webrtc.PeerConnectionState)
}

// ConnectorFactory builds the session's peer connector with its callbacks
// attached. The real factory wraps rtc.NewManager.
type ConnectorFactory func(ev PeerEvents) (PeerConnector, error)
