// Package call implements 1:1 calls: the per-call state machine over a
// thread-scoped relay channel, and the always-on listener that picks up
// inbound call offers on the user's own channel.
package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/halcyonchat/huddle/internal/signal"
)

// ErrBadState: the requested operation is not valid from the call's
// current state (e.g. Accept on a call that already ended).
var ErrBadState = errors.New("call: invalid state for operation")

// Signaler hands out relay channel subscriptions and one-shot publishes.
// Satisfied by *signal.Relay.
type Signaler interface {
	Subscribe(ctx context.Context, channel string) (signal.Channel, error)
	Publish(ctx context.Context, channel string, kind signal.Kind, to string, body any) error
}

// PeerConnector is the slice of the peer-connection layer a call uses; a call
// only ever holds one record, keyed by the remote user id. Satisfied by
// *rtc.Manager.
type PeerConnector interface {
	SetLocalTracks(audio, video webrtc.TrackLocal)
	Create(remoteUserID string) error
	OriginateOffer(remoteUserID string) (webrtc.SessionDescription, error)
	AcceptOffer(remoteUserID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(remoteUserID string, answer webrtc.SessionDescription) error
	ApplyCandidate(remoteUserID string, cand webrtc.ICECandidateInit) error
	CloseAll()
}

// PeerEvents are the callbacks a call registers on its connector.
type PeerEvents struct {
	OnCandidate   func(remoteUserID string, cand webrtc.ICECandidateInit)
	OnStateChange func(remoteUserID string, state webrtc.PeerConnectionState)
}

// ConnectorFactory builds the call's peer connector with callbacks attached.
type ConnectorFactory func(ev PeerEvents) (PeerConnector, error)
