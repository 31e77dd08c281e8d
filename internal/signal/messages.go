// Package signal implements the control-message relay between clients:
// named pub/sub channels carrying typed, JSON-encoded signaling envelopes.
// Delivery is at-most-once per subscriber and unordered across message
// kinds; every consumer must be idempotent against reordering and
// duplication.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind is the tag of the signaling message union.
type Kind string

const (
	KindJoin            Kind = "join"
	KindLeave           Kind = "leave"
	KindUpdate          Kind = "update"
	KindSpeaking        Kind = "speaking"
	KindRequestPresence Kind = "request-presence"
	KindPresence        Kind = "presence"
	KindOffer           Kind = "offer"
	KindAnswer          Kind = "answer"
	KindICECandidate    Kind = "ice-candidate"
	KindCallOffer       Kind = "call-offer"
	KindCallAnswer      Kind = "call-answer"
	KindCallEnd         Kind = "call-end"
	KindCallDeclined    Kind = "call-declined"
)

// CallType distinguishes audio-only from video 1:1 calls.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Identity describes the local user. Supplied synchronously before any
// session starts.
type Identity struct {
	UserID      string
	DisplayName string
}

// Envelope is the wire frame for every signaling message. From is always set
// by the sending relay; To is set only on point-to-point kinds and must be
// checked by recipients.
type Envelope struct {
	ID   string          `json:"id"`
	Kind Kind            `json:"kind"`
	From string          `json:"from"`
	To   string          `json:"to,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// AddressedTo reports whether the envelope is for the given user. Broadcast
// envelopes (empty To) are for everyone.
func (e Envelope) AddressedTo(userID string) bool {
	return e.To == "" || e.To == userID
}

// Body decodes the envelope body into the payload type for its kind.
func Body[T any](e Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(e.Body, &v); err != nil {
		return v, fmt.Errorf("signal: decode %s body: %w", e.Kind, err)
	}
	return v, nil
}

// ── Payload shapes ────────────────────────────────────────────────────────────

// PresenceInfo is the body of join and presence messages: one participant's
// identity and flags.
type PresenceInfo struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	IsMuted        bool   `json:"isMuted"`
	IsDeafened     bool   `json:"isDeafened"`
	IsVideoEnabled bool   `json:"isVideoEnabled"`
}

// Leave is the body of a leave broadcast.
type Leave struct {
	UserID string `json:"userId"`
}

// Update carries only the flags that changed; nil fields were not touched.
type Update struct {
	UserID         string `json:"userId"`
	IsMuted        *bool  `json:"isMuted,omitempty"`
	IsDeafened     *bool  `json:"isDeafened,omitempty"`
	IsVideoEnabled *bool  `json:"isVideoEnabled,omitempty"`
}

// Speaking is broadcast on speaking-state transitions only.
type Speaking struct {
	UserID     string `json:"userId"`
	IsSpeaking bool   `json:"isSpeaking"`
}

// RequestPresence asks existing participants to describe themselves to the
// requester (the relay does not replay missed broadcasts).
type RequestPresence struct {
	RequesterID string `json:"requesterId"`
}

// Description carries an SDP offer or answer between a specific pair of peers.
type Description struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// Candidate carries one trickle ICE candidate between a specific pair of peers.
type Candidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// CallOffer is the body of a call-offer: an SDP offer plus enough context for
// the callee to ring and later attach to the right thread.
type CallOffer struct {
	SDP      webrtc.SessionDescription `json:"sdp"`
	CallType CallType                  `json:"callType"`
	ThreadID string                    `json:"threadId"`
}

// CallAnswer is the body of a call-answer.
type CallAnswer struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// call-end and call-declined carry no body beyond the envelope addressing.
