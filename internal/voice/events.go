package voice

// EventType tags session events delivered to the UI layer.
type EventType string

const (
	EventState               EventType = "state"
	EventParticipantJoined   EventType = "participant-joined"
	EventParticipantLeft     EventType = "participant-left"
	EventParticipantUpdated  EventType = "participant-updated"
	EventParticipantSpeaking EventType = "participant-speaking"
	EventSelfSpeaking        EventType = "self-speaking"
)

// Event is one session notification. Participant is set for participant-*
// events; State for state events.
type Event struct {
	Type        EventType    `json:"type"`
	State       State        `json:"state,omitempty"`
	UserID      string       `json:"user_id,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	IsSpeaking  bool         `json:"is_speaking,omitempty"`
}
