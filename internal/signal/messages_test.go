package signal

import (
	"encoding/json"
	"testing"
)

func TestAddressedTo(t *testing.T) {
	tests := []struct {
		name string
		to   string
		user string
		want bool
	}{
		{"broadcast reaches everyone", "", "alice", true},
		{"direct match", "alice", "alice", true},
		{"direct mismatch", "bob", "alice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Envelope{To: tt.to}
			if got := e.AddressedTo(tt.user); got != tt.want {
				t.Errorf("AddressedTo(%q) with To=%q = %v, want %v", tt.user, tt.to, got, tt.want)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	body, err := json.Marshal(Update{UserID: "alice", IsMuted: boolPtr(true)})
	if err != nil {
		t.Fatal(err)
	}
	in := Envelope{ID: "m1", Kind: KindUpdate, From: "alice", Body: body}

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Kind != KindUpdate || out.From != "alice" {
		t.Fatalf("envelope mangled: %+v", out)
	}

	u, err := Body[Update](out)
	if err != nil {
		t.Fatal(err)
	}
	if u.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", u.UserID)
	}
	if u.IsMuted == nil || !*u.IsMuted {
		t.Error("IsMuted pointer lost in transit")
	}
	if u.IsDeafened != nil {
		t.Error("absent field decoded as set")
	}
}

func TestBodyRejectsGarbage(t *testing.T) {
	e := Envelope{Kind: KindOffer, Body: json.RawMessage(`{nope`)}
	if _, err := Body[Description](e); err == nil {
		t.Error("expected decode error for malformed body")
	}
}

func TestChannelNames(t *testing.T) {
	if got := VoiceChannel("general"); got != "voice:general" {
		t.Errorf("VoiceChannel = %q", got)
	}
	if got := CallThread("t42"); got != "call:t42" {
		t.Errorf("CallThread = %q", got)
	}
	if got := UserCall("alice"); got != "user-call:alice" {
		t.Errorf("UserCall = %q", got)
	}
}

func boolPtr(b bool) *bool { return &b }
