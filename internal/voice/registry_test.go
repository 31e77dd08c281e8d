package voice

import (
	"fmt"
	"testing"

	"github.com/halcyonchat/huddle/internal/signal"
)

func TestRegistryDuplicateJoinIsNoop(t *testing.T) {
	r := NewRegistry()

	_, inserted := r.ApplyJoin(signal.PresenceInfo{UserID: "bob", DisplayName: "Bob", IsMuted: true})
	if !inserted {
		t.Fatal("first join should insert")
	}
	// A peer is usually seen twice: its join broadcast plus a presence reply.
	// The second sighting must not overwrite flags that updates changed since.
	if _, ok := r.ApplyUpdate(signal.Update{UserID: "bob", IsMuted: boolPtr(false)}); !ok {
		t.Fatal("update on known participant should apply")
	}
	_, inserted = r.ApplyJoin(signal.PresenceInfo{UserID: "bob", DisplayName: "Bob", IsMuted: true})
	if inserted {
		t.Error("duplicate join should be a no-op")
	}
	p, _ := r.Get("bob")
	if p.IsMuted {
		t.Error("duplicate join clobbered the updated mute flag")
	}
}

func TestRegistryOrderIndependence(t *testing.T) {
	// join, presence, and update for the same participant in any relative
	// order must settle on the same entry.
	join := signal.PresenceInfo{UserID: "carol", DisplayName: "Carol"}
	update := signal.Update{UserID: "carol", IsMuted: boolPtr(true)}

	apply := map[string]func(*Registry){
		"join":     func(r *Registry) { r.ApplyJoin(join) },
		"presence": func(r *Registry) { r.ApplyJoin(join) },
		"update":   func(r *Registry) { r.ApplyUpdate(update) },
	}
	orders := [][]string{
		{"join", "presence", "update"},
		{"join", "update", "presence"},
		{"presence", "update", "join"},
		{"update", "join", "presence"},
		{"update", "presence", "join"},
	}

	for _, order := range orders {
		r := NewRegistry()
		for _, step := range order {
			apply[step](r)
		}
		p, ok := r.Get("carol")
		if !ok {
			t.Fatalf("order %v: carol missing", order)
		}
		if p.DisplayName != "Carol" {
			t.Errorf("order %v: DisplayName = %q", order, p.DisplayName)
		}
		if !p.IsMuted {
			t.Errorf("order %v: update lost", order)
		}
	}
}

func TestRegistryEarlyUpdateMergedOnJoin(t *testing.T) {
	r := NewRegistry()

	// Two updates outrun the join; the later set field wins per field.
	if _, ok := r.ApplyUpdate(signal.Update{UserID: "erin", IsMuted: boolPtr(true)}); ok {
		t.Fatal("early update should report not-applied")
	}
	r.ApplyUpdate(signal.Update{UserID: "erin", IsMuted: boolPtr(false), IsDeafened: boolPtr(true)})

	p, inserted := r.ApplyJoin(signal.PresenceInfo{UserID: "erin", DisplayName: "Erin", IsMuted: true})
	if !inserted {
		t.Fatal("join should insert")
	}
	if p.IsMuted {
		t.Error("retained update did not override the announced mute flag")
	}
	if !p.IsDeafened {
		t.Error("retained deafen flag lost")
	}

	// The pending entry is consumed; a rejoin sees the announcement as-is.
	r.ApplyLeave("erin")
	p, _ = r.ApplyJoin(signal.PresenceInfo{UserID: "erin", DisplayName: "Erin", IsMuted: true})
	if !p.IsMuted {
		t.Error("stale pending update survived a leave")
	}
}

func TestRegistryPendingUpdatesBounded(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < maxPendingUpdates; i++ {
		r.ApplyUpdate(signal.Update{UserID: fmt.Sprintf("peer-%02d", i), IsMuted: boolPtr(true)})
	}
	// Over the cap: dropped, and the eventual join keeps its announced flags.
	r.ApplyUpdate(signal.Update{UserID: "late", IsMuted: boolPtr(true)})
	p, _ := r.ApplyJoin(signal.PresenceInfo{UserID: "late"})
	if p.IsMuted {
		t.Error("update past the pending cap should have been dropped")
	}
	// A retained id still converges.
	p, _ = r.ApplyJoin(signal.PresenceInfo{UserID: "peer-00"})
	if !p.IsMuted {
		t.Error("retained update lost")
	}
}

func TestRegistryPartialUpdate(t *testing.T) {
	r := NewRegistry()
	r.ApplyJoin(signal.PresenceInfo{UserID: "dan", IsDeafened: true, IsVideoEnabled: true})

	p, ok := r.ApplyUpdate(signal.Update{UserID: "dan", IsMuted: boolPtr(true)})
	if !ok {
		t.Fatal("update should apply")
	}
	if !p.IsMuted {
		t.Error("IsMuted not applied")
	}
	if !p.IsDeafened || !p.IsVideoEnabled {
		t.Error("fields absent from the update were touched")
	}
}

func TestRegistryUnknownParticipantIgnored(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.ApplyUpdate(signal.Update{UserID: "ghost"}); ok {
		t.Error("update for unknown participant should not report applied")
	}
	if _, ok := r.ApplySpeaking("ghost", true); ok {
		t.Error("speaking for unknown participant should be ignored")
	}
	if r.ApplyLeave("ghost") {
		t.Error("leave for unknown participant should report false")
	}
}

func TestRegistrySnapshotSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"zoe", "al", "mia"} {
		r.ApplyJoin(signal.PresenceInfo{UserID: id})
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].UserID > snap[i].UserID {
			t.Fatalf("snapshot not sorted: %v", snap)
		}
	}
	r.Clear()
	if r.Count() != 0 {
		t.Error("Clear left entries behind")
	}
}

func boolPtr(b bool) *bool { return &b }
