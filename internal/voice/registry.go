package voice

import (
	"sort"
	"sync"

	"github.com/halcyonchat/huddle/internal/signal"
)

// Participant is one remote member of a voice channel as seen locally. The
// local user is tracked on the session itself and never appears here.
type Participant struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	IsMuted        bool   `json:"isMuted"`
	IsDeafened     bool   `json:"isDeafened"`
	IsVideoEnabled bool   `json:"isVideoEnabled"`
	IsSpeaking     bool   `json:"isSpeaking"`
}

// The relay gives no ordering, so an update can outrun the join it follows.
// Updates for unknown ids are parked here until the join lands; the map is
// capped so a flood of bogus ids cannot grow it.
const maxPendingUpdates = 32

// Registry is the session-owned view of channel membership: a reducer over
// join/presence/leave/update/speaking messages. All mutations go through the
// owning session; snapshots may be read from other goroutines.
type Registry struct {
	mu      sync.Mutex
	parts   map[string]*Participant
	pending map[string]signal.Update
}

func NewRegistry() *Registry {
	return &Registry{
		parts:   make(map[string]*Participant),
		pending: make(map[string]signal.Update),
	}
}

// ApplyJoin inserts a participant from a join or presence announcement.
// A duplicate announcement for a known id is a no-op; a peer is typically
// seen twice, once via its join broadcast and once via a presence reply.
// Any update that arrived ahead of the join is merged over the announced
// flags, so join-then-update and update-then-join settle on the same entry.
func (r *Registry) ApplyJoin(info signal.PresenceInfo) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.parts[info.UserID]; ok {
		return *p, false
	}
	p := &Participant{
		UserID:         info.UserID,
		DisplayName:    info.DisplayName,
		IsMuted:        info.IsMuted,
		IsDeafened:     info.IsDeafened,
		IsVideoEnabled: info.IsVideoEnabled,
	}
	if u, ok := r.pending[info.UserID]; ok {
		delete(r.pending, info.UserID)
		mergeUpdate(p, u)
	}
	r.parts[info.UserID] = p
	return *p, true
}

// ApplyLeave removes a participant. Reports whether it was known.
func (r *Registry) ApplyLeave(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, userID)
	if _, ok := r.parts[userID]; !ok {
		return false
	}
	delete(r.parts, userID)
	return true
}

// ApplyUpdate merges only the fields carried by the update; nil fields stay
// untouched. An update for an unknown id is retained and folded in when the
// join lands; until then it reports false, nobody is there to notify yet.
func (r *Registry) ApplyUpdate(u signal.Update) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.parts[u.UserID]
	if !ok {
		r.retainUpdate(u)
		return Participant{}, false
	}
	mergeUpdate(p, u)
	return *p, true
}

// retainUpdate parks an early update, later set fields winning over earlier
// ones. New ids are dropped once the cap is hit. Caller holds r.mu.
func (r *Registry) retainUpdate(u signal.Update) {
	prev, ok := r.pending[u.UserID]
	if !ok {
		if len(r.pending) >= maxPendingUpdates {
			return
		}
		r.pending[u.UserID] = u
		return
	}
	if u.IsMuted != nil {
		prev.IsMuted = u.IsMuted
	}
	if u.IsDeafened != nil {
		prev.IsDeafened = u.IsDeafened
	}
	if u.IsVideoEnabled != nil {
		prev.IsVideoEnabled = u.IsVideoEnabled
	}
	r.pending[u.UserID] = prev
}

func mergeUpdate(p *Participant, u signal.Update) {
	if u.IsMuted != nil {
		p.IsMuted = *u.IsMuted
	}
	if u.IsDeafened != nil {
		p.IsDeafened = *u.IsDeafened
	}
	if u.IsVideoEnabled != nil {
		p.IsVideoEnabled = *u.IsVideoEnabled
	}
}

// ApplySpeaking sets the speaking flag; ignored for unknown participants.
func (r *Registry) ApplySpeaking(userID string, speaking bool) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.parts[userID]
	if !ok {
		return Participant{}, false
	}
	p.IsSpeaking = speaking
	return *p, true
}

// Get returns one participant by id.
func (r *Registry) Get(userID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parts[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Snapshot returns all participants ordered by user id.
func (r *Registry) Snapshot() []Participant {
	r.mu.Lock()
	out := make([]Participant, 0, len(r.parts))
	for _, p := range r.parts {
		out = append(out, *p)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count returns the number of known participants.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parts)
}

// Clear empties the registry. Used on session teardown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parts = make(map[string]*Participant)
	r.pending = make(map[string]signal.Update)
}
