// Package roster keeps the display state of a voice channel: who is in it,
// who is speaking and who is muted.
//
// The roster is a cache for presentation only. Nothing in the negotiation or
// media path reads it back.
package roster

import "sync"

// Member is the display state of one participant.
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Self     bool   `json:"self,omitempty"`
	Speaking bool   `json:"speaking"`
	Muted    bool   `json:"muted"`
}

// Roster is a join-ordered set of members. It is safe for concurrent use.
type Roster struct {
	mu      sync.RWMutex
	selfID  string
	order   []string
	members map[string]*Member
}

// New returns an empty roster for the local participant selfID.
func New(selfID string) *Roster {
	return &Roster{selfID: selfID, members: make(map[string]*Member)}
}

// Replace sets the membership to users, keeping the speaking and mute state
// of members that remain. users is a list of (id, username) pairs in channel
// order.
func (r *Roster) Replace(users []Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*Member, len(users))
	order := make([]string, 0, len(users))
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		if _, dup := next[u.ID]; dup {
			continue
		}
		m := r.members[u.ID]
		if m == nil {
			m = &Member{ID: u.ID}
		}
		if u.Username != "" {
			m.Username = u.Username
		}
		m.Self = u.ID == r.selfID
		next[u.ID] = m
		order = append(order, u.ID)
	}
	r.members = next
	r.order = order
}

// Add inserts a member at the end. An existing member only has its username
// updated.
func (r *Roster) Add(id, username string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[id]; ok {
		if username != "" {
			m.Username = username
		}
		return
	}
	r.members[id] = &Member{ID: id, Username: username, Self: id == r.selfID}
	r.order = append(r.order, id)
}

// Remove drops a member. It reports whether the member was present.
func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// SetSpeaking updates the speaking flag. Unknown members are ignored and
// false is returned.
func (r *Roster) SetSpeaking(id string, speaking bool) bool {
	return r.update(id, func(m *Member) { m.Speaking = speaking })
}

// SetMuted updates the mute flag. A muted member is never shown as speaking.
func (r *Roster) SetMuted(id string, muted bool) bool {
	return r.update(id, func(m *Member) {
		m.Muted = muted
		if muted {
			m.Speaking = false
		}
	})
}

func (r *Roster) update(id string, fn func(*Member)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return false
	}
	fn(m)
	return true
}

// Get returns a copy of the member with id.
func (r *Roster) Get(id string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members returns copies of all members in join order.
func (r *Roster) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.members[id])
	}
	return out
}

// Others returns the ids of every member except the local participant.
func (r *Roster) Others() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		if id != r.selfID {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of members.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Clear removes every member.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = make(map[string]*Member)
	r.order = nil
}
