// Package peers tracks neighbor liveness: Online, Offline, and the
// transient Rejoining state used to trigger a catch-up burst exactly
// once on rediscovery.
package peers

import (
	"sync"
	"time"
)

// Status is a peer's liveness state.
type Status int

const (
	// StatusOnline means the peer has been seen within the staleness window.
	StatusOnline Status = iota
	// StatusOffline means the peer has exceeded the staleness window.
	StatusOffline
	// StatusRejoining is the transient state an Offline peer enters when
	// a topology update names it again. It lasts until the peer is next
	// seen (MarkSeen) or named by another topology update, either of
	// which makes it Online.
	StatusRejoining
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusRejoining:
		return "rejoining"
	default:
		return "unknown"
	}
}

// StalenessWindow is how long a peer can go unseen before it is swept to
// Offline.
const StalenessWindow = 30 * time.Second

// state is one peer's liveness record.
type state struct {
	status   Status
	since    time.Time // time of the current status's transition
	lastSeen time.Time // last time this peer was confirmed alive
}

// Snapshot is the read-only view returned to callers and the diagnostics
// server — never a pointer into live state.
type Snapshot struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	Since    time.Time `json:"since"`
	LastSeen time.Time `json:"last_seen"`
}

// Registry is the peer liveness tracker: a mutex-guarded map of node id
// to liveness record, driving the three-state machine.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*state
	now   func() time.Time // overridable in tests
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		peers: make(map[string]*state),
		now:   time.Now,
	}
}

// UpdateNeighbors applies an authoritative topology list: nodes newly
// named become Online; previously-Offline nodes become Rejoining;
// already Online/Rejoining nodes refresh to Online; nodes this node
// previously knew about but which are absent from the new list are
// dropped entirely (their pending sets should be discarded by the
// caller — see valuestore.Store.DropPeer).
func (r *Registry) UpdateNeighbors(nodes []string) (removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	wanted := make(map[string]bool, len(nodes))
	for _, id := range nodes {
		wanted[id] = true
		existing, ok := r.peers[id]
		switch {
		case !ok:
			r.peers[id] = &state{status: StatusOnline, since: now, lastSeen: now}
		case existing.status == StatusOffline:
			// lastSeen is left untouched — it still records the last
			// moment this peer was confirmed alive before it went dark.
			existing.status = StatusRejoining
			existing.since = now
		default: // Online or Rejoining
			existing.status = StatusOnline
			existing.since = now
			existing.lastSeen = now
		}
	}

	for id := range r.peers {
		if !wanted[id] {
			delete(r.peers, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// MarkSeen records a successful interaction with peer, transitioning it
// to Online. It reports whether the peer was previously Offline or
// Rejoining, so the value store can seed a one-time catch-up burst.
func (r *Registry) MarkSeen(peer string) (wasOfflineOrRejoining bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	existing, ok := r.peers[peer]
	if !ok {
		r.peers[peer] = &state{status: StatusOnline, since: now, lastSeen: now}
		return false
	}

	wasOfflineOrRejoining = existing.status != StatusOnline
	existing.status = StatusOnline
	existing.since = now
	existing.lastSeen = now
	return wasOfflineOrRejoining
}

// Sweep transitions every Online peer unseen for longer than
// StalenessWindow to Offline, and returns their ids.
func (r *Registry) Sweep(now time.Time) (wentOffline []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, st := range r.peers {
		if st.status == StatusOnline && now.Sub(st.lastSeen) > StalenessWindow {
			st.status = StatusOffline
			st.since = now
			wentOffline = append(wentOffline, id)
		}
	}
	return wentOffline
}

// Online returns the ids of every peer currently Online.
func (r *Registry) Online() []string {
	return r.idsWhere(func(s *state) bool { return s.status == StatusOnline })
}

// Offline returns the ids of every peer currently Offline or Rejoining
// — both are "not caught up" for the purposes of the broadcast worker's
// slower, catch-up gossip interval.
func (r *Registry) Offline() []string {
	return r.idsWhere(func(s *state) bool { return s.status != StatusOnline })
}

func (r *Registry) idsWhere(pred func(*state) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, st := range r.peers {
		if pred(st) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Status returns a peer's current status, if known.
func (r *Registry) Status(peer string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.peers[peer]
	if !ok {
		return 0, false
	}
	return st.status, true
}

// All returns a stable snapshot of every known peer, for diagnostics.
func (r *Registry) All() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.peers))
	for id, st := range r.peers {
		out = append(out, Snapshot{
			ID:       id,
			Status:   st.status.String(),
			Since:    st.since,
			LastSeen: st.lastSeen,
		})
	}
	return out
}
