// Package tracker correlates live instances with the clients that know
// about them, so the agent can garbage-collect anonymous instances when
// their owning client goes offline and can decide when a client's
// __clientInfo__ subscription is no longer needed.
package tracker

import "sync"

// Tracker holds the two client maps described by the data model: which
// clients own which anonymous instances, and which clients know about
// which named instances. A client id may appear in either map, both, or
// neither.
type Tracker struct {
	mu    sync.Mutex
	anon  map[string]map[string]struct{} // clientID -> instanceIDs (anonymous)
	named map[string]map[string]struct{} // clientID -> instanceIDs (named)
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		anon:  make(map[string]map[string]struct{}),
		named: make(map[string]map[string]struct{}),
	}
}

// TrackAnonymous records that clientID owns instanceID (created via
// __create__). It reports whether clientID was not previously present in
// either map, i.e. whether the agent must newly subscribe to its
// __clientInfo__ topic.
func (t *Tracker) TrackAnonymous(clientID, instanceID string) (newClient bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	newClient = !t.isTrackedLocked(clientID)
	set, ok := t.anon[clientID]
	if !ok {
		set = make(map[string]struct{})
		t.anon[clientID] = set
	}
	set[instanceID] = struct{}{}
	return newClient
}

// TrackNamed records that clientID knows about instanceID (via
// __createNamed__ or __getNamed__). Reports the same newly-tracked signal
// as TrackAnonymous.
func (t *Tracker) TrackNamed(clientID, instanceID string) (newClient bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	newClient = !t.isTrackedLocked(clientID)
	set, ok := t.named[clientID]
	if !ok {
		set = make(map[string]struct{})
		t.named[clientID] = set
	}
	set[instanceID] = struct{}{}
	return newClient
}

// Untrack removes instanceID from every client's anonymous and named sets
// (used on __delete__, and when garbage-collecting an offline client's
// anonymous instances). It returns the client ids whose combined
// membership across both maps became empty as a result, i.e. clients the
// agent must now unsubscribe from __clientInfo__ and forget.
func (t *Tracker) Untrack(instanceID string) (emptied []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	touched := make(map[string]struct{})
	for clientID, set := range t.anon {
		if _, ok := set[instanceID]; ok {
			delete(set, instanceID)
			touched[clientID] = struct{}{}
			if len(set) == 0 {
				delete(t.anon, clientID)
			}
		}
	}
	for clientID, set := range t.named {
		if _, ok := set[instanceID]; ok {
			delete(set, instanceID)
			touched[clientID] = struct{}{}
			if len(set) == 0 {
				delete(t.named, clientID)
			}
		}
	}

	for clientID := range touched {
		if !t.isTrackedLocked(clientID) {
			emptied = append(emptied, clientID)
		}
	}
	return emptied
}

// AnonymousInstances returns the ids of every anonymous instance owned by
// clientID, for synthesizing __delete__ calls when that client goes
// offline.
func (t *Tracker) AnonymousInstances(clientID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.anon[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// IsTracked reports whether clientID is present in either map.
func (t *Tracker) IsTracked(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isTrackedLocked(clientID)
}

func (t *Tracker) isTrackedLocked(clientID string) bool {
	if set, ok := t.anon[clientID]; ok && len(set) > 0 {
		return true
	}
	if set, ok := t.named[clientID]; ok && len(set) > 0 {
		return true
	}
	return false
}

// ForgetClient removes any (normally already-empty) entries for clientID
// from both maps. Called once a client's offline notification has been
// fully processed.
func (t *Tracker) ForgetClient(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.anon, clientID)
	delete(t.named, clientID)
}

// TrackedClients lists every client id currently present in either map,
// used for the agent's Stats snapshot.
func (t *Tracker) TrackedClients() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{})
	for id := range t.anon {
		seen[id] = struct{}{}
	}
	for id := range t.named {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}
