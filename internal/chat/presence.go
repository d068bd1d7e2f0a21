package chat

import (
	"sort"
	"sync"
)

// Presence is where one connection currently is.
type Presence struct {
	Username string
	Room     string
}

// Registry is the worker-local record of who is where. Membership across the
// cluster is the union of every worker's Registry; none of them sees it all.
type Registry struct {
	mu          sync.Mutex
	defaultRoom string
	conns       map[string]Presence            // connID -> presence
	rooms       map[string]map[string]struct{} // room -> set of connIDs
}

func NewRegistry(defaultRoom string) *Registry {
	return &Registry{
		defaultRoom: defaultRoom,
		conns:       make(map[string]Presence),
		rooms:       make(map[string]map[string]struct{}),
	}
}

// Join places connID in room under username, moving it out of any previous
// room. It returns the room the connection was in before, if any.
func (r *Registry) Join(connID, username, room string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, hadPrior := r.conns[connID]
	if hadPrior {
		r.removeLocked(connID, prior.Room)
	}

	r.conns[connID] = Presence{Username: username, Room: room}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}

	return prior.Room, hadPrior
}

// Leave forgets connID. Unknown ids are ignored.
func (r *Registry) Leave(connID string) (Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.conns[connID]
	if !ok {
		return Presence{}, false
	}
	delete(r.conns, connID)
	r.removeLocked(connID, p.Room)
	return p, true
}

func (r *Registry) removeLocked(connID, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) Lookup(connID string) (Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.conns[connID]
	return p, ok
}

// MembersOf returns the local members of room sorted by username.
func (r *Registry) MembersOf(room string) []Member {
	r.mu.Lock()
	members := make([]Member, 0, len(r.rooms[room]))
	for connID := range r.rooms[room] {
		members = append(members, Member{Username: r.conns[connID].Username, ConnectionID: connID})
	}
	r.mu.Unlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].Username != members[j].Username {
			return members[i].Username < members[j].Username
		}
		return members[i].ConnectionID < members[j].ConnectionID
	})
	return members
}

// connectionsIn is the snapshot the hub delivers against.
func (r *Registry) connectionsIn(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms[room]))
	for connID := range r.rooms[room] {
		ids = append(ids, connID)
	}
	return ids
}

// RoomSummary lists every occupied room plus the default room, by name.
func (r *Registry) RoomSummary() []RoomCount {
	r.mu.Lock()
	summary := make([]RoomCount, 0, len(r.rooms)+1)
	for room, members := range r.rooms {
		summary = append(summary, RoomCount{Room: room, Members: len(members)})
	}
	if _, ok := r.rooms[r.defaultRoom]; !ok {
		summary = append(summary, RoomCount{Room: r.defaultRoom})
	}
	r.mu.Unlock()

	sort.Slice(summary, func(i, j int) bool { return summary[i].Room < summary[j].Room })
	return summary
}

// Count is the number of connections that have joined a room.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
